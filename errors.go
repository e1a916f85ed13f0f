package chronicle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// A ConfigurationError reports a wiring problem detected at startup or on first use,
// such as a missing registration. It is never worth retrying.
type ConfigurationError struct {
	Component string
	Key       string
	Known     []string
	Err       error
}

// Error returns the error message.
func (e ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Component)
	b.WriteString(" configuration error")
	if e.Key != "" {
		fmt.Fprintf(&b, " for %q", e.Key)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	if e.Known != nil {
		known := append([]string(nil), e.Known...)
		sort.Strings(known)
		fmt.Fprintf(&b, " (registered: [%s])", strings.Join(known, ", "))
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e ConfigurationError) Unwrap() error {
	return e.Err
}

// Retryable reports false; configuration errors need an operator.
func (e ConfigurationError) Retryable() bool {
	return false
}

// IsRetryable reports whether any error in err's chain declares itself retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}

	return false
}
