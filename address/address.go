// Package address derives transport-safe routing keys for execution units and streams.
package address

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Separator joins the escaped parts of a Key.
const Separator = "|"

// Escape makes an aggregate id safe to embed in a routing key. Separators, slashes,
// whitespace, percent signs and non-ASCII bytes are percent-encoded. Unescape reverses it.
func Escape(s string) string {
	return url.PathEscape(s)
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	v, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("unescaping %q: %w", s, err)
	}

	return v, nil
}

// A Key addresses one execution unit: an aggregate instance within a partition.
type Key struct {
	Partition     string
	AggregateName string
	AggregateID   string
}

// ErrInvalidKey is returned when a key is missing its aggregate name or id.
var ErrInvalidKey = errors.New("invalid key")

// NewKey builds a key and validates it.
func NewKey(partition, aggregateName, aggregateID string) (Key, error) {
	k := Key{Partition: partition, AggregateName: aggregateName, AggregateID: aggregateID}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}

	return k, nil
}

// Validate reports whether the key names an aggregate.
func (k Key) Validate() error {
	switch {
	case k.AggregateName == "":
		return fmt.Errorf("%w: aggregate name is required", ErrInvalidKey)
	case k.AggregateID == "":
		return fmt.Errorf("%w: aggregate ID is required", ErrInvalidKey)
	}

	return nil
}

// String returns the escaped form "partition|name|id".
func (k Key) String() string {
	return Escape(k.Partition) + Separator + Escape(k.AggregateName) + Separator + Escape(k.AggregateID)
}

// StreamID returns the id of the event stream owned by the key.
func (k Key) StreamID() string {
	return k.String()
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q has %d parts", ErrInvalidKey, s, len(parts))
	}

	var unescaped [3]string
	for i, part := range parts {
		v, err := Unescape(part)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}

		unescaped[i] = v
	}

	k := Key{Partition: unescaped[0], AggregateName: unescaped[1], AggregateID: unescaped[2]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}

	return k, nil
}
