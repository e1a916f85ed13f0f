// Package envelope pairs message payloads with their metadata and defines the wire
// format used to persist and transmit them.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-estoria/chronicle/metadata"
)

// An Envelope is a message payload paired with exactly one Metadata.
type Envelope struct {
	Message  any
	Metadata metadata.Metadata
}

// New creates an envelope.
func New(msg any, md metadata.Metadata) Envelope {
	return Envelope{Message: msg, Metadata: md}
}

// TypeName returns the message type name recorded in the metadata.
func (e Envelope) TypeName() string {
	return e.Metadata.Message.TypeName
}

// Aggregate returns the aggregate the envelope is addressed to.
func (e Envelope) Aggregate() metadata.AggregateRef {
	return e.Metadata.Message.Aggregate
}

// wireEnvelope is the serialized shape of an Envelope. The payload's concrete type is
// carried by Metadata.Message.TypeName and Metadata.Message.Version.
type wireEnvelope struct {
	Message  json.RawMessage   `json:"Message"`
	Metadata metadata.Metadata `json:"Metadata"`
}

// ErrMissingTypeName is returned when an envelope's metadata carries no type name.
var ErrMissingTypeName = errors.New("envelope metadata has no message type name")

// ErrNoConstructor is returned by Registry.New for types registered with a bare decoder.
var ErrNoConstructor = errors.New("type has no zero-value constructor")

// Marshal encodes an envelope into its wire format.
func Marshal(env Envelope) ([]byte, error) {
	if env.Metadata.Message.TypeName == "" {
		return nil, ErrMissingTypeName
	}

	payload, err := json.Marshal(env.Message)
	if err != nil {
		return nil, MarshalingError{TypeName: env.TypeName(), Err: err}
	}

	data, err := json.Marshal(wireEnvelope{Message: payload, Metadata: env.Metadata})
	if err != nil {
		return nil, MarshalingError{TypeName: env.TypeName(), Err: err}
	}

	return data, nil
}

// UnmarshalMetadata decodes only the metadata of a wire envelope, leaving the payload raw.
func UnmarshalMetadata(data []byte) (metadata.Metadata, json.RawMessage, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return metadata.Metadata{}, nil, MarshalingError{Err: err}
	}

	return wire.Metadata, wire.Message, nil
}

// A MarshalingError is returned when an envelope cannot be encoded or decoded.
type MarshalingError struct {
	TypeName string
	Err      error
}

// Error returns the error message.
func (e MarshalingError) Error() string {
	if e.TypeName == "" {
		return "marshaling envelope: " + e.Err.Error()
	}

	return fmt.Sprintf("marshaling %s envelope: %s", e.TypeName, e.Err)
}

// Unwrap returns the underlying error.
func (e MarshalingError) Unwrap() error {
	return e.Err
}
