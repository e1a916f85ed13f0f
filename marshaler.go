package chronicle

import "encoding/json"

// A Marshaler marshals and unmarshals values of T to and from bytes.
type Marshaler[T any, PT *T] interface {
	Marshal(src PT) ([]byte, error)
	Unmarshal(data []byte, dest PT) error
}

// JSONMarshaler is the default Marshaler, using encoding/json.
type JSONMarshaler[T any] struct{}

var _ Marshaler[struct{}, *struct{}] = JSONMarshaler[struct{}]{}

func (m JSONMarshaler[T]) Marshal(src *T) ([]byte, error) {
	return json.Marshal(src)
}

func (m JSONMarshaler[T]) Unmarshal(data []byte, dest *T) error {
	return json.Unmarshal(data, dest)
}
