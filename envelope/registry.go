package envelope

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/go-estoria/chronicle"
	"github.com/go-estoria/chronicle/metadata"
)

// A Decoder turns a raw payload into a concrete message value.
type Decoder func(data []byte) (any, error)

// A TypeKey identifies a message type on the wire.
type TypeKey struct {
	Name    string
	Version metadata.Version
}

// String returns "name@major.minor".
func (k TypeKey) String() string {
	return k.Name + "@" + k.Version.String()
}

// A Registry maps type names and versions to decoders. Registration happens at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[TypeKey]registration
}

type registration struct {
	decode Decoder
	zero   func() any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: map[TypeKey]registration{}}
}

// Register adds a decoder for a type name and version. Types registered this way have
// no zero-value constructor; see RegisterType.
func (r *Registry) Register(typeName string, version metadata.Version, decode Decoder) error {
	return r.register(typeName, version, registration{decode: decode})
}

func (r *Registry) register(typeName string, version metadata.Version, reg registration) error {
	decode := reg.decode
	switch {
	case typeName == "":
		return chronicle.ConfigurationError{Component: "envelope registry", Err: ErrMissingTypeName}
	case decode == nil:
		return chronicle.ConfigurationError{Component: "envelope registry", Key: typeName, Err: fmt.Errorf("decoder is required")}
	}

	key := TypeKey{Name: typeName, Version: version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[key]; ok {
		return chronicle.ConfigurationError{Component: "envelope registry", Key: key.String(), Err: fmt.Errorf("type already registered")}
	}

	r.types[key] = reg
	return nil
}

// RegisterType adds a JSON decoder producing values of T, and makes New return a zero T.
func RegisterType[T any](r *Registry, typeName string, version metadata.Version) error {
	return r.register(typeName, version, registration{
		decode: func(data []byte) (any, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}

			return v, nil
		},
		zero: func() any {
			var v T
			return v
		},
	})
}

// Has reports whether a decoder exists for the exact type name and version.
func (r *Registry) Has(typeName string, version metadata.Version) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.types[TypeKey{Name: typeName, Version: version}]
	return ok
}

// Types returns the registered type keys ordered by name and version.
func (r *Registry) Types() []TypeKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]TypeKey, 0, len(r.types))
	for key := range r.types {
		keys = append(keys, key)
	}

	slices.SortFunc(keys, compareKeys)
	return keys
}

// Decode decodes a payload of the given type. When the exact version is not registered,
// the highest registered minor version of the same major version is used.
func (r *Registry) Decode(typeName string, version metadata.Version, data []byte) (any, error) {
	reg, ok := r.lookup(typeName, version)
	if !ok {
		return nil, r.unknownType(typeName, version)
	}

	msg, err := reg.decode(data)
	if err != nil {
		return nil, MarshalingError{TypeName: typeName, Err: err}
	}

	return msg, nil
}

// New returns the zero value of the type registered for the name and version, with the
// same minor version fallback as Decode.
func (r *Registry) New(typeName string, version metadata.Version) (any, error) {
	reg, ok := r.lookup(typeName, version)
	if !ok {
		return nil, r.unknownType(typeName, version)
	}

	if reg.zero == nil {
		return nil, chronicle.ConfigurationError{
			Component: "envelope registry",
			Key:       TypeKey{Name: typeName, Version: version}.String(),
			Err:       ErrNoConstructor,
		}
	}

	return reg.zero(), nil
}

// Unmarshal decodes a wire envelope, resolving the payload type through the registry.
func (r *Registry) Unmarshal(data []byte) (Envelope, error) {
	md, raw, err := UnmarshalMetadata(data)
	if err != nil {
		return Envelope{}, err
	}

	if md.Message.TypeName == "" {
		return Envelope{}, ErrMissingTypeName
	}

	msg, err := r.Decode(md.Message.TypeName, md.Message.Version, raw)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Message: msg, Metadata: md}, nil
}

func (r *Registry) lookup(typeName string, version metadata.Version) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.types[TypeKey{Name: typeName, Version: version}]; ok {
		return reg, true
	}

	var (
		best  registration
		minor = -1
	)

	for key, reg := range r.types {
		if key.Name == typeName && key.Version.Major == version.Major && key.Version.Minor > minor {
			best, minor = reg, key.Version.Minor
		}
	}

	return best, minor >= 0
}

func (r *Registry) unknownType(typeName string, version metadata.Version) error {
	keys := r.Types()
	known := make([]string, len(keys))
	for i, key := range keys {
		known[i] = key.String()
	}

	return UnknownTypeError{Type: TypeKey{Name: typeName, Version: version}, Known: known}
}

// An UnknownTypeError is returned when a payload's type is not registered.
type UnknownTypeError struct {
	Type  TypeKey
	Known []string
}

// Error returns the error message.
func (e UnknownTypeError) Error() string {
	return chronicle.ConfigurationError{
		Component: "envelope registry",
		Key:       e.Type.String(),
		Known:     e.Known,
		Err:       fmt.Errorf("unknown message type"),
	}.Error()
}

// Retryable reports false.
func (e UnknownTypeError) Retryable() bool {
	return false
}

func compareKeys(a, b TypeKey) int {
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Version.Major, b.Version.Major),
		cmp.Compare(a.Version.Minor, b.Version.Minor),
	)
}
