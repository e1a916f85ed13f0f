// Package metadata defines the identity, causality and versioning information that
// accompanies every command and event.
package metadata

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// An AggregateRef names the aggregate a message is addressed to or emitted by.
type AggregateRef struct {
	Name string `json:"Name"`
	ID   string `json:"ID"`
}

// IsEmpty reports whether the reference names no aggregate.
func (r AggregateRef) IsEmpty() bool {
	return r.Name == "" && r.ID == ""
}

// MessageMetadata describes one message.
type MessageMetadata struct {
	ID          string       `json:"ID"`
	TypeName    string       `json:"TypeName"`
	Version     Version      `json:"Version"`
	CreatedAt   time.Time    `json:"CreatedAt"`
	Aggregate   AggregateRef `json:"Aggregate"`
	CausationID string       `json:"CausationID,omitempty"`
}

// ContextMetadata describes the conversation a message belongs to.
type ContextMetadata struct {
	CorrelationID  string   `json:"CorrelationID"`
	UserID         string   `json:"UserID,omitempty"`
	PartitionID    string   `json:"PartitionID,omitempty"`
	SequenceNumber *int64   `json:"SequenceNumber,omitempty"`
	SessionID      string   `json:"SessionID,omitempty"`
	Scopes         []string `json:"Scopes,omitempty"`
}

// Metadata pairs message and context metadata. Values are copied, never mutated
// after creation; use CreateNew to derive related metadata.
type Metadata struct {
	Message MessageMetadata `json:"Message"`
	Context ContextMetadata `json:"Context"`
}

// An Option overrides a metadata field during New or CreateNew.
type Option func(*Metadata)

//nolint:gochecknoglobals // replaced in tests
var (
	newMessageID = func() string { return uuid.NewString() }
	now          = func() time.Time { return time.Now().UTC() }
)

// New creates metadata for a new root message. The correlation id defaults to the message id.
func New(typeName string, version Version, opts ...Option) Metadata {
	md := Metadata{
		Message: MessageMetadata{
			ID:        newMessageID(),
			TypeName:  typeName,
			Version:   version,
			CreatedAt: now(),
		},
	}

	for _, opt := range opts {
		opt(&md)
	}

	if md.Context.CorrelationID == "" {
		md.Context.CorrelationID = md.Message.ID
	}

	return md
}

// CreateNew derives metadata for a message caused by the one m describes. The result
// has a fresh message id and timestamp, carries m's context and aggregate reference,
// and records m's message id as its causation id. Options are applied last.
func (m Metadata) CreateNew(opts ...Option) Metadata {
	md := m.clone()
	md.Message.ID = newMessageID()
	md.Message.CreatedAt = now()
	md.Message.CausationID = m.Message.ID

	if md.Context.CorrelationID == "" {
		md.Context.CorrelationID = m.Message.ID
	}

	for _, opt := range opts {
		opt(&md)
	}

	return md
}

func (m Metadata) clone() Metadata {
	md := m
	md.Context.Scopes = slices.Clone(m.Context.Scopes)
	if m.Context.SequenceNumber != nil {
		seq := *m.Context.SequenceNumber
		md.Context.SequenceNumber = &seq
	}

	return md
}

// WithMessageID overrides the message id.
func WithMessageID(id string) Option {
	return func(m *Metadata) { m.Message.ID = id }
}

// WithTypeName overrides the message type name.
func WithTypeName(typeName string) Option {
	return func(m *Metadata) { m.Message.TypeName = typeName }
}

// WithVersion overrides the message type version.
func WithVersion(v Version) Option {
	return func(m *Metadata) { m.Message.Version = v }
}

// WithCreatedAt overrides the creation time.
func WithCreatedAt(t time.Time) Option {
	return func(m *Metadata) { m.Message.CreatedAt = t }
}

// WithAggregate sets the aggregate reference.
func WithAggregate(name, id string) Option {
	return func(m *Metadata) { m.Message.Aggregate = AggregateRef{Name: name, ID: id} }
}

// WithCausationID overrides the causation id.
func WithCausationID(id string) Option {
	return func(m *Metadata) { m.Message.CausationID = id }
}

// WithCorrelationID overrides the correlation id.
func WithCorrelationID(id string) Option {
	return func(m *Metadata) { m.Context.CorrelationID = id }
}

// WithUserID sets the acting user.
func WithUserID(id string) Option {
	return func(m *Metadata) { m.Context.UserID = id }
}

// WithPartitionID sets the partition.
func WithPartitionID(id string) Option {
	return func(m *Metadata) { m.Context.PartitionID = id }
}

// WithSequenceNumber sets the caller's sequence number.
func WithSequenceNumber(seq int64) Option {
	return func(m *Metadata) { m.Context.SequenceNumber = &seq }
}

// WithSessionID sets the session.
func WithSessionID(id string) Option {
	return func(m *Metadata) { m.Context.SessionID = id }
}

// WithScopes replaces the scopes.
func WithScopes(scopes ...string) Option {
	return func(m *Metadata) { m.Context.Scopes = slices.Clone(scopes) }
}
