// Package message defines the communication unit exchanged between
// tree nodes: an envelope with routing metadata, priority, a hop
// budget, and an opaque payload.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fractree/fractree/pkg/tree"
)

// Type tags a message for handler dispatch. The set is fixed; dispatch
// is a map lookup on the tag.
type Type string

const (
	Data      Type = "data"
	Command   Type = "command"
	Query     Type = "query"
	Event     Type = "event"
	Request   Type = "request"
	Response  Type = "response"
	Error     Type = "error"
	Ping      Type = "ping"
	Broadcast Type = "broadcast"
)

// Types lists every message type, in a fixed order.
var Types = []Type{Data, Command, Query, Event, Request, Response, Error, Ping, Broadcast}

// Priority orders messages inside a router. Higher values drain first.
type Priority int

const (
	Low      Priority = 1
	Normal   Priority = 2
	High     Priority = 3
	Critical Priority = 4
)

// Priorities lists every priority from highest to lowest, the order the
// router drains its queues in.
var Priorities = []Priority{Critical, High, Normal, Low}

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// DefaultTTL is the hop budget assigned when none is supplied.
const DefaultTTL = 10

// Message is the communication unit. Messages are created immutable by
// convention at the sender; only the TTL is decremented as the message
// crosses routing hops.
type Message struct {
	ID            string
	Type          Type
	Payload       any
	SenderID      string
	RecipientID   string // empty for broadcast / local delivery
	Timestamp     float64
	Priority      Priority
	TTL           int
	RequiresAck   bool
	CorrelationID string
	Metadata      map[string]any
}

// Option customizes a message at construction.
type Option func(*Message)

// WithID overrides the generated message id.
func WithID(id string) Option { return func(m *Message) { m.ID = id } }

// WithRecipient addresses the message to a specific node.
func WithRecipient(id string) Option { return func(m *Message) { m.RecipientID = id } }

// WithTimestamp overrides the creation timestamp (seconds since epoch).
func WithTimestamp(ts float64) Option { return func(m *Message) { m.Timestamp = ts } }

// WithPriority sets the queueing priority.
func WithPriority(p Priority) Option { return func(m *Message) { m.Priority = p } }

// WithTTL sets the hop budget.
func WithTTL(ttl int) Option { return func(m *Message) { m.TTL = ttl } }

// WithAck requests an acknowledgment from the receiving node.
func WithAck() Option { return func(m *Message) { m.RequiresAck = true } }

// WithCorrelationID links this message to the one it answers.
func WithCorrelationID(id string) Option { return func(m *Message) { m.CorrelationID = id } }

// WithMetadata merges the given entries into the message metadata.
func WithMetadata(md map[string]any) Option {
	return func(m *Message) {
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// New builds a message. The sender id must be non-empty and the TTL
// non-negative; both violations fail with tree.ErrInvalidNode.
func New(t Type, payload any, senderID string, opts ...Option) (*Message, error) {
	m := &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		SenderID:  senderID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Priority:  Normal,
		TTL:       DefaultTTL,
		Metadata:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.SenderID == "" {
		return nil, fmt.Errorf("%w: message must have a sender id", tree.ErrInvalidNode)
	}
	if m.TTL < 0 {
		return nil, fmt.Errorf("%w: message TTL must be non-negative", tree.ErrInvalidNode)
	}
	return m, nil
}

// IsExpired reports whether the message is older than maxAge.
func (m *Message) IsExpired(maxAge time.Duration) bool {
	age := float64(time.Now().UnixNano())/float64(time.Second) - m.Timestamp
	return age > maxAge.Seconds()
}

// DecrementTTL spends one hop of the budget and reports whether the
// message is still deliverable.
func (m *Message) DecrementTTL() bool {
	m.TTL--
	return m.TTL > 0
}

// Ack builds the acknowledgment for this message: a high-priority
// Response addressed back to the sender, correlated by message id.
func (m *Message) Ack(responderID string) *Message {
	ack, _ := New(Response,
		map[string]any{"ack": true, "original_message_id": m.ID},
		responderID,
		WithRecipient(m.SenderID),
		WithCorrelationID(m.ID),
		WithPriority(High),
	)
	return ack
}

// ErrorResponse builds an error reply for this message, analogous to
// Ack but carrying the failure reason.
func (m *Message) ErrorResponse(responderID, reason string) *Message {
	resp, _ := New(Error,
		map[string]any{"error": reason, "original_message_id": m.ID},
		responderID,
		WithRecipient(m.SenderID),
		WithCorrelationID(m.ID),
		WithPriority(High),
	)
	return resp
}

// Clone returns a copy of the message with its own metadata map,
// optionally re-addressed. Used when fanning a message out to several
// recipients.
func (m *Message) Clone(recipientID string) *Message {
	md := make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		md[k] = v
	}
	c := *m
	c.Metadata = md
	if recipientID != "" {
		c.RecipientID = recipientID
	}
	return &c
}

// Fanout clones the message for an additional recipient under a fresh
// id, so per-recipient copies are not collapsed by deduplication on
// shared routing hops.
func (m *Message) Fanout(recipientID string) *Message {
	c := m.Clone(recipientID)
	c.ID = uuid.NewString()
	return c
}

func (m *Message) String() string {
	id := m.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("Message(%s, %s->%s, id=%s)", m.Type, m.SenderID, m.RecipientID, id)
}
