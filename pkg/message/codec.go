package message

import (
	"fmt"

	"github.com/fractree/fractree/pkg/tree"
)

// Encode converts the message into its plain-map wire representation.
// Enum fields carry their underlying scalar values. Optional fields are
// present with nil/zero values so Decode round-trips every field.
func (m *Message) Encode() map[string]any {
	md := make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		md[k] = v
	}
	var recipient, correlation any
	if m.RecipientID != "" {
		recipient = m.RecipientID
	}
	if m.CorrelationID != "" {
		correlation = m.CorrelationID
	}
	return map[string]any{
		"message_id":     m.ID,
		"message_type":   string(m.Type),
		"payload":        m.Payload,
		"sender_id":      m.SenderID,
		"recipient_id":   recipient,
		"timestamp":      m.Timestamp,
		"priority":       int(m.Priority),
		"ttl":            m.TTL,
		"requires_ack":   m.RequiresAck,
		"correlation_id": correlation,
		"metadata":       md,
	}
}

// Decode rebuilds a message from its plain-map representation,
// applying the same construction validation as New.
func Decode(data map[string]any) (*Message, error) {
	id, ok := data["message_id"].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: missing message_id", tree.ErrInvalidNode)
	}
	t, ok := data["message_type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing message_type", tree.ErrInvalidNode)
	}
	sender, _ := data["sender_id"].(string)

	opts := []Option{WithID(id)}
	if r, ok := data["recipient_id"].(string); ok && r != "" {
		opts = append(opts, WithRecipient(r))
	}
	if ts, ok := toFloat(data["timestamp"]); ok {
		opts = append(opts, WithTimestamp(ts))
	}
	if p, ok := toInt(data["priority"]); ok {
		opts = append(opts, WithPriority(Priority(p)))
	}
	if ttl, ok := toInt(data["ttl"]); ok {
		opts = append(opts, WithTTL(ttl))
	}
	if ack, ok := data["requires_ack"].(bool); ok && ack {
		opts = append(opts, WithAck())
	}
	if c, ok := data["correlation_id"].(string); ok && c != "" {
		opts = append(opts, WithCorrelationID(c))
	}
	if md, ok := data["metadata"].(map[string]any); ok {
		opts = append(opts, WithMetadata(md))
	}
	return New(Type(t), data["payload"], sender, opts...)
}

// toInt accepts the integer encodings a map round-trip can produce
// (native ints, or float64 after a pass through JSON).
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
