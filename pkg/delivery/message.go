// Package delivery streams APNs messages over a single binary-gateway
// connection and correlates the gateway's asynchronous error responses
// back to the messages that caused them.
package delivery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sideshow/apns2/payload"
)

// MaxPayloadSize is the largest JSON payload the binary gateway accepts.
const MaxPayloadSize = 256

// Content is the application part of a notification.
type Content struct {
	Alert            string
	Badge            *int
	ContentAvailable bool
}

// Message is one notification queued for delivery. Two messages are the same
// message when their MessageIDs match.
type Message struct {
	MessageID        uint32 `json:"message_id"`
	DeviceToken      string `json:"device_token"`
	Alert            string `json:"alert,omitempty"`
	Badge            *int   `json:"badge,omitempty"`
	ContentAvailable bool   `json:"content_available,omitempty"`
}

// NewMessage builds and validates a message.
func NewMessage(id uint32, deviceToken string, content Content) (*Message, error) {
	m := &Message{
		MessageID:        id,
		DeviceToken:      deviceToken,
		Alert:            content.Alert,
		Badge:            content.Badge,
		ContentAvailable: content.ContentAvailable,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// MessageFromAttributes builds a message from a loosely keyed attribute map,
// e.g. one decoded from a queue payload. Keys are matched the same way as
// Attribute does.
func MessageFromAttributes(attrs map[string]any) (*Message, error) {
	m := &Message{}
	for key, value := range attrs {
		name, ok := attributeName(key)
		if !ok {
			continue
		}
		switch name {
		case attrMessageID:
			id, ok := toUint32(value)
			if !ok {
				return nil, &ValidationError{Field: attrMessageID, Reason: fmt.Sprintf("has unsupported value %v", value)}
			}
			m.MessageID = id
		case attrDeviceToken:
			s, ok := value.(string)
			if !ok {
				return nil, &ValidationError{Field: attrDeviceToken, Reason: fmt.Sprintf("has unsupported value %v", value)}
			}
			m.DeviceToken = s
		case attrAlert:
			if value == nil {
				continue
			}
			s, ok := value.(string)
			if !ok {
				return nil, &ValidationError{Field: attrAlert, Reason: fmt.Sprintf("has unsupported value %v", value)}
			}
			m.Alert = s
		case attrBadge:
			if value == nil {
				continue
			}
			badge, ok := toInt(value)
			if !ok {
				return nil, &ValidationError{Field: attrBadge, Reason: fmt.Sprintf("has unsupported value %v", value)}
			}
			m.Badge = &badge
		case attrContentAvailable:
			if value == nil {
				continue
			}
			b, ok := value.(bool)
			if !ok {
				return nil, &ValidationError{Field: attrContentAvailable, Reason: fmt.Sprintf("has unsupported value %v", value)}
			}
			m.ContentAvailable = b
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the invariants a message must hold before it is queued.
func (m *Message) Validate() error {
	if m.MessageID == 0 {
		return &ValidationError{Field: attrMessageID, Reason: "is required"}
	}
	if m.DeviceToken == "" {
		return &ValidationError{Field: attrDeviceToken, Reason: "is required"}
	}
	size := m.PayloadSize()
	if size < 0 {
		return &ValidationError{Field: "payload", Reason: "cannot be encoded"}
	}
	if size > MaxPayloadSize {
		return &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("is %d bytes, exceeds %d", size, MaxPayloadSize),
		}
	}
	return nil
}

// SetMessageID reassigns the id. Only valid before the message is queued.
func (m *Message) SetMessageID(id uint32) {
	m.MessageID = id
}

// Equal reports whether both messages carry the same id.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return false
	}
	return m.MessageID == other.MessageID
}

// Payload returns the APNs JSON payload for the message.
func (m *Message) Payload() ([]byte, error) {
	p := payload.NewPayload()
	if m.Alert != "" {
		p.Alert(m.Alert)
	}
	if m.Badge != nil {
		p.Badge(*m.Badge)
	}
	if m.ContentAvailable {
		p.ContentAvailable()
	}
	return p.MarshalJSON()
}

// PayloadSize is the encoded payload length, or -1 if it cannot be encoded.
func (m *Message) PayloadSize() int {
	b, err := m.Payload()
	if err != nil {
		return -1
	}
	return len(b)
}

// Attribute returns a single attribute by name.
func (m *Message) Attribute(key string) (any, bool) {
	name, ok := attributeName(key)
	if !ok {
		return nil, false
	}
	v, ok := m.Attributes()[name]
	return v, ok
}

// Attributes is a snapshot of every attribute that is set.
func (m *Message) Attributes() map[string]any {
	attrs := map[string]any{
		attrMessageID:   m.MessageID,
		attrDeviceToken: m.DeviceToken,
	}
	if m.Alert != "" {
		attrs[attrAlert] = m.Alert
	}
	if m.Badge != nil {
		attrs[attrBadge] = *m.Badge
	}
	if m.ContentAvailable {
		attrs[attrContentAvailable] = true
	}
	return attrs
}

func (m *Message) String() string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("Message(%d)", m.MessageID)
	}
	return string(b)
}

// UnmarshalJSON decodes and validates the message.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	decoded := Message(p)
	if err := decoded.Validate(); err != nil {
		return err
	}
	*m = decoded
	return nil
}

const (
	attrMessageID        = "message_id"
	attrDeviceToken      = "device_token"
	attrAlert            = "alert"
	attrBadge            = "badge"
	attrContentAvailable = "content_available"
)

var attributeNames = map[string]string{
	"messageid":        attrMessageID,
	"devicetoken":      attrDeviceToken,
	"alert":            attrAlert,
	"badge":            attrBadge,
	"contentavailable": attrContentAvailable,
}

// attributeName folds ":message_id", "messageId", "MessageID" and
// "message-id" onto the canonical "message_id".
func attributeName(key string) (string, bool) {
	folded := strings.Map(func(r rune) rune {
		switch r {
		case ':', '_', '-', ' ':
			return -1
		}
		return r
	}, strings.ToLower(key))
	name, ok := attributeNames[folded]
	return name, ok
}

func toUint32(v any) (uint32, bool) {
	n, ok := toInt64(v)
	if !ok || n < 0 || n > int64(^uint32(0)) {
		return 0, false
	}
	return uint32(n), true
}

func toInt(v any) (int, bool) {
	n, ok := toInt64(v)
	return int(n), ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
