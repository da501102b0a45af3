package taskdeck

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event names (wire-stable).
const (
	// lifecycle, produced locally by the channel
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	// server -> client
	EventReceiveMessage     = "receive_message"
	EventUserTyping         = "user_typing"
	EventMessagesMarkedRead = "messages_marked_read"

	// client -> server
	EventJoinChat    = "join_chat"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventMarkRead    = "mark_read"
)

// Envelope is the wire format of every push-channel frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the closed set of values delivered to channel subscribers.
type Event interface {
	EventName() string
}

// Connected is delivered when a transport connection is established.
type Connected struct {
	Transport string
}

// Disconnected is delivered when a live connection drops or is torn down.
type Disconnected struct {
	Reason string
}

// ConnectError is delivered for every failed connection attempt. Final is
// set on the attempt that exhausts the reconnect ceiling.
type ConnectError struct {
	Err     error
	Attempt int
	Final   bool
}

// MessageReceived carries a chat message broadcast by the server.
type MessageReceived struct {
	Message MessagePayload
}

// TypingChanged reports that UserID started or stopped typing to ReceiverID.
type TypingChanged struct {
	UserID     string
	ReceiverID string
	IsTyping   bool
}

// ReadReceipt reports that ReaderID has read the messages PeerID sent them.
type ReadReceipt struct {
	ReaderID string
	PeerID   string
	ReadAt   time.Time
}

func (Connected) EventName() string       { return EventConnect }
func (Disconnected) EventName() string    { return EventDisconnect }
func (ConnectError) EventName() string    { return EventConnectError }
func (MessageReceived) EventName() string { return EventReceiveMessage }
func (TypingChanged) EventName() string   { return EventUserTyping }
func (ReadReceipt) EventName() string     { return EventMessagesMarkedRead }

// ---- Payloads ----

type joinChatPayload struct {
	Room string `json:"room"`
}

type typingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type markReadPayload struct {
	ReaderID string    `json:"readerId"`
	SenderID string    `json:"senderId"`
	ReadAt   time.Time `json:"readAt,omitempty"`
}

var errUnknownEvent = errors.New("unknown event type")

// decodeEvent validates an inbound application frame and converts it into a
// typed Event, so nothing past the channel boundary inspects raw payloads.
func decodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case EventReceiveMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("%s: missing id", env.Type)
		}
		if strings.TrimSpace(p.SenderID) == "" || strings.TrimSpace(p.ReceiverID) == "" {
			return nil, fmt.Errorf("%s: missing sender or receiver", env.Type)
		}
		if p.Timestamp.IsZero() {
			return nil, fmt.Errorf("%s: missing timestamp", env.Type)
		}
		p.Timestamp = normalizeTimestamp(p.Timestamp)
		return MessageReceived{Message: p}, nil

	case EventUserTyping:
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if strings.TrimSpace(p.SenderID) == "" {
			return nil, fmt.Errorf("%s: missing sender", env.Type)
		}
		return TypingChanged{UserID: p.SenderID, ReceiverID: p.ReceiverID, IsTyping: p.IsTyping}, nil

	case EventMessagesMarkedRead:
		var p markReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if strings.TrimSpace(p.ReaderID) == "" || strings.TrimSpace(p.SenderID) == "" {
			return nil, fmt.Errorf("%s: missing reader or sender", env.Type)
		}
		return ReadReceipt{ReaderID: p.ReaderID, PeerID: p.SenderID, ReadAt: p.ReadAt}, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownEvent, env.Type)
}

// normalizeTimestamp truncates to the millisecond precision the server keeps,
// so a local record and its durable echo compare equal.
func normalizeTimestamp(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
