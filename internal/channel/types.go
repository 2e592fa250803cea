// Package channel defines the contracts the sync core consumes from the
// managed backend: the remote message channel, the presence channel, and the
// typing channel. Adapters live in subpackages; the engines only see these
// interfaces.
package channel

import (
	"context"
	"time"
)

// Kind identifies the message body type.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Status is a confirmed message's delivery state.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Message is a message confirmed by the remote channel. ID and Timestamp are
// server-assigned; Timestamp is the authoritative ordering key. ClientID is
// the echo of the sender's idempotency key and may be empty for messages sent
// by clients that don't supply one.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Kind           Kind
	Status         Status
	Timestamp      time.Time
	Translation    *Translation
	ReadBy         []string
}

// DisplayBody returns the translated text when a valid translation is
// attached, and the original body otherwise.
func (m *Message) DisplayBody() string {
	if m.Translation != nil && m.Translation.Text != "" {
		return m.Translation.Text
	}
	return m.Body
}

// OutboundMessage is a send request. ClientID doubles as the idempotency key
// and is echoed back on the confirmed message.
type OutboundMessage struct {
	ClientID       string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Kind           Kind
	AttachmentRef  string
	SentAt         time.Time
}

// Page is one fetched slice of conversation history. NextCursor is empty when
// no older messages remain.
type Page struct {
	Messages   []Message
	NextCursor string
}

// MessageChannel is the remote message collection contract.
type MessageChannel interface {
	// Send writes a message and returns its server-assigned id.
	Send(ctx context.Context, out OutboundMessage) (string, error)
	// FetchPage returns up to pageSize messages older than the cursor,
	// newest first. An empty cursor fetches the newest page.
	FetchPage(ctx context.Context, conversationID string, pageSize int, cursor string) (*Page, error)
	// Subscribe streams live updates (new messages and status/translation
	// changes) for a conversation. The returned function releases the
	// subscription.
	Subscribe(ctx context.Context, conversationID string, pageSize int, onUpdate func([]Message)) (func(), error)
	// UpdateStatus writes a delivery status transition for a message.
	UpdateStatus(ctx context.Context, messageID string, status Status) error
}

// PresenceStatus is the raw advisory status carried by a presence record.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is a per-user liveness snapshot. The raw Status is advisory
// only; observers must re-derive effective liveness from LastSeen.
type PresenceRecord struct {
	UserID   string
	Status   PresenceStatus
	LastSeen time.Time
}

// PresenceChannel publishes and observes per-user presence records.
type PresenceChannel interface {
	Publish(ctx context.Context, rec PresenceRecord) error
	Subscribe(ctx context.Context, userID string, onUpdate func(PresenceRecord)) (func(), error)
}

// TypingRecord is a per-conversation, per-user transient typing flag.
type TypingRecord struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	At             time.Time
}

// TypingChannel publishes and observes typing records.
type TypingChannel interface {
	Publish(ctx context.Context, rec TypingRecord) error
	Subscribe(ctx context.Context, conversationID string, onUpdate func(TypingRecord)) (func(), error)
}
