package store

// Queue entry statuses.
const (
	QueueStatusQueued  = "queued"
	QueueStatusSending = "sending"
	QueueStatusFailed  = "failed"
)

// QueuedMessage is a send that has not yet been confirmed by the backend.
// LocalID carries the "local-" prefix so it can never collide with a
// server-assigned id, and doubles as the idempotency key on the wire.
type QueuedMessage struct {
	ID             int64
	LocalID        string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Kind           string
	AttachmentRef  string
	Status         string
	ErrorMessage   string
	RetryCount     int
	NextRetryAt    int64 // unix millis; 0 means eligible immediately
	CreatedAt      int64 // unix millis, client clock
}
