package store

import (
	"database/sql"
	"time"
)

// EnqueueMessage persists a not-yet-confirmed send. The write must complete
// before the send is considered accepted, so a restart never loses it.
func (db *DB) EnqueueMessage(m *QueuedMessage) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO queue (local_id, conversation_id, sender_id, sender_name, body, kind, attachment_ref, status, retry_count, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', 0, 0, ?, ?)`,
		m.LocalID, m.ConversationID, m.SenderID, m.SenderName, m.Body, m.Kind, m.AttachmentRef, m.CreatedAt, now)
	return err
}

// DueQueue returns queued entries eligible for a send attempt at the given
// time, oldest first. Entries at or past maxAttempts are excluded; under the
// "keep" policy they stay in the table but are no longer scheduled.
func (db *DB) DueQueue(now time.Time, maxAttempts int) ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, sender_id, sender_name, body, kind, attachment_ref, status, error_message, retry_count, next_retry_at, created_at
		FROM queue
		WHERE status = 'queued' AND next_retry_at <= ? AND retry_count < ?
		ORDER BY created_at ASC, id ASC`,
		now.UnixMilli(), maxAttempts)
	if err != nil {
		return nil, err
	}
	return scanQueue(rows)
}

// PendingQueue returns all non-terminal entries in FIFO order, regardless of
// backoff gating. This is the reconciliation snapshot: a message waiting out
// its backoff still renders as a pending bubble.
func (db *DB) PendingQueue() ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, sender_id, sender_name, body, kind, attachment_ref, status, error_message, retry_count, next_retry_at, created_at
		FROM queue
		WHERE status IN ('queued', 'sending')
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanQueue(rows)
}

// PendingQueueFor returns non-terminal entries for one conversation in FIFO order.
func (db *DB) PendingQueueFor(conversationID string) ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, sender_id, sender_name, body, kind, attachment_ref, status, error_message, retry_count, next_retry_at, created_at
		FROM queue
		WHERE status IN ('queued', 'sending') AND conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return scanQueue(rows)
}

// FailedQueue returns terminally failed entries, oldest first.
func (db *DB) FailedQueue() ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, sender_id, sender_name, body, kind, attachment_ref, status, error_message, retry_count, next_retry_at, created_at
		FROM queue
		WHERE status = 'failed'
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanQueue(rows)
}

// FailedQueueFor returns terminally failed entries for one conversation.
func (db *DB) FailedQueueFor(conversationID string) ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, sender_id, sender_name, body, kind, attachment_ref, status, error_message, retry_count, next_retry_at, created_at
		FROM queue
		WHERE status = 'failed' AND conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return scanQueue(rows)
}

// MarkQueueSending moves an entry to 'sending' before the network attempt.
func (db *DB) MarkQueueSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE queue SET status = 'sending', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// MarkQueueRetry records a failed attempt and its backoff gate, returning the
// entry to 'queued'.
func (db *DB) MarkQueueRetry(localID string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE queue SET status = 'queued', retry_count = ?, next_retry_at = ?, error_message = ?, updated_at = ?
		WHERE local_id = ?`,
		retryCount, nextRetryAt.UnixMilli(), errMsg, now, localID)
	return err
}

// MarkQueueFailed marks an entry terminally failed.
func (db *DB) MarkQueueFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE queue SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`, errMsg, now, localID)
	return err
}

// RemoveQueued deletes an entry once its send is acknowledged. Returns
// whether a row was actually removed, so an ack can never drain more than
// one entry.
func (db *DB) RemoveQueued(localID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM queue WHERE local_id = ?`, localID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResetQueued clears retry state so a kept-exhausted or failed entry is
// scheduled again from attempt zero.
func (db *DB) ResetQueued(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE queue SET status = 'queued', retry_count = 0, next_retry_at = 0, error_message = '', updated_at = ?
		WHERE local_id = ?`, now, localID)
	return err
}

// RecoverInFlight demotes stale 'sending' rows back to 'queued'. Called at
// startup: a crash mid-attempt must not strand entries in a state the
// scheduler ignores. Returns the number of recovered rows.
func (db *DB) RecoverInFlight() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE queue SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanQueue(rows *sql.Rows) ([]QueuedMessage, error) {
	defer func() { _ = rows.Close() }()

	var entries []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.LocalID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Body, &m.Kind, &m.AttachmentRef, &m.Status, &m.ErrorMessage, &m.RetryCount, &m.NextRetryAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, m)
	}
	return entries, rows.Err()
}
