// Package reconcile merges the overlapping message sources of a conversation
// (backend-confirmed messages and locally queued sends) into one ordered,
// duplicate-free view.
package reconcile

import (
	"sort"
	"time"

	"github.com/brmartins/courier/internal/channel"
	"github.com/brmartins/courier/internal/store"
)

// DefaultDedupWindow is the timestamp window within which two same-sender,
// same-body entries without exact ids are treated as the same logical message.
const DefaultDedupWindow = 5 * time.Second

// Entry is one row of the merged conversation view.
type Entry struct {
	Message channel.Message
	// Pending is true for a queued send not yet confirmed by the backend.
	Pending bool
	// Failed is true for a terminally failed send, rendered distinctly
	// from Pending.
	Failed bool
	// LocalID is set for entries backed by the queue.
	LocalID string
	// ShowReceipt marks the single own message eligible to display a
	// read/delivered indicator.
	ShowReceipt bool
}

// effectiveTime is the best-available ordering key: the server timestamp for
// confirmed messages, the client clock for queued ones.
func (e *Entry) effectiveTime() time.Time {
	return e.Message.Timestamp
}

// Merge combines confirmed messages (in arrival order) with queued sends into
// a deduplicated list sorted ascending by effective timestamp.
//
// Two entries represent the same logical message when:
//   - they carry the same server id, or
//   - both carry a client id (idempotency key) and the ids match, or
//   - neither rule applies and they have the same sender, the same body, and
//     timestamps within the dedup window.
//
// Distinct client ids short-circuit the fuzzy rule, so two genuinely distinct
// sends with identical text are never collapsed. A confirmed entry always
// wins over a queued one; between equal-priority duplicates the earliest-seen
// entry is kept.
func Merge(confirmed []channel.Message, queued []store.QueuedMessage, window time.Duration) []Entry {
	if window <= 0 {
		window = DefaultDedupWindow
	}

	var entries []Entry

	for _, msg := range confirmed {
		dup := false
		for _, kept := range entries {
			if sameLogical(entryKey(kept), confirmedKey(msg), window) {
				dup = true
				break
			}
		}
		if !dup {
			entries = append(entries, Entry{Message: msg})
		}
	}

	for _, q := range queued {
		dup := false
		for _, kept := range entries {
			if sameLogical(entryKey(kept), queuedKey(q), window) {
				// Confirmed beats queued; earlier queued beats later.
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		entries = append(entries, Entry{
			Message: channel.Message{
				ID:             q.LocalID,
				ClientID:       q.LocalID,
				ConversationID: q.ConversationID,
				SenderID:       q.SenderID,
				SenderName:     q.SenderName,
				Body:           q.Body,
				Kind:           channel.Kind(q.Kind),
				Timestamp:      time.UnixMilli(q.CreatedAt),
			},
			Pending: q.Status != store.QueueStatusFailed,
			Failed:  q.Status == store.QueueStatusFailed,
			LocalID: q.LocalID,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].effectiveTime(), entries[j].effectiveTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].Message.ID < entries[j].Message.ID
	})

	return entries
}

// logicalKey is the identity of an entry for deduplication.
type logicalKey struct {
	serverID string
	clientID string
	senderID string
	body     string
	at       time.Time
}

func confirmedKey(m channel.Message) logicalKey {
	return logicalKey{serverID: m.ID, clientID: m.ClientID, senderID: m.SenderID, body: m.Body, at: m.Timestamp}
}

func queuedKey(q store.QueuedMessage) logicalKey {
	return logicalKey{clientID: q.LocalID, senderID: q.SenderID, body: q.Body, at: time.UnixMilli(q.CreatedAt)}
}

func entryKey(e Entry) logicalKey {
	k := confirmedKey(e.Message)
	if e.LocalID != "" {
		// Queued entries carry their local id as the client id and no
		// server id.
		k.serverID = ""
	}
	return k
}

func sameLogical(a, b logicalKey, window time.Duration) bool {
	if a.serverID != "" && b.serverID != "" {
		return a.serverID == b.serverID
	}
	if a.clientID != "" && b.clientID != "" {
		return a.clientID == b.clientID
	}
	if a.senderID != b.senderID || a.body != b.body {
		return false
	}
	diff := a.at.Sub(b.at)
	if diff < 0 {
		diff = -diff
	}
	return diff < window
}

// annotateReceipts marks the most recent own message as the only entry
// eligible to display a read/delivered indicator. Earlier own messages
// suppress it even if individually marked read. When the newest own message
// is still pending or failed, it renders its own state instead and no
// receipt is shown.
func annotateReceipts(entries []Entry, selfID string) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		if e.Message.SenderID != selfID {
			continue
		}
		if !e.Pending && !e.Failed {
			e.ShowReceipt = true
		}
		return
	}
}
