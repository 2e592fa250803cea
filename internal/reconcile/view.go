package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
	"github.com/brmartins/courier/internal/channel"
	"github.com/brmartins/courier/internal/store"
)

// cursorEnd is stored in the checkpoint table once a conversation's history
// has been fully paged, so a restarted view does not restart the walk: an
// empty cursor would fetch the newest page again.
const cursorEnd = "\x00end"

// PendingSource exposes the queue snapshot a view merges against. The view
// only ever reads; queue state is owned exclusively by the queue engine.
type PendingSource interface {
	PendingFor(conversationID string) ([]store.QueuedMessage, error)
	FailedFor(conversationID string) ([]store.QueuedMessage, error)
}

// View is the per-conversation reconciliation session. It owns the live
// subscription, the confirmed message set, the pagination cursor, and the
// per-conversation caches; Close releases all of them.
type View struct {
	conversationID string
	selfID         string
	channel        channel.MessageChannel
	pending        PendingSource
	db             *store.DB
	bus            *bus.Bus
	logger         *zap.Logger
	pageSize       int
	window         time.Duration

	mu           sync.Mutex
	confirmed    map[string]channel.Message
	arrival      []string // server ids in first-seen order
	cursor       string
	atEnd        bool // history fully paged; cursor is no longer advanced
	profiles     map[string]string
	translations map[string]*channel.Translation
	unsub        func()
	closed       bool
}

func newView(conversationID, selfID string, ch channel.MessageChannel, pending PendingSource, db *store.DB, b *bus.Bus, logger *zap.Logger, pageSize int, window time.Duration) *View {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &View{
		conversationID: conversationID,
		selfID:         selfID,
		channel:        ch,
		pending:        pending,
		db:             db,
		bus:            b,
		logger:         logger,
		pageSize:       pageSize,
		window:         window,
		confirmed:      make(map[string]channel.Message),
		profiles:       make(map[string]string),
		translations:   make(map[string]*channel.Translation),
	}
}

// open restores the pagination cursor and attaches the live subscription.
func (v *View) open(ctx context.Context) error {
	cursor, err := v.db.GetCheckpoint("cursor:" + v.conversationID)
	if err != nil {
		return err
	}
	if cursor == cursorEnd {
		v.atEnd = true
	} else {
		v.cursor = cursor
	}

	unsub, err := v.channel.Subscribe(ctx, v.conversationID, v.pageSize, v.ingest)
	if err != nil {
		return err
	}
	v.unsub = unsub
	return nil
}

// ingest folds a batch of confirmed messages into the view. Tolerates
// duplicates (same server id across pages or between the live feed and a
// fetched page) and out-of-order arrival.
func (v *View) ingest(msgs []channel.Message) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}

	var deliverable []channel.Message
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if _, seen := v.confirmed[msg.ID]; !seen {
			v.arrival = append(v.arrival, msg.ID)
			if msg.SenderID != v.selfID && msg.Status == channel.StatusSent {
				deliverable = append(deliverable, msg)
			}
		}

		// A status-only update can arrive without the translation that a
		// previous update carried; the cache keeps it attached.
		if msg.Translation != nil {
			v.translations[msg.ID] = msg.Translation
		} else if cached, ok := v.translations[msg.ID]; ok {
			msg.Translation = cached
		}

		if msg.SenderName != "" {
			v.profiles[msg.SenderID] = msg.SenderName
		} else if name, ok := v.profiles[msg.SenderID]; ok {
			msg.SenderName = name
		}

		v.confirmed[msg.ID] = msg
	}
	v.mu.Unlock()

	// Write back a delivered transition for incoming messages. Outbound
	// side effect on the remote channel, fire-and-forget.
	for _, msg := range deliverable {
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := v.channel.UpdateStatus(ctx, id, channel.StatusDelivered); err != nil {
				v.logger.Warn("delivered write-back failed", zap.Error(err), zap.String("msg_id", id))
			}
		}(msg.ID)
	}

	v.bus.Publish(bus.Event{
		Kind:      "view.updated",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": v.conversationID},
	})
}

// Snapshot produces the merged, ordered, deduplicated list the UI renders.
func (v *View) Snapshot() ([]Entry, error) {
	v.mu.Lock()
	confirmed := make([]channel.Message, 0, len(v.arrival))
	for _, id := range v.arrival {
		confirmed = append(confirmed, v.confirmed[id])
	}
	v.mu.Unlock()

	queued, err := v.pending.PendingFor(v.conversationID)
	if err != nil {
		return nil, err
	}
	failed, err := v.pending.FailedFor(v.conversationID)
	if err != nil {
		return nil, err
	}

	entries := Merge(confirmed, append(queued, failed...), v.window)
	annotateReceipts(entries, v.selfID)
	return entries, nil
}

// LoadOlder fetches the next page of history, folds it in, and persists the
// advanced cursor. Returns the number of messages fetched; zero means the
// start of history was reached. Once a page comes back with no next cursor
// the view marks the conversation fully paged, since passing the empty
// cursor back to the channel would fetch the newest page again.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.atEnd {
		v.mu.Unlock()
		return 0, nil
	}
	cursor := v.cursor
	v.mu.Unlock()

	page, err := v.channel.FetchPage(ctx, v.conversationID, v.pageSize, cursor)
	if err != nil {
		return 0, err
	}

	v.ingest(page.Messages)

	checkpoint := page.NextCursor
	v.mu.Lock()
	if page.NextCursor == "" {
		v.atEnd = true
		checkpoint = cursorEnd
	} else {
		v.cursor = page.NextCursor
	}
	v.mu.Unlock()

	if err := v.db.SetCheckpoint("cursor:"+v.conversationID, checkpoint); err != nil {
		v.logger.Warn("failed to persist pagination cursor", zap.Error(err), zap.String("conversation_id", v.conversationID))
	}

	return len(page.Messages), nil
}

// Close releases the live subscription and drops the per-conversation caches.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsub := v.unsub
	v.unsub = nil
	v.confirmed = make(map[string]channel.Message)
	v.arrival = nil
	v.profiles = make(map[string]string)
	v.translations = make(map[string]*channel.Translation)
	v.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
