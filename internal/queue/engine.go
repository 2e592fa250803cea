// Package queue implements the offline send queue: a user-initiated send is
// never lost to a lack of connectivity, and is retried with exponential
// backoff until it succeeds, exhausts its attempts, or fails terminally.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
	"github.com/brmartins/courier/internal/channel"
	"github.com/brmartins/courier/internal/netmon"
	"github.com/brmartins/courier/internal/store"
)

// Exhausted-retry policies.
const (
	// PolicyKeep leaves an exhausted entry queued but unscheduled until a
	// manual RetryNow. This matches the observed product behavior.
	PolicyKeep = "keep"
	// PolicyFail marks an exhausted entry terminally failed.
	PolicyFail = "fail"
)

// Config is the retry policy for the queue engine.
type Config struct {
	MaxAttempts     int
	BaseBackoff     time.Duration
	AttemptTimeout  time.Duration
	PollInterval    time.Duration
	ExhaustedPolicy string
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ExhaustedPolicy != PolicyKeep && c.ExhaustedPolicy != PolicyFail {
		c.ExhaustedPolicy = PolicyKeep
	}
}

// SendResult describes how a send was handled.
type SendResult struct {
	LocalID  string
	ServerID string // set when the send was confirmed immediately
	Queued   bool   // true when the message was persisted for later delivery
}

// Engine owns the queued-message lifecycle: enqueue, backoff-gated retry, and
// flush on reconnect.
type Engine struct {
	db      *store.DB
	channel channel.MessageChannel
	monitor *netmon.Monitor
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config
	cancel  context.CancelFunc

	mu       sync.Mutex
	flushing bool
}

// NewEngine creates a queue engine. Zero config values fall back to defaults.
func NewEngine(db *store.DB, ch channel.MessageChannel, monitor *netmon.Monitor, b *bus.Bus, logger *zap.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		db:      db,
		channel: ch,
		monitor: monitor,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
	}
}

// NewLocalID returns a fresh locally-tagged message id. The "local-" prefix
// keeps it distinguishable from server-assigned ids everywhere downstream.
func NewLocalID() string {
	return "local-" + uuid.NewString()
}

// Start recovers in-flight entries from a prior run and begins the flush
// loop. Flushes are triggered by the poll ticker (which also covers backoff
// expiry), by net.online transitions, and once immediately so messages queued
// in a previous session are retried at startup.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	if n, err := e.db.RecoverInFlight(); err != nil {
		e.logger.Error("failed to recover in-flight entries", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("recovered in-flight queue entries", zap.Int64("count", n))
	}

	go e.loop(ctx)
}

// Stop stops the flush loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) loop(ctx context.Context) {
	online, unsub := e.bus.Subscribe("net.online", 8)
	defer unsub()

	e.Flush(ctx)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Flush(ctx)
		case <-online:
			e.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Send is the front door for a user-initiated send. When online it attempts
// an immediate delivery; a connectivity failure (or being offline) falls back
// to the durable queue. Permission and validation failures are returned to
// the caller and never queued.
func (e *Engine) Send(ctx context.Context, conversationID, senderID, senderName, body string, kind channel.Kind, attachmentRef string) (*SendResult, error) {
	localID := NewLocalID()
	sentAt := time.Now()

	if e.monitor.Online() {
		actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		serverID, err := e.channel.Send(actx, channel.OutboundMessage{
			ClientID:       localID,
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderName:     senderName,
			Body:           body,
			Kind:           kind,
			AttachmentRef:  attachmentRef,
			SentAt:         sentAt,
		})
		cancel()
		if err == nil {
			e.bus.Publish(bus.Event{
				Kind:      "message.send_ack",
				Timestamp: time.Now(),
				Payload:   map[string]string{"local_id": localID, "server_id": serverID, "conversation_id": conversationID},
			})
			return &SendResult{LocalID: localID, ServerID: serverID}, nil
		}
		if !channel.IsConnectivity(err) {
			return nil, err
		}
		e.logger.Info("direct send failed, queueing", zap.String("local_id", localID), zap.Error(err))
	}

	if err := e.enqueue(localID, conversationID, senderID, senderName, body, kind, attachmentRef, sentAt); err != nil {
		return nil, err
	}
	return &SendResult{LocalID: localID, Queued: true}, nil
}

// Enqueue persists a send without attempting immediate delivery. Used as the
// explicit offline path; Send prefers it automatically when the monitor
// reports offline.
func (e *Engine) Enqueue(conversationID, senderID, senderName, body string, kind channel.Kind, attachmentRef string) (string, error) {
	localID := NewLocalID()
	if err := e.enqueue(localID, conversationID, senderID, senderName, body, kind, attachmentRef, time.Now()); err != nil {
		return "", err
	}
	return localID, nil
}

func (e *Engine) enqueue(localID, conversationID, senderID, senderName, body string, kind channel.Kind, attachmentRef string, sentAt time.Time) error {
	err := e.db.EnqueueMessage(&store.QueuedMessage{
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		Body:           body,
		Kind:           string(kind),
		AttachmentRef:  attachmentRef,
		CreatedAt:      sentAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	e.bus.Publish(bus.Event{
		Kind:      "queue.enqueued",
		Timestamp: time.Now(),
		Payload:   map[string]string{"local_id": localID, "conversation_id": conversationID},
	})
	return nil
}

// Flush processes all currently due entries in FIFO order. Guarded so only
// one flush runs at a time, which also guarantees at most one in-flight
// attempt per message.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	if !e.monitor.Online() {
		return
	}

	due, err := e.db.DueQueue(time.Now(), e.cfg.MaxAttempts)
	if err != nil {
		e.logger.Error("failed to read queue", zap.Error(err))
		return
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		e.attemptSend(ctx, entry)
	}
}

func (e *Engine) attemptSend(ctx context.Context, entry store.QueuedMessage) {
	if err := e.db.MarkQueueSending(entry.LocalID); err != nil {
		e.logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", entry.LocalID))
		return
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	serverID, err := e.channel.Send(actx, channel.OutboundMessage{
		ClientID:       entry.LocalID,
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		SenderName:     entry.SenderName,
		Body:           entry.Body,
		Kind:           channel.Kind(entry.Kind),
		AttachmentRef:  entry.AttachmentRef,
		SentAt:         time.UnixMilli(entry.CreatedAt),
	})
	cancel()

	if err == nil {
		removed, rerr := e.db.RemoveQueued(entry.LocalID)
		if rerr != nil {
			e.logger.Error("failed to remove acked entry", zap.Error(rerr), zap.String("local_id", entry.LocalID))
		} else if !removed {
			e.logger.Warn("acked entry already gone", zap.String("local_id", entry.LocalID))
		}
		e.logger.Info("queued message sent", zap.String("local_id", entry.LocalID), zap.String("server_id", serverID))
		e.bus.Publish(bus.Event{
			Kind:      "message.send_ack",
			Timestamp: time.Now(),
			Payload:   map[string]string{"local_id": entry.LocalID, "server_id": serverID, "conversation_id": entry.ConversationID},
		})
		return
	}

	if channel.IsPermission(err) || channel.IsInvalid(err) {
		e.logger.Warn("terminal send failure", zap.Error(err), zap.String("local_id", entry.LocalID))
		e.failEntry(entry, err.Error())
		return
	}

	retries := entry.RetryCount + 1
	if retries >= e.cfg.MaxAttempts {
		e.exhaustEntry(entry, retries, err.Error())
		return
	}

	delay := backoffDelay(e.cfg.BaseBackoff, retries)
	if merr := e.db.MarkQueueRetry(entry.LocalID, retries, time.Now().Add(delay), err.Error()); merr != nil {
		e.logger.Error("failed to schedule retry", zap.Error(merr), zap.String("local_id", entry.LocalID))
		return
	}
	e.logger.Info("send attempt failed, backing off",
		zap.String("local_id", entry.LocalID),
		zap.Int("retry_count", retries),
		zap.Duration("delay", delay),
		zap.Error(err))
}

func (e *Engine) exhaustEntry(entry store.QueuedMessage, retries int, errMsg string) {
	if e.cfg.ExhaustedPolicy == PolicyFail {
		e.failEntry(entry, errMsg)
		return
	}

	// Keep policy: the entry stays queued with its count at the cap, which
	// removes it from scheduling until RetryNow resets it.
	if err := e.db.MarkQueueRetry(entry.LocalID, retries, time.Now(), errMsg); err != nil {
		e.logger.Error("failed to park exhausted entry", zap.Error(err), zap.String("local_id", entry.LocalID))
		return
	}
	e.logger.Warn("retries exhausted, keeping entry queued", zap.String("local_id", entry.LocalID), zap.Int("attempts", retries))
	e.bus.Publish(bus.Event{
		Kind:      "message.send_exhausted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"local_id": entry.LocalID, "conversation_id": entry.ConversationID, "error": errMsg},
	})
}

func (e *Engine) failEntry(entry store.QueuedMessage, errMsg string) {
	if err := e.db.MarkQueueFailed(entry.LocalID, errMsg); err != nil {
		e.logger.Error("failed to mark entry failed", zap.Error(err), zap.String("local_id", entry.LocalID))
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      "message.send_failed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"local_id": entry.LocalID, "conversation_id": entry.ConversationID, "error": errMsg},
	})
}

// RetryNow clears a parked or failed entry's retry state and flushes.
func (e *Engine) RetryNow(ctx context.Context, localID string) error {
	if err := e.db.ResetQueued(localID); err != nil {
		return err
	}
	go e.Flush(ctx)
	return nil
}

// Pending returns a snapshot of all unconfirmed entries in FIFO order.
func (e *Engine) Pending() ([]store.QueuedMessage, error) {
	return e.db.PendingQueue()
}

// PendingFor returns the unconfirmed entries of one conversation.
func (e *Engine) PendingFor(conversationID string) ([]store.QueuedMessage, error) {
	return e.db.PendingQueueFor(conversationID)
}

// FailedFor returns the terminally failed entries of one conversation, so
// the view can render a failure indicator distinct from "sending".
func (e *Engine) FailedFor(conversationID string) ([]store.QueuedMessage, error) {
	return e.db.FailedQueueFor(conversationID)
}

// backoffDelay returns the delay before attempt n+1 after n failed attempts:
// base, 2*base, 4*base, doubling each time.
func backoffDelay(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 16 {
		shift = 16
	}
	return base << shift
}
