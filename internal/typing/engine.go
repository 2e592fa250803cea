// Package typing implements the transient typing indicator: publishes the
// local user's typing state on keystrokes with an idle auto-clear, and tracks
// which peers are typing per conversation.
package typing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
	"github.com/brmartins/courier/internal/channel"
)

// Config is the typing indicator policy.
type Config struct {
	IdleTimeout time.Duration
	MaxNames    int
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Second
	}
	if c.MaxNames <= 0 {
		c.MaxNames = 3
	}
}

// Change is the payload for typing.changed events. Users holds the ids of
// currently-typing peers, sorted, never including the local user.
type Change struct {
	ConversationID string
	Users          []string
}

// Engine publishes the local typing state and observes peers'.
type Engine struct {
	selfID  string
	channel channel.TypingChannel
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	mu       sync.Mutex
	typing   map[string]*time.Timer // conversations we are currently typing in
	seq      map[string]*sync.Mutex // orders transition publishes per conversation
	watchers map[string]*watcher
}

// watcher tracks the typing peers of one conversation. Each peer's flag
// carries its own expiry timer so a record the sender never cleared (abrupt
// app kill) fades out instead of sticking.
type watcher struct {
	users  map[string]*time.Timer
	unsub  func()
	closed bool
}

// NewEngine creates a typing engine for the local user. Zero config values
// fall back to defaults.
func NewEngine(selfID string, ch channel.TypingChannel, b *bus.Bus, logger *zap.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		selfID:   selfID,
		channel:  ch,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		typing:   make(map[string]*time.Timer),
		seq:      make(map[string]*sync.Mutex),
		watchers: make(map[string]*watcher),
	}
}

// Keystroke records local typing activity. The first keystroke publishes a
// typing flag; subsequent ones only re-arm the idle timer, so the substrate
// sees transitions rather than every key.
func (e *Engine) Keystroke(ctx context.Context, conversationID string) {
	seq := e.sequence(conversationID)
	seq.Lock()
	defer seq.Unlock()

	e.mu.Lock()
	if timer, ok := e.typing[conversationID]; ok {
		timer.Reset(e.cfg.IdleTimeout)
		e.mu.Unlock()
		return
	}
	e.typing[conversationID] = time.AfterFunc(e.cfg.IdleTimeout, func() {
		e.clear(conversationID)
	})
	e.mu.Unlock()

	e.publish(ctx, conversationID, true)
}

// sequence returns the lock that orders a conversation's transition
// publishes, so a clear can never reach the substrate before the typing flag
// it clears.
func (e *Engine) sequence(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.seq[conversationID]
	if !ok {
		m = &sync.Mutex{}
		e.seq[conversationID] = m
	}
	return m
}

// NotifySend force-clears the local typing flag, regardless of the idle
// timer. Called when a message is sent from the conversation.
func (e *Engine) NotifySend(conversationID string) {
	e.clear(conversationID)
}

// Stop clears every active local typing flag. Called on session teardown.
func (e *Engine) Stop() {
	e.mu.Lock()
	conversations := make([]string, 0, len(e.typing))
	for id := range e.typing {
		conversations = append(conversations, id)
	}
	watchers := e.watchers
	e.watchers = make(map[string]*watcher)
	e.mu.Unlock()

	for _, id := range conversations {
		e.clear(id)
	}
	for _, w := range watchers {
		releaseWatcher(w)
	}
}

func (e *Engine) clear(conversationID string) {
	seq := e.sequence(conversationID)
	seq.Lock()
	defer seq.Unlock()

	e.mu.Lock()
	timer, ok := e.typing[conversationID]
	delete(e.typing, conversationID)
	e.mu.Unlock()

	if !ok {
		return
	}
	timer.Stop()
	e.publish(context.Background(), conversationID, false)
}

func (e *Engine) publish(ctx context.Context, conversationID string, isTyping bool) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := e.channel.Publish(pctx, channel.TypingRecord{
		ConversationID: conversationID,
		UserID:         e.selfID,
		IsTyping:       isTyping,
		At:             time.Now(),
	})
	if err != nil {
		e.logger.Warn("typing publish failed", zap.Error(err), zap.String("conversation_id", conversationID))
	}
}

// Watch subscribes to a conversation's typing records and reports the set of
// currently-typing peers via typing.changed events. The local user's own
// records are filtered out. Returns a release function; idempotent per
// conversation.
func (e *Engine) Watch(ctx context.Context, conversationID string) (func(), error) {
	e.mu.Lock()
	if _, ok := e.watchers[conversationID]; ok {
		e.mu.Unlock()
		return func() { e.Unwatch(conversationID) }, nil
	}
	w := &watcher{users: make(map[string]*time.Timer)}
	e.watchers[conversationID] = w
	e.mu.Unlock()

	unsub, err := e.channel.Subscribe(ctx, conversationID, func(rec channel.TypingRecord) {
		e.observe(conversationID, rec)
	})
	if err != nil {
		e.mu.Lock()
		delete(e.watchers, conversationID)
		e.mu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	w.unsub = unsub
	e.mu.Unlock()
	return func() { e.Unwatch(conversationID) }, nil
}

// Unwatch releases a conversation's typing subscription.
func (e *Engine) Unwatch(conversationID string) {
	e.mu.Lock()
	w, ok := e.watchers[conversationID]
	delete(e.watchers, conversationID)
	e.mu.Unlock()
	if ok {
		releaseWatcher(w)
	}
}

func releaseWatcher(w *watcher) {
	w.closed = true
	for _, timer := range w.users {
		timer.Stop()
	}
	if w.unsub != nil {
		w.unsub()
	}
}

// TypingUsers returns the sorted ids of peers currently typing in a
// conversation.
func (e *Engine) TypingUsers(conversationID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watchers[conversationID]
	if !ok {
		return nil
	}
	return typingSet(w)
}

func (e *Engine) observe(conversationID string, rec channel.TypingRecord) {
	if rec.UserID == e.selfID {
		return
	}

	e.mu.Lock()
	w, ok := e.watchers[conversationID]
	if !ok || w.closed {
		e.mu.Unlock()
		return
	}

	changed := false
	if rec.IsTyping {
		if timer, active := w.users[rec.UserID]; active {
			timer.Reset(e.cfg.IdleTimeout)
		} else {
			// Expire the flag locally if the sender never clears it.
			userID := rec.UserID
			w.users[userID] = time.AfterFunc(e.cfg.IdleTimeout, func() {
				e.expire(conversationID, userID)
			})
			changed = true
		}
	} else {
		if timer, active := w.users[rec.UserID]; active {
			timer.Stop()
			delete(w.users, rec.UserID)
			changed = true
		}
	}
	var users []string
	if changed {
		users = typingSet(w)
	}
	e.mu.Unlock()

	if changed {
		e.publishChange(conversationID, users)
	}
}

func (e *Engine) expire(conversationID, userID string) {
	e.mu.Lock()
	w, ok := e.watchers[conversationID]
	if !ok || w.closed {
		e.mu.Unlock()
		return
	}
	if _, active := w.users[userID]; !active {
		e.mu.Unlock()
		return
	}
	delete(w.users, userID)
	users := typingSet(w)
	e.mu.Unlock()

	e.publishChange(conversationID, users)
}

func (e *Engine) publishChange(conversationID string, users []string) {
	e.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload:   Change{ConversationID: conversationID, Users: users},
	})
}

func typingSet(w *watcher) []string {
	users := make([]string, 0, len(w.users))
	for id := range w.users {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// FormatTyping renders a typing indicator line from display names, collapsing
// anything beyond maxNames into an "and N others" suffix. Returns "" for an
// empty set.
func FormatTyping(names []string, maxNames int) string {
	if maxNames <= 0 {
		maxNames = 3
	}
	switch {
	case len(names) == 0:
		return ""
	case len(names) == 1:
		return names[0] + " is typing..."
	case len(names) <= maxNames:
		head := strings.Join(names[:len(names)-1], ", ")
		return head + " and " + names[len(names)-1] + " are typing..."
	default:
		head := strings.Join(names[:maxNames], ", ")
		return fmt.Sprintf("%s and %d others are typing...", head, len(names)-maxNames)
	}
}
