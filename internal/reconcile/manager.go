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

// Manager owns one reconciliation view per open conversation and guarantees
// every live subscription is released on conversation switch and on session
// teardown.
type Manager struct {
	selfID   string
	channel  channel.MessageChannel
	pending  PendingSource
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int
	window   time.Duration

	mu    sync.Mutex
	views map[string]*View
}

// NewManager creates a view manager for the local user.
func NewManager(selfID string, ch channel.MessageChannel, pending PendingSource, db *store.DB, b *bus.Bus, logger *zap.Logger, pageSize int, window time.Duration) *Manager {
	return &Manager{
		selfID:   selfID,
		channel:  ch,
		pending:  pending,
		db:       db,
		bus:      b,
		logger:   logger,
		pageSize: pageSize,
		window:   window,
		views:    make(map[string]*View),
	}
}

// OpenView returns the view for a conversation, creating and subscribing it
// on first use.
func (m *Manager) OpenView(ctx context.Context, conversationID string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.views[conversationID]; ok {
		return v, nil
	}

	v := newView(conversationID, m.selfID, m.channel, m.pending, m.db, m.bus, m.logger, m.pageSize, m.window)
	if err := v.open(ctx); err != nil {
		return nil, err
	}
	m.views[conversationID] = v
	m.logger.Info("conversation view opened", zap.String("conversation_id", conversationID))
	return v, nil
}

// CloseView releases one conversation's view.
func (m *Manager) CloseView(conversationID string) {
	m.mu.Lock()
	v, ok := m.views[conversationID]
	delete(m.views, conversationID)
	m.mu.Unlock()

	if ok {
		v.Close()
	}
}

// CloseAll releases every open view. Called on session teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	views := m.views
	m.views = make(map[string]*View)
	m.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}
