// Package netmon tracks backend reachability and fans out transitions on the
// event bus. The real-time substrate cannot tell us when we lose
// connectivity, so the monitor is fed either by a probe loop or by transport
// errors reported through SetOnline.
package netmon

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
)

// State represents a connectivity state.
type State string

const (
	Starting State = "STARTING"
	Online   State = "ONLINE"
	Offline  State = "OFFLINE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting: {Online, Offline},
	Online:   {Offline},
	Offline:  {Online},
}

// StateChange is the payload for net.online / net.offline events.
type StateChange struct {
	From State
	To   State
}

// Monitor tracks the connectivity state and notifies subscribers of changes.
type Monitor struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// New creates a monitor starting in the Starting state.
func New(b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		current: Starting,
		bus:     b,
		logger:  logger,
	}
}

// Current returns the current state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the backend is currently reachable.
func (m *Monitor) Online() bool {
	return m.Current() == Online
}

// SetOnline records a connectivity observation. Repeated observations of the
// same state are no-ops; transitions publish net.online / net.offline.
func (m *Monitor) SetOnline(online bool) {
	to := Offline
	if online {
		to = Online
	}
	if err := m.transition(to); err != nil && m.logger != nil {
		m.logger.Warn("connectivity transition rejected", zap.Error(err))
	}
}

func (m *Monitor) transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	kind := "net.offline"
	if to == Online {
		kind = "net.online"
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to},
		})
	}
	return nil
}

// StartProbe runs probe on the given interval, feeding the result into
// SetOnline. The first probe fires immediately so the daemon does not sit in
// Starting for a full interval.
func (m *Monitor) StartProbe(ctx context.Context, probe func(context.Context) bool, interval time.Duration) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		m.SetOnline(probe(ctx))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SetOnline(probe(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}
