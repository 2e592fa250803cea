// Package presence implements heartbeat-based liveness. The local user
// publishes a heartbeat on a fixed interval; peers are judged live not by the
// raw status they last wrote but by how recently they wrote it, so a client
// that dies without signing off is shown offline once its record goes stale.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
	"github.com/brmartins/courier/internal/channel"
	"github.com/brmartins/courier/internal/netmon"
)

// Config is the heartbeat and staleness policy.
type Config struct {
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	ReevalInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 30 * time.Second
	}
	if c.ReevalInterval <= 0 {
		c.ReevalInterval = 5 * time.Second
	}
}

// Live derives effective liveness from a presence record. A user is live only
// when their last record says online AND it is fresh; a stale online record
// means the client stopped heartbeating and counts as offline. A record that
// says offline is offline regardless of age, covering clean sign-offs.
func Live(rec channel.PresenceRecord, now time.Time, threshold time.Duration) bool {
	if rec.Status != channel.PresenceOnline {
		return false
	}
	return now.Sub(rec.LastSeen) <= threshold
}

// Change is the payload for presence.changed events.
type Change struct {
	UserID string
	Online bool
}

// Engine publishes the local heartbeat and tracks peer liveness.
type Engine struct {
	selfID  string
	channel channel.PresenceChannel
	monitor *netmon.Monitor
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config
	cancel  context.CancelFunc

	mu      sync.Mutex
	tracked map[string]*trackedUser
}

type trackedUser struct {
	rec   channel.PresenceRecord
	seen  bool
	live  bool
	unsub func()
}

// NewEngine creates a presence engine for the local user. Zero config values
// fall back to defaults.
func NewEngine(selfID string, ch channel.PresenceChannel, monitor *netmon.Monitor, b *bus.Bus, logger *zap.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		selfID:  selfID,
		channel: ch,
		monitor: monitor,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		tracked: make(map[string]*trackedUser),
	}
}

// Start begins the heartbeat and re-evaluation loops. A beat fires
// immediately, on every heartbeat tick while online, and on every reconnect,
// so peers see us within one interval of coming back.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.heartbeatLoop(ctx)
	go e.reevalLoop(ctx)
}

// Stop halts the loops and writes a clean offline record so peers flip
// immediately instead of waiting out the staleness threshold.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	tracked := e.tracked
	e.tracked = make(map[string]*trackedUser)
	e.mu.Unlock()
	for _, t := range tracked {
		t.unsub()
	}

	if !e.monitor.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.channel.Publish(ctx, channel.PresenceRecord{
		UserID:   e.selfID,
		Status:   channel.PresenceOffline,
		LastSeen: time.Now(),
	})
	if err != nil {
		e.logger.Warn("offline sign-off failed", zap.Error(err))
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	online, unsub := e.bus.Subscribe("net.online", 8)
	defer unsub()

	e.beat(ctx)

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.beat(ctx)
		case <-online:
			e.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// beat publishes one heartbeat. Skipped while offline; the record would not
// reach the substrate anyway. A failed publish is logged and left to the
// next tick: the substrate can be down while the backend is reachable, so
// it is not a connectivity observation.
func (e *Engine) beat(ctx context.Context) {
	if !e.monitor.Online() {
		return
	}
	bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := e.channel.Publish(bctx, channel.PresenceRecord{
		UserID:   e.selfID,
		Status:   channel.PresenceOnline,
		LastSeen: time.Now(),
	})
	if err != nil {
		e.logger.Warn("heartbeat publish failed", zap.Error(err))
	}
}

// Track subscribes to a peer's presence and starts reporting its liveness
// transitions as presence.changed events. Idempotent per user.
func (e *Engine) Track(ctx context.Context, userID string) error {
	e.mu.Lock()
	if _, ok := e.tracked[userID]; ok {
		e.mu.Unlock()
		return nil
	}
	t := &trackedUser{}
	e.tracked[userID] = t
	e.mu.Unlock()

	unsub, err := e.channel.Subscribe(ctx, userID, func(rec channel.PresenceRecord) {
		e.observe(userID, rec)
	})
	if err != nil {
		e.mu.Lock()
		delete(e.tracked, userID)
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	t.unsub = unsub
	e.mu.Unlock()
	return nil
}

// Untrack releases a peer's presence subscription.
func (e *Engine) Untrack(userID string) {
	e.mu.Lock()
	t, ok := e.tracked[userID]
	delete(e.tracked, userID)
	e.mu.Unlock()
	if ok && t.unsub != nil {
		t.unsub()
	}
}

// IsLive reports the current effective liveness of a tracked peer. Untracked
// or never-seen peers report offline.
func (e *Engine) IsLive(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracked[userID]
	if !ok || !t.seen {
		return false
	}
	return Live(t.rec, time.Now(), e.cfg.StalenessThreshold)
}

func (e *Engine) observe(userID string, rec channel.PresenceRecord) {
	e.mu.Lock()
	t, ok := e.tracked[userID]
	if !ok {
		e.mu.Unlock()
		return
	}
	t.rec = rec
	wasSeen, wasLive := t.seen, t.live
	t.seen = true
	t.live = Live(rec, time.Now(), e.cfg.StalenessThreshold)
	nowLive := t.live
	e.mu.Unlock()

	if !wasSeen || wasLive != nowLive {
		e.publishChange(userID, nowLive)
	}
}

// reevalLoop re-derives liveness on an interval so a peer that silently
// stops heartbeating flips to offline without any new record arriving.
func (e *Engine) reevalLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReevalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.reeval()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) reeval() {
	now := time.Now()
	var changes []Change

	e.mu.Lock()
	for userID, t := range e.tracked {
		if !t.seen {
			continue
		}
		live := Live(t.rec, now, e.cfg.StalenessThreshold)
		if live != t.live {
			t.live = live
			changes = append(changes, Change{UserID: userID, Online: live})
		}
	}
	e.mu.Unlock()

	for _, c := range changes {
		e.publishChange(c.UserID, c.Online)
	}
}

func (e *Engine) publishChange(userID string, online bool) {
	e.bus.Publish(bus.Event{
		Kind:      "presence.changed",
		Timestamp: time.Now(),
		Payload:   Change{UserID: userID, Online: online},
	})
}
