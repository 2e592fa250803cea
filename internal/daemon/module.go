// Package daemon composes the sync core into a running process: config,
// session lock, store, channels, and the three engines, wired through fx.
package daemon

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
	"github.com/brmartins/courier/internal/channel/backend"
	"github.com/brmartins/courier/internal/channel/redisch"
	"github.com/brmartins/courier/internal/config"
	"github.com/brmartins/courier/internal/logging"
	"github.com/brmartins/courier/internal/netmon"
	"github.com/brmartins/courier/internal/presence"
	"github.com/brmartins/courier/internal/queue"
	"github.com/brmartins/courier/internal/reconcile"
	"github.com/brmartins/courier/internal/session"
	"github.com/brmartins/courier/internal/store"
	"github.com/brmartins/courier/internal/typing"
)

const probeInterval = 10 * time.Second

// Params holds the resolved session settings passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override; empty = session default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMonitor,
			provideLock,
			provideStore,
			provideBackend,
			provideRedis,
			providePresenceChannel,
			provideTypingChannel,
			provideQueueEngine,
			provideViewManager,
			providePresenceEngine,
			provideTypingEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath(p.SessionName)
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMonitor(b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(b, logger)
}

func provideLock(p Params, logger *zap.Logger) (*session.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := session.AcquireLock(p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, _ *session.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.QueueDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.New(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		WSURL:   cfg.Backend.WSURL,
		Token:   cfg.Backend.Token,
	}, logger)
}

func provideRedis(cfg *config.Config) *redis.Client {
	return redisch.NewClient(redisch.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func providePresenceChannel(rdb *redis.Client, cfg *config.Config, logger *zap.Logger) *redisch.Presence {
	return redisch.NewPresence(rdb, logger, 2*cfg.Presence.StalenessThreshold.Duration)
}

func provideTypingChannel(rdb *redis.Client, logger *zap.Logger) *redisch.Typing {
	return redisch.NewTyping(rdb, logger)
}

func provideQueueEngine(db *store.DB, client *backend.Client, m *netmon.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *queue.Engine {
	return queue.NewEngine(db, client, m, b, logger, queue.Config{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BaseBackoff:     cfg.Queue.BaseBackoff.Duration,
		AttemptTimeout:  cfg.Queue.AttemptTimeout.Duration,
		PollInterval:    cfg.Queue.PollInterval.Duration,
		ExhaustedPolicy: cfg.Queue.ExhaustedPolicy,
	})
}

func provideViewManager(cfg *config.Config, client *backend.Client, engine *queue.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Manager {
	return reconcile.NewManager(cfg.User.ID, client, engine, db, b, logger,
		cfg.Sync.PageSize, cfg.Sync.DedupWindow.Duration)
}

func providePresenceEngine(cfg *config.Config, ch *redisch.Presence, m *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *presence.Engine {
	return presence.NewEngine(cfg.User.ID, ch, m, b, logger, presence.Config{
		HeartbeatInterval:  cfg.Presence.HeartbeatInterval.Duration,
		StalenessThreshold: cfg.Presence.StalenessThreshold.Duration,
		ReevalInterval:     cfg.Presence.ReevalInterval.Duration,
	})
}

func provideTypingEngine(cfg *config.Config, ch *redisch.Typing, b *bus.Bus, logger *zap.Logger) *typing.Engine {
	return typing.NewEngine(cfg.User.ID, ch, b, logger, typing.Config{
		IdleTimeout: cfg.Typing.IdleTimeout.Duration,
		MaxNames:    cfg.Typing.MaxNames,
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *session.Lock, client *backend.Client, monitor *netmon.Monitor, engine *queue.Engine, manager *reconcile.Manager, pres *presence.Engine, typ *typing.Engine, db *store.DB, rdb *redis.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			monitor.StartProbe(context.Background(), client.Probe, probeInterval)
			engine.Start(context.Background())
			pres.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			typ.Stop()
			pres.Stop()
			manager.CloseAll()
			engine.Stop()
			monitor.Stop()
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis client", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
