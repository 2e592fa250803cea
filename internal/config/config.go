package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from a TOML string like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents a session's config.toml.
type Config struct {
	User     User     `toml:"user"`
	Backend  Backend  `toml:"backend"`
	Redis    Redis    `toml:"redis"`
	Queue    Queue    `toml:"queue"`
	Presence Presence `toml:"presence"`
	Typing   Typing   `toml:"typing"`
	Sync     Sync     `toml:"sync"`
}

// User identifies the local user on the backend.
type User struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// Backend holds the managed backend endpoints and credentials.
type Backend struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	Token   string `toml:"token"`
}

// Redis holds the presence/typing substrate connection settings.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Queue holds the offline send queue retry policy.
type Queue struct {
	MaxAttempts     int      `toml:"max_attempts"`
	BaseBackoff     Duration `toml:"base_backoff"`
	AttemptTimeout  Duration `toml:"attempt_timeout"`
	PollInterval    Duration `toml:"poll_interval"`
	ExhaustedPolicy string   `toml:"exhausted_policy"` // "keep" or "fail"
}

// Presence holds the heartbeat and staleness intervals.
type Presence struct {
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	StalenessThreshold Duration `toml:"staleness_threshold"`
	ReevalInterval     Duration `toml:"reeval_interval"`
}

// Typing holds the typing indicator settings.
type Typing struct {
	IdleTimeout Duration `toml:"idle_timeout"`
	MaxNames    int      `toml:"max_names"`
}

// Sync holds the conversation sync settings.
type Sync struct {
	PageSize    int      `toml:"page_size"`
	DedupWindow Duration `toml:"dedup_window"`
}

// Default returns a config with all policy values at their defaults.
func Default() *Config {
	return &Config{
		Redis: Redis{Addr: "localhost:6379"},
		Queue: Queue{
			MaxAttempts:     5,
			BaseBackoff:     Duration{time.Second},
			AttemptTimeout:  Duration{15 * time.Second},
			PollInterval:    Duration{500 * time.Millisecond},
			ExhaustedPolicy: "keep",
		},
		Presence: Presence{
			HeartbeatInterval:  Duration{30 * time.Second},
			StalenessThreshold: Duration{30 * time.Second},
			ReevalInterval:     Duration{5 * time.Second},
		},
		Typing: Typing{
			IdleTimeout: Duration{5 * time.Second},
			MaxNames:    3,
		},
		Sync: Sync{
			PageSize:    50,
			DedupWindow: Duration{5 * time.Second},
		},
	}
}

// Load reads config from the given path, filling unset values with defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// applyDefaults restores defaults for values the file set to zero.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = def.Queue.MaxAttempts
	}
	if c.Queue.BaseBackoff.Duration <= 0 {
		c.Queue.BaseBackoff = def.Queue.BaseBackoff
	}
	if c.Queue.AttemptTimeout.Duration <= 0 {
		c.Queue.AttemptTimeout = def.Queue.AttemptTimeout
	}
	if c.Queue.PollInterval.Duration <= 0 {
		c.Queue.PollInterval = def.Queue.PollInterval
	}
	if c.Queue.ExhaustedPolicy != "keep" && c.Queue.ExhaustedPolicy != "fail" {
		c.Queue.ExhaustedPolicy = def.Queue.ExhaustedPolicy
	}
	if c.Presence.HeartbeatInterval.Duration <= 0 {
		c.Presence.HeartbeatInterval = def.Presence.HeartbeatInterval
	}
	if c.Presence.StalenessThreshold.Duration <= 0 {
		c.Presence.StalenessThreshold = def.Presence.StalenessThreshold
	}
	if c.Presence.ReevalInterval.Duration <= 0 {
		c.Presence.ReevalInterval = def.Presence.ReevalInterval
	}
	if c.Typing.IdleTimeout.Duration <= 0 {
		c.Typing.IdleTimeout = def.Typing.IdleTimeout
	}
	if c.Typing.MaxNames <= 0 {
		c.Typing.MaxNames = def.Typing.MaxNames
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = def.Sync.PageSize
	}
	if c.Sync.DedupWindow.Duration <= 0 {
		c.Sync.DedupWindow = def.Sync.DedupWindow
	}
}
