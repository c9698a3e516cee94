package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Matching  MatchingConfig
	Notify    NotifyConfig
	Inbox     InboxConfig
	Outbox    OutboxConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	MCP       MCPConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir   string
	TxTimeout time.Duration
}

type MatchingConfig struct {
	MinScore             float64
	MaxCandidatesPerItem int
}

type NotifyConfig struct {
	PushTimeout          time.Duration
	InboxOnPushFailure   bool
	NotifyFinder         bool
	BroadcastMatches     bool
	BroadcastConcurrency int
}

type InboxConfig struct {
	RemoteURL   string
	RemoteToken string
}

type OutboxConfig struct {
	PollInterval time.Duration
}

type RateLimitConfig struct {
	Window time.Duration
	Max    int
}

type LogConfig struct {
	Level string
}

type MCPConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			TxTimeout: 5 * time.Second,
		},
		Matching: MatchingConfig{
			MinScore:             15,
			MaxCandidatesPerItem: 3,
		},
		Notify: NotifyConfig{
			PushTimeout:          2 * time.Second,
			InboxOnPushFailure:   true,
			NotifyFinder:         true,
			BroadcastConcurrency: 16,
		},
		Outbox: OutboxConfig{
			PollInterval: 500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Max:    30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, then applies
// RECOVERD_* environment variables on top.
//
// The file lives at $XDG_CONFIG_HOME/recoverd/config.json. Secrets (the
// remote inbox token) come from the environment or the secrets file at
// $XDG_DATA_HOME/recoverd/secrets.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Inbox.RemoteToken == "" && cfg.Inbox.RemoteURL != "" {
		if tok, err := secrets.Get(secretService, "inbox_remote_token"); err == nil && tok != "" {
			cfg.Inbox.RemoteToken = tok
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	case c.Storage.DataDir == "":
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	case c.Storage.TxTimeout <= 0:
		return fmt.Errorf("invalid config: storage.tx_timeout must be positive")
	case c.Matching.MinScore < 0:
		return fmt.Errorf("invalid config: matching.min_score must not be negative")
	case c.Matching.MaxCandidatesPerItem <= 0:
		return fmt.Errorf("invalid config: matching.max_candidates_per_item must be positive")
	case c.Notify.PushTimeout <= 0:
		return fmt.Errorf("invalid config: notify.push_timeout must be positive")
	case c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0:
		return fmt.Errorf("invalid config: ratelimit.window and ratelimit.max must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid config: log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	return nil
}
