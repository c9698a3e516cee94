package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RECOVERD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RECOVERD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.tx_timeout", typ: kDuration, env: "RECOVERD_STORAGE_TX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Storage.TxTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.TxTimeout },
	},
	{
		key: "matching.min_score", typ: kFloat, env: "RECOVERD_MATCHING_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Matching.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matching.MinScore },
	},
	{
		key: "matching.max_candidates_per_item", typ: kInt, env: "RECOVERD_MATCHING_MAX_CANDIDATES_PER_ITEM",
		apply:   func(cfg *Config, v any) { cfg.Matching.MaxCandidatesPerItem = v.(int) },
		extract: func(cfg Config) any { return cfg.Matching.MaxCandidatesPerItem },
	},
	{
		key: "notify.push_timeout", typ: kDuration, env: "RECOVERD_NOTIFY_PUSH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Notify.PushTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Notify.PushTimeout },
	},
	{
		key: "notify.inbox_on_push_failure", typ: kBool, env: "RECOVERD_NOTIFY_INBOX_ON_PUSH_FAILURE",
		apply:   func(cfg *Config, v any) { cfg.Notify.InboxOnPushFailure = v.(bool) },
		extract: func(cfg Config) any { return cfg.Notify.InboxOnPushFailure },
	},
	{
		key: "notify.notify_finder", typ: kBool, env: "RECOVERD_NOTIFY_NOTIFY_FINDER",
		apply:   func(cfg *Config, v any) { cfg.Notify.NotifyFinder = v.(bool) },
		extract: func(cfg Config) any { return cfg.Notify.NotifyFinder },
	},
	{
		key: "notify.broadcast_matches", typ: kBool, env: "RECOVERD_NOTIFY_BROADCAST_MATCHES",
		apply:   func(cfg *Config, v any) { cfg.Notify.BroadcastMatches = v.(bool) },
		extract: func(cfg Config) any { return cfg.Notify.BroadcastMatches },
	},
	{
		key: "notify.broadcast_concurrency", typ: kInt, env: "RECOVERD_NOTIFY_BROADCAST_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Notify.BroadcastConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.BroadcastConcurrency },
	},
	{
		key: "inbox.remote_url", typ: kString, env: "RECOVERD_INBOX_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inbox.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.RemoteURL },
	},
	{
		key: "inbox.remote_token", typ: kString, env: "RECOVERD_INBOX_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Inbox.RemoteToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.RemoteToken },
	},
	{
		key: "outbox.poll_interval", typ: kDuration, env: "RECOVERD_OUTBOX_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Outbox.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Outbox.PollInterval },
	},
	{
		key: "ratelimit.window", typ: kDuration, env: "RECOVERD_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "ratelimit.max", typ: kInt, env: "RECOVERD_RATELIMIT_MAX",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Max = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Max },
	},
	{
		key: "log.level", typ: kString, env: "RECOVERD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "mcp.enabled", typ: kBool, env: "RECOVERD_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MCP.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MCP.Enabled },
	},
}

// parseRaw converts a textual value into the Go type a key expects.
func parseRaw(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseRaw(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparsable config value, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseRaw(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparsable env var, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
