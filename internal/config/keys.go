package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	check   func(string) error
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RELIEF_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "RELIEF_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.token", typ: kString, env: "RELIEF_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RELIEF_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "RELIEF_LOG_LEVEL", check: checkLevel,
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ratelimit.window", typ: kDuration, env: "RELIEF_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "ratelimit.sweep_interval", typ: kDuration, env: "RELIEF_RATELIMIT_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.SweepInterval },
	},
	{
		key: "ratelimit.auth", typ: kInt, env: "RELIEF_RATELIMIT_AUTH",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Auth = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Auth },
	},
	{
		key: "ratelimit.reports", typ: kInt, env: "RELIEF_RATELIMIT_REPORTS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Reports = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Reports },
	},
	{
		key: "ratelimit.alerts", typ: kInt, env: "RELIEF_RATELIMIT_ALERTS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Alerts = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Alerts },
	},
	{
		key: "ratelimit.default", typ: kInt, env: "RELIEF_RATELIMIT_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Default = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Default },
	},
	{
		key: "ratelimit.redis_url", typ: kString, env: "RELIEF_RATELIMIT_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.RedisURL },
	},
	{
		key: "client.server_url", typ: kString, env: "RELIEF_CLIENT_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.ServerURL },
	},
	{
		key: "client.timeout", typ: kDuration, env: "RELIEF_CLIENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Client.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Client.Timeout },
	},
	{
		key: "client.token", typ: kString, env: "RELIEF_CLIENT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Client.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.Token },
	},
	{
		key: "sync.max_retries", typ: kInt, env: "RELIEF_SYNC_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxRetries },
	},
	{
		key: "sync.interval", typ: kDuration, env: "RELIEF_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.probe_interval", typ: kDuration, env: "RELIEF_SYNC_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.ProbeInterval },
	},
	{
		key: "sync.connectivity", typ: kString, env: "RELIEF_SYNC_CONNECTIVITY", check: checkConnectivity,
		apply:   func(cfg *Config, v any) { cfg.Sync.Connectivity = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Connectivity },
	},
	strategyKey(storage.Alerts),
	strategyKey(storage.Reports),
	strategyKey(storage.Resources),
}

func strategyKey(col storage.Collection) keySpec {
	return keySpec{
		key:     "sync.strategy." + string(col),
		typ:     kString,
		env:     "RELIEF_SYNC_STRATEGY_" + strings.ToUpper(string(col)),
		check:   checkStrategy,
		apply:   func(cfg *Config, v any) { cfg.Sync.Strategy[col] = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Strategy[col] },
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
