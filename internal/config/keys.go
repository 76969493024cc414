package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
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
		key: "server.port", typ: kInt, env: "SEARCHD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "SEARCHD_JWT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "auth.token_ttl_hours", typ: kInt, env: "SEARCHD_AUTH_TOKEN_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Auth.TokenTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Auth.TokenTTLHours },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SEARCHD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "worker.count", typ: kInt, env: "SEARCHD_WORKER_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Worker.Count = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Count },
	},
	{
		key: "worker.poll_interval_ms", typ: kInt, env: "SEARCHD_WORKER_POLL_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollIntervalMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.PollIntervalMs },
	},
	{
		key: "breaker.failure_threshold", typ: kInt, env: "SEARCHD_BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureThreshold },
	},
	{
		key: "breaker.recovery_timeout_secs", typ: kInt, env: "SEARCHD_BREAKER_RECOVERY_TIMEOUT_SECS",
		apply:   func(cfg *Config, v any) { cfg.Breaker.RecoveryTimeoutSecs = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.RecoveryTimeoutSecs },
	},
	{
		key: "breaker.trial_limit", typ: kInt, env: "SEARCHD_BREAKER_TRIAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Breaker.TrialLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.TrialLimit },
	},
	{
		key: "notify.buffer", typ: kInt, env: "SEARCHD_NOTIFY_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Notify.Buffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.Buffer },
	},
	{
		key: "log.level", typ: kString, env: "SEARCHD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
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
		}
	}
}
