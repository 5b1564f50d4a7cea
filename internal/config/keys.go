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
	kFloat
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
		key: "server.port", typ: kInt, env: "LEADSCOUT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LEADSCOUT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "providers.apollo.base_url", typ: kString, env: "LEADSCOUT_APOLLO_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Apollo.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Apollo.BaseURL },
	},
	{
		key: "providers.apollo.api_key", typ: kString, env: "LEADSCOUT_APOLLO_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.Apollo.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Apollo.APIKey },
	},
	{
		key: "providers.apollo.rps", typ: kFloat, env: "LEADSCOUT_APOLLO_RPS",
		apply:   func(cfg *Config, v any) { cfg.Providers.Apollo.RPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Providers.Apollo.RPS },
	},
	{
		key: "providers.hunter.base_url", typ: kString, env: "LEADSCOUT_HUNTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Hunter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Hunter.BaseURL },
	},
	{
		key: "providers.hunter.api_key", typ: kString, env: "LEADSCOUT_HUNTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.Hunter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Hunter.APIKey },
	},
	{
		key: "providers.hunter.rps", typ: kFloat, env: "LEADSCOUT_HUNTER_RPS",
		apply:   func(cfg *Config, v any) { cfg.Providers.Hunter.RPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Providers.Hunter.RPS },
	},
	{
		key: "providers.perplexity.base_url", typ: kString, env: "LEADSCOUT_PERPLEXITY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Perplexity.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Perplexity.BaseURL },
	},
	{
		key: "providers.perplexity.api_key", typ: kString, env: "LEADSCOUT_PERPLEXITY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.Perplexity.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Perplexity.APIKey },
	},
	{
		key: "providers.perplexity.model", typ: kString, env: "LEADSCOUT_PERPLEXITY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Perplexity.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Perplexity.Model },
	},
	{
		key: "providers.perplexity.rps", typ: kFloat, env: "LEADSCOUT_PERPLEXITY_RPS",
		apply:   func(cfg *Config, v any) { cfg.Providers.Perplexity.RPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Providers.Perplexity.RPS },
	},
	{
		key: "jobs.poll_interval", typ: kString, env: "LEADSCOUT_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
	{
		key: "jobs.stuck_after", typ: kString, env: "LEADSCOUT_JOBS_STUCK_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Jobs.StuckAfter = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.StuckAfter },
	},
	{
		key: "jobs.retention_days", typ: kInt, env: "LEADSCOUT_JOBS_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.RetentionDays },
	},
	{
		key: "jobs.workers", typ: kInt, env: "LEADSCOUT_JOBS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Workers },
	},
	{
		key: "log.level", typ: kString, env: "LEADSCOUT_LOG_LEVEL",
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
