package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FLOATCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FLOATCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.bucket_url", typ: kString, env: "FLOATCHAT_STORAGE_BUCKET_URL",
		apply:   func(cfg *Config, v any) { cfg.Storage.BucketURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.BucketURL },
	},
	{
		key: "log.level", typ: kString, env: "FLOATCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "FLOATCHAT_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "export.tick_interval", typ: kDuration, env: "FLOATCHAT_EXPORT_TICK_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Export.TickInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Export.TickInterval },
	},
	{
		key: "export.step", typ: kInt, env: "FLOATCHAT_EXPORT_STEP",
		apply:   func(cfg *Config, v any) { cfg.Export.Step = v.(int) },
		extract: func(cfg Config) any { return cfg.Export.Step },
	},
	{
		key: "export.timeout", typ: kDuration, env: "FLOATCHAT_EXPORT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Export.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Export.Timeout },
	},
	{
		key: "export.history_limit", typ: kInt, env: "FLOATCHAT_EXPORT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Export.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Export.HistoryLimit },
	},
	{
		key: "export.simulate", typ: kBool, env: "FLOATCHAT_EXPORT_SIMULATE",
		apply:   func(cfg *Config, v any) { cfg.Export.Simulate = v.(bool) },
		extract: func(cfg Config) any { return cfg.Export.Simulate },
	},
	{
		key: "export.failure_rate", typ: kFloat, env: "FLOATCHAT_EXPORT_FAILURE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Export.FailureRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Export.FailureRate },
	},
	{
		key: "feed.url", typ: kString, env: "FLOATCHAT_FEED_URL",
		apply:   func(cfg *Config, v any) { cfg.Feed.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Feed.URL },
	},
	{
		key: "feed.reconnect_delay", typ: kDuration, env: "FLOATCHAT_FEED_RECONNECT_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Feed.ReconnectDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Feed.ReconnectDelay },
	},
	{
		key: "feed.max_reconnect_delay", typ: kDuration, env: "FLOATCHAT_FEED_MAX_RECONNECT_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Feed.MaxReconnectDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Feed.MaxReconnectDelay },
	},
	{
		key: "feed.max_retries", typ: kInt, env: "FLOATCHAT_FEED_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Feed.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Feed.MaxRetries },
	},
	{
		key: "feed.history_capacity", typ: kInt, env: "FLOATCHAT_FEED_HISTORY_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Feed.HistoryCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Feed.HistoryCapacity },
	},
	{
		key: "stats.interval", typ: kDuration, env: "FLOATCHAT_STATS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Stats.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Stats.Interval },
	},
	{
		key: "seed.demo_data", typ: kBool, env: "FLOATCHAT_SEED_DEMO_DATA",
		apply:   func(cfg *Config, v any) { cfg.Seed.DemoData = v.(bool) },
		extract: func(cfg Config) any { return cfg.Seed.DemoData },
	},
	{
		key: "seed.live_updates", typ: kBool, env: "FLOATCHAT_SEED_LIVE_UPDATES",
		apply:   func(cfg *Config, v any) { cfg.Seed.LiveUpdates = v.(bool) },
		extract: func(cfg Config) any { return cfg.Seed.LiveUpdates },
	},
	{
		key: "seed.update_interval", typ: kDuration, env: "FLOATCHAT_SEED_UPDATE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Seed.UpdateInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Seed.UpdateInterval },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go type for s.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
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
		case kBool, kDuration, kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parseValue(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
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
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
