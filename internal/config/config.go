package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Export  ExportConfig
	Feed    FeedConfig
	Stats   StatsConfig
	Seed    SeedConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	// BucketURL is where export artifacts are written. Empty means a file
	// bucket under DataDir.
	BucketURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type ExportConfig struct {
	TickInterval time.Duration
	Step         int
	Timeout      time.Duration
	HistoryLimit int
	Simulate     bool
	// FailureRate is the per-tick chance that a simulated export fails.
	FailureRate float64
}

type FeedConfig struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int
	HistoryCapacity   int
}

type StatsConfig struct {
	Interval time.Duration
}

type SeedConfig struct {
	DemoData bool
	// LiveUpdates keeps the demo fleet reporting new fixes while serving.
	LiveUpdates    bool
	UpdateInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Export: ExportConfig{
			TickInterval: 500 * time.Millisecond,
			Step:         10,
			Timeout:      10 * time.Minute,
			HistoryLimit: 100,
		},
		Feed: FeedConfig{
			URL:               "http://localhost:8000/api/events",
			ReconnectDelay:    5 * time.Second,
			MaxReconnectDelay: time.Minute,
			HistoryCapacity:   50,
		},
		Stats: StatsConfig{
			Interval: 10 * time.Second,
		},
		Seed: SeedConfig{
			DemoData:       true,
			LiveUpdates:    true,
			UpdateInterval: 30 * time.Second,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/floatchat/config.json, then applies FLOATCHAT_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ArtifactBucketURL returns the configured bucket URL, or a file bucket
// inside the data directory.
func (c Config) ArtifactBucketURL() string {
	if c.Storage.BucketURL != "" {
		return c.Storage.BucketURL
	}
	return "file://" + filepath.ToSlash(filepath.Join(c.Storage.DataDir, "artifacts"))
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Export.Step < 1 || c.Export.Step > 100 {
		errs = append(errs, fmt.Errorf("export.step %d must be between 1 and 100", c.Export.Step))
	}
	if c.Export.TickInterval <= 0 {
		errs = append(errs, errors.New("export.tick_interval must be positive"))
	}
	if c.Export.Timeout < 0 {
		errs = append(errs, errors.New("export.timeout must not be negative"))
	}
	if c.Export.HistoryLimit < 0 {
		errs = append(errs, errors.New("export.history_limit must not be negative"))
	}
	if c.Export.FailureRate < 0 || c.Export.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("export.failure_rate %v must be between 0 and 1", c.Export.FailureRate))
	}
	if c.Feed.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("feed.reconnect_delay must be positive"))
	}
	if c.Feed.MaxReconnectDelay < c.Feed.ReconnectDelay {
		errs = append(errs, errors.New("feed.max_reconnect_delay must not be less than feed.reconnect_delay"))
	}
	if c.Feed.MaxRetries < 0 {
		errs = append(errs, errors.New("feed.max_retries must not be negative"))
	}
	if c.Feed.HistoryCapacity < 1 {
		errs = append(errs, errors.New("feed.history_capacity must be at least 1"))
	}
	if c.Stats.Interval <= 0 {
		errs = append(errs, errors.New("stats.interval must be positive"))
	}
	if c.Seed.LiveUpdates && c.Seed.UpdateInterval <= 0 {
		errs = append(errs, errors.New("seed.update_interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
