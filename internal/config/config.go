// Package config provides configuration loading for diagnostd.
package config

import (
	"fmt"
	"time"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	NATS     NATSConfig     `koanf:"nats"`
	Events   EventsConfig   `koanf:"events"`
	Matching MatchingConfig `koanf:"matching"`
	Patterns PatternsConfig `koanf:"patterns"`
	Import   ImportConfig   `koanf:"import"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `koanf:"backend"`

	// Path is the SQLite database file; required for the sqlite backend.
	Path string `koanf:"path"`
}

// NATSConfig configures the optional event notifier.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// EventsConfig tunes the event pump.
type EventsConfig struct {
	PumpInterval time.Duration `koanf:"pump_interval"`
	BatchSize    int           `koanf:"batch_size"`
}

// MatchingConfig tunes the matching pipeline.
type MatchingConfig struct {
	DefaultLimit int `koanf:"default_limit"`
}

// PatternsConfig tunes scheduled pattern detection.
type PatternsConfig struct {
	Interval       time.Duration `koanf:"interval"`
	MinOccurrences int           `koanf:"min_occurrences"`
	LookbackDays   int           `koanf:"lookback_days"`
}

// ImportConfig tunes the bulk importer.
type ImportConfig struct {
	BatchSize int `koanf:"batch_size"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// applyDefaults fills in zero values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}

	if cfg.Events.PumpInterval == 0 {
		cfg.Events.PumpInterval = 2 * time.Second
	}
	if cfg.Events.BatchSize == 0 {
		cfg.Events.BatchSize = 100
	}

	if cfg.Matching.DefaultLimit == 0 {
		cfg.Matching.DefaultLimit = 5
	}

	if cfg.Patterns.Interval == 0 {
		cfg.Patterns.Interval = time.Hour
	}
	if cfg.Patterns.MinOccurrences == 0 {
		cfg.Patterns.MinOccurrences = 3
	}
	if cfg.Patterns.LookbackDays == 0 {
		cfg.Patterns.LookbackDays = 30
	}

	if cfg.Import.BatchSize == 0 {
		cfg.Import.BatchSize = 50
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", StorageMemory, StorageSQLite, c.Storage.Backend)
	}

	if c.Events.PumpInterval < 100*time.Millisecond {
		return fmt.Errorf("events.pump_interval must be at least 100ms, got %s", c.Events.PumpInterval)
	}
	if c.Events.BatchSize < 1 {
		return fmt.Errorf("events.batch_size must be positive, got %d", c.Events.BatchSize)
	}

	if c.Matching.DefaultLimit < 1 {
		return fmt.Errorf("matching.default_limit must be positive, got %d", c.Matching.DefaultLimit)
	}

	if c.Patterns.MinOccurrences < 1 {
		return fmt.Errorf("patterns.min_occurrences must be positive, got %d", c.Patterns.MinOccurrences)
	}
	if c.Patterns.LookbackDays < 1 {
		return fmt.Errorf("patterns.lookback_days must be positive, got %d", c.Patterns.LookbackDays)
	}

	if c.Import.BatchSize < 1 {
		return fmt.Errorf("import.batch_size must be positive, got %d", c.Import.BatchSize)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}
