// Package config loads runtime settings from CHRONICLE_* environment variables, optionally
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-estoria/chronicle"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every variable name.
const Prefix = "CHRONICLE_"

// Config holds every runtime setting.
type Config struct {
	Partition  string           `env:"PARTITION"`
	Log        LogConfig        `envPrefix:"LOG_"`
	Executor   ExecutorConfig   `envPrefix:"EXECUTOR_"`
	EventStore EventStoreConfig `envPrefix:"EVENT_STORE_"`
	StateStore StateStoreConfig `envPrefix:"STATE_STORE_"`
	Bus        BusConfig        `envPrefix:"BUS_"`
	Telemetry  TelemetryConfig  `envPrefix:"OTEL_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

type ExecutorConfig struct {
	Workers            int           `env:"WORKERS"              envDefault:"8"`
	MaxConflictRetries int           `env:"MAX_CONFLICT_RETRIES" envDefault:"3"`
	RetryDelay         time.Duration `env:"RETRY_DELAY"          envDefault:"10ms"`
	SnapshotInterval   int64         `env:"SNAPSHOT_INTERVAL"    envDefault:"50"`
	UnitIdleTimeout    time.Duration `env:"UNIT_IDLE_TIMEOUT"    envDefault:"1m"`
}

type EventStoreConfig struct {
	Kind        string `env:"KIND"         envDefault:"memory"`
	SQLitePath  string `env:"SQLITE_PATH"  envDefault:"chronicle.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
}

type StateStoreConfig struct {
	Kind      string `env:"KIND"       envDefault:"memory"`
	BboltPath string `env:"BBOLT_PATH" envDefault:"chronicle-state.db"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
}

type BusConfig struct {
	Kind         string   `env:"KIND"          envDefault:"gochannel"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroup   string   `env:"KAFKA_GROUP"   envDefault:"chronicle"`
	RedisAddr    string   `env:"REDIS_ADDR"    envDefault:"localhost:6379"`
}

type TelemetryConfig struct {
	Endpoint    string `env:"ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"chronicle"`
}

// Supported backend kinds.
var (
	EventStoreKinds = []string{"memory", "sqlite", "postgres"}
	StateStoreKinds = []string{"memory", "bbolt", "redis"}
	BusKinds        = []string{"gochannel", "kafka", "redis"}
)

// Load reads the given .env files, skipping missing ones, then parses the environment.
// Variables already set in the environment take precedence over .env values.
func Load(dotenvFiles ...string) (*Config, error) {
	for _, path := range dotenvFiles {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks kinds and bounds.
func (c *Config) Validate() error {
	var errs []error

	check := func(key, value string, known []string) {
		if !slices.Contains(known, value) {
			errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + key, Known: known, Err: fmt.Errorf("unsupported value %q", value)})
		}
	}

	check("EVENT_STORE_KIND", c.EventStore.Kind, EventStoreKinds)
	check("STATE_STORE_KIND", c.StateStore.Kind, StateStoreKinds)
	check("BUS_KIND", c.Bus.Kind, BusKinds)

	if c.EventStore.Kind == "postgres" && c.EventStore.PostgresDSN == "" {
		errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + "EVENT_STORE_POSTGRES_DSN", Err: errors.New("required for the postgres event store")})
	}

	if c.Bus.Kind == "kafka" && len(c.Bus.KafkaBrokers) == 0 {
		errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + "BUS_KAFKA_BROKERS", Err: errors.New("required for the kafka bus")})
	}

	if c.Executor.Workers < 1 {
		errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + "EXECUTOR_WORKERS", Err: errors.New("must be positive")})
	}

	if c.Executor.MaxConflictRetries < 0 {
		errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + "EXECUTOR_MAX_CONFLICT_RETRIES", Err: errors.New("cannot be negative")})
	}

	if c.Executor.RetryDelay <= 0 {
		errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + "EXECUTOR_RETRY_DELAY", Err: errors.New("must be positive")})
	}

	if c.Executor.UnitIdleTimeout <= 0 {
		errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + "EXECUTOR_UNIT_IDLE_TIMEOUT", Err: errors.New("must be positive")})
	}

	// 0 disables snapshots
	if c.Executor.SnapshotInterval < 0 {
		errs = append(errs, chronicle.ConfigurationError{Component: "config", Key: Prefix + "EXECUTOR_SNAPSHOT_INTERVAL", Err: errors.New("cannot be negative")})
	}

	return errors.Join(errs...)
}
