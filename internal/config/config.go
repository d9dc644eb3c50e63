// Package config provides configuration loading for rund.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Every section maps onto the config of one subsystem; the
// command wiring translates sections into the subsystem types.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete rund configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	NATS          NATSConfig          `koanf:"nats"`
	Queue         QueueConfig         `koanf:"queue"`
	Engine        EngineConfig        `koanf:"engine"`
	Worker        WorkerConfig        `koanf:"worker"`
	Monitor       MonitorConfig       `koanf:"monitor"`
	Tools         ToolsConfig         `koanf:"tools"`
	Artifacts     ArtifactsConfig     `koanf:"artifacts"`
	Idempotency   IdempotencyConfig   `koanf:"idempotency"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NATSConfig holds the connection to the NATS backbone. With Embedded set
// the daemon runs an in-process server instead of dialing URL; the queue,
// ledger, artifact store, and audit trail all ride the same connection.
type NATSConfig struct {
	URL         string `koanf:"url"`
	Embedded    bool   `koanf:"embedded"`
	StoreDir    string `koanf:"store_dir"`
	Credentials Secret `koanf:"credentials"`
}

// QueueConfig holds work queue tunables.
type QueueConfig struct {
	MaxDepth   int           `koanf:"max_depth"`
	MaxLeases  int           `koanf:"max_leases"`
	Visibility time.Duration `koanf:"visibility"`
	MaxRetries int           `koanf:"max_retries"`

	RetryBaseDelay      time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay       time.Duration `koanf:"retry_max_delay"`
	RetryJitterFraction float64       `koanf:"retry_jitter_fraction"`
}

// EngineConfig holds coordinator tunables.
type EngineConfig struct {
	DefaultMaxAgents       int           `koanf:"default_max_agents"`
	DefaultMaxAttempts     int           `koanf:"default_max_attempts"`
	StepMaxAttempts        int           `koanf:"step_max_attempts"`
	DefaultWallClockBudget time.Duration `koanf:"default_wall_clock_budget"`
	CostPerStep            int64         `koanf:"cost_per_step"`
	OrgMaxConcurrentTasks  int           `koanf:"org_max_concurrent_tasks"`
}

// WorkerConfig holds worker pool tunables.
type WorkerConfig struct {
	InitialWorkers int           `koanf:"initial_workers"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	Heartbeat      time.Duration `koanf:"heartbeat"`
}

// MonitorConfig holds autoscaling monitor tunables.
type MonitorConfig struct {
	Interval      time.Duration `koanf:"interval"`
	HighWatermark int           `koanf:"high_watermark"`
	LowWatermark  int           `koanf:"low_watermark"`
	MinWorkers    int           `koanf:"min_workers"`
	MaxWorkers    int           `koanf:"max_workers"`
}

// ToolsConfig holds tool invocation tunables.
type ToolsConfig struct {
	InvokeTimeout time.Duration `koanf:"invoke_timeout"`
	CancelGrace   time.Duration `koanf:"cancel_grace"`
}

// ArtifactsConfig holds artifact retention configuration.
type ArtifactsConfig struct {
	// TTL bounds artifact retention. Zero disables expiry.
	TTL time.Duration `koanf:"ttl"`

	// SweepInterval is how often expired artifacts are reclaimed.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// IdempotencyConfig holds the request idempotency cache configuration.
type IdempotencyConfig struct {
	TTL        time.Duration `koanf:"ttl"`
	MaxEntries int           `koanf:"max_entries"`
}

// Validate checks the invariants the subsystem configs cannot check for
// themselves.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats url required unless embedded mode is enabled")
	}
	if c.Monitor.MaxWorkers > 0 && c.Monitor.MinWorkers > c.Monitor.MaxWorkers {
		return fmt.Errorf("monitor min_workers %d exceeds max_workers %d",
			c.Monitor.MinWorkers, c.Monitor.MaxWorkers)
	}
	if c.Monitor.LowWatermark > 0 && c.Monitor.HighWatermark > 0 &&
		c.Monitor.LowWatermark >= c.Monitor.HighWatermark {
		return fmt.Errorf("monitor low_watermark %d must be below high_watermark %d",
			c.Monitor.LowWatermark, c.Monitor.HighWatermark)
	}
	if c.Worker.Heartbeat > 0 && c.Queue.Visibility > 0 &&
		c.Worker.Heartbeat >= c.Queue.Visibility {
		return fmt.Errorf("worker heartbeat %s must be below queue visibility %s",
			c.Worker.Heartbeat, c.Queue.Visibility)
	}
	if c.Engine.CostPerStep < 0 {
		return errors.New("cost_per_step must be non-negative")
	}
	return nil
}

// applyDefaults sets defaults for missing values. Subsystem zero values
// that the subsystems default themselves stay zero here.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "rund"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.NATS.URL == "" && !cfg.NATS.Embedded {
		cfg.NATS.Embedded = true
	}
	if cfg.Artifacts.SweepInterval == 0 {
		cfg.Artifacts.SweepInterval = time.Hour
	}
}
