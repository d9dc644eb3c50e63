package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "port zero",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "port above range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "non-positive shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: true,
		},
		{
			name: "telemetry without service name",
			mutate: func(c *Config) {
				c.Observability.EnableTelemetry = true
				c.Observability.ServiceName = ""
			},
			wantErr: true,
		},
		{
			name: "external nats without url",
			mutate: func(c *Config) {
				c.NATS.Embedded = false
				c.NATS.URL = ""
			},
			wantErr: true,
		},
		{
			name: "monitor floor above ceiling",
			mutate: func(c *Config) {
				c.Monitor.MinWorkers = 10
				c.Monitor.MaxWorkers = 2
			},
			wantErr: true,
		},
		{
			name: "watermarks inverted",
			mutate: func(c *Config) {
				c.Monitor.LowWatermark = 50
				c.Monitor.HighWatermark = 10
			},
			wantErr: true,
		},
		{
			name: "heartbeat at or above visibility",
			mutate: func(c *Config) {
				c.Worker.Heartbeat = 30 * time.Second
				c.Queue.Visibility = 30 * time.Second
			},
			wantErr: true,
		},
		{
			name: "heartbeat below visibility passes",
			mutate: func(c *Config) {
				c.Worker.Heartbeat = 10 * time.Second
				c.Queue.Visibility = 30 * time.Second
			},
		},
		{
			name:    "negative cost per step",
			mutate:  func(c *Config) { c.Engine.CostPerStep = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if !cfg.NATS.Embedded {
		t.Error("NATS.Embedded should default to true without a url")
	}

	// A configured url keeps embedded off.
	cfg = &Config{NATS: NATSConfig{URL: "nats://broker:4222"}}
	applyDefaults(cfg)
	if cfg.NATS.Embedded {
		t.Error("NATS.Embedded should stay false when a url is set")
	}
}

func TestDurationTextRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration = %s, want 90s", d.Duration())
	}

	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	if string(text) != "1m30s" {
		t.Errorf("MarshalText = %q, want 1m30s", text)
	}

	if err := d.UnmarshalText([]byte("-5s")); err == nil {
		t.Error("expected error for negative duration")
	}
}
