package telemetry

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/rund/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enabledConfig returns a minimal valid enabled config that tests mutate.
func enabledConfig() *Config {
	return &Config{
		Enabled:        true,
		Endpoint:       "localhost:4317",
		ServiceName:    "rund",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		Sampling:       SamplingConfig{Rate: 1.0},
		Metrics:        MetricsConfig{Enabled: false},
		Shutdown:       ShutdownConfig{Timeout: config.Duration(time.Second)},
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "rund", cfg.ServiceName)
	assert.Equal(t, "0.1.0", cfg.ServiceVersion)
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.Sampling.Rate)
	assert.True(t, cfg.Sampling.AlwaysOnErrors)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Metrics.ExportInterval.Duration())
	assert.Equal(t, 5*time.Second, cfg.Shutdown.Timeout.Duration())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "disabled skips validation",
			mutate: func(c *Config) { *c = Config{Enabled: false} },
		},
		{
			name:   "missing endpoint",
			mutate: func(c *Config) { c.Endpoint = "" },
			errMsg: "endpoint is required",
		},
		{
			name:   "missing service name",
			mutate: func(c *Config) { c.ServiceName = "" },
			errMsg: "service_name is required",
		},
		{
			name:   "missing service version",
			mutate: func(c *Config) { c.ServiceVersion = "" },
			errMsg: "service_version is required",
		},
		{
			name:   "unknown protocol",
			mutate: func(c *Config) { c.Protocol = "thrift" },
			errMsg: "protocol must be grpc or http/protobuf",
		},
		{
			name:   "http protocol accepted",
			mutate: func(c *Config) { c.Protocol = "http/protobuf" },
		},
		{
			name:   "sampling rate below range",
			mutate: func(c *Config) { c.Sampling.Rate = -0.1 },
			errMsg: "sampling.rate must be between 0 and 1",
		},
		{
			name:   "sampling rate above range",
			mutate: func(c *Config) { c.Sampling.Rate = 1.1 },
			errMsg: "sampling.rate must be between 0 and 1",
		},
		{
			name: "metrics enabled without export interval",
			mutate: func(c *Config) {
				c.Metrics = MetricsConfig{Enabled: true, ExportInterval: config.Duration(0)}
			},
			errMsg: "metrics.export_interval must be positive",
		},
		{
			name:   "zero shutdown timeout",
			mutate: func(c *Config) { c.Shutdown.Timeout = config.Duration(0) },
			errMsg: "shutdown.timeout must be positive",
		},
		{
			name: "remote endpoint with TLS",
			mutate: func(c *Config) {
				c.Endpoint = "collector.prod:4317"
				c.Insecure = false
			},
		},
		{
			name:   "insecure remote endpoint rejected",
			mutate: func(c *Config) { c.Endpoint = "collector.prod:4317" },
			errMsg: "insecure connections to remote endpoints are not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		isLocal  bool
	}{
		{"localhost:4317", true},
		{"localhost", true},
		{"127.0.0.1:4317", true},
		{"127.0.0.1", true},
		{"127.0.1.1:4317", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"collector.prod:4317", false},
		{"otel.example.com:4317", false},
		{"192.168.1.1:4317", false},
		{"10.0.0.1:4317", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg := &Config{Endpoint: tt.endpoint}
			assert.Equal(t, tt.isLocal, cfg.isLocalEndpoint())
		})
	}
}
