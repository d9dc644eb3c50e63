package logging

import (
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/rund/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultLoggingConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Output.Stdout)
	assert.False(t, cfg.Output.OTEL)
	assert.True(t, cfg.Sampling.Enabled)
	assert.Equal(t, time.Second, cfg.Sampling.Tick.Duration())
	assert.True(t, cfg.Caller.Enabled)
	assert.Equal(t, 1, cfg.Caller.Skip)
	assert.Equal(t, zapcore.ErrorLevel, cfg.Stacktrace.Level)
	assert.Equal(t, "rund", cfg.Fields["service"])
	assert.True(t, cfg.Redaction.Enabled)
	assert.Contains(t, cfg.Redaction.Fields, "api_key")
}

func TestLoggingConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default config valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown format",
			mutate:  func(c *Config) { c.Format = "xml" },
			wantErr: "format must be 'json' or 'console'",
		},
		{
			name:    "all outputs off",
			mutate:  func(c *Config) { c.Output = OutputConfig{} },
			wantErr: "at least one output must be enabled",
		},
		{
			name: "zero sampling tick",
			mutate: func(c *Config) {
				c.Sampling.Tick = config.Duration(0)
			},
			wantErr: "sampling tick must be > 0",
		},
		{
			name:    "negative caller skip",
			mutate:  func(c *Config) { c.Caller.Skip = -1 },
			wantErr: "caller skip must be >= 0",
		},
		{
			name: "negative caller skip allowed when caller off",
			mutate: func(c *Config) {
				c.Caller.Enabled = false
				c.Caller.Skip = -1
			},
		},
		{
			name: "malformed redaction pattern",
			mutate: func(c *Config) {
				c.Redaction.Patterns = []string{"[invalid("}
			},
			wantErr: "invalid redaction pattern",
		},
		{
			name: "malformed pattern ignored when redaction off",
			mutate: func(c *Config) {
				c.Redaction.Enabled = false
				c.Redaction.Patterns = []string{"[invalid("}
			},
		},
		{
			name: "oversized redaction pattern",
			mutate: func(c *Config) {
				c.Redaction.Patterns = []string{strings.Repeat("a", 1001)}
			},
			wantErr: "pattern too long",
		},
		{
			name: "empty field key",
			mutate: func(c *Config) {
				c.Fields = map[string]string{"": "value"}
			},
			wantErr: "field key cannot be empty",
		},
		{
			name: "empty field value",
			mutate: func(c *Config) {
				c.Fields = map[string]string{"cluster": ""}
			},
			wantErr: "empty value",
		},
		{
			name:   "nil fields valid",
			mutate: func(c *Config) { c.Fields = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDefaultLevelSampling(t *testing.T) {
	defaults := DefaultLevelSamplingConfig()

	assert.Equal(t, LevelSamplingConfig{Initial: 1, Thereafter: 0}, defaults[TraceLevel])
	assert.Equal(t, LevelSamplingConfig{Initial: 10, Thereafter: 0}, defaults[zapcore.DebugLevel])
	assert.Equal(t, LevelSamplingConfig{Initial: 100, Thereafter: 10}, defaults[zapcore.InfoLevel])
	assert.Equal(t, LevelSamplingConfig{Initial: 100, Thereafter: 100}, defaults[zapcore.WarnLevel])

	// Error and above never sample.
	_, exists := defaults[zapcore.ErrorLevel]
	assert.False(t, exists)
}
