package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestTraceLevelValue(t *testing.T) {
	assert.Equal(t, zapcore.Level(-2), TraceLevel)
	assert.True(t, TraceLevel < zapcore.DebugLevel)
	// No zapcore.RegisterLevel call, so String renders the raw value.
	assert.Contains(t, TraceLevel.String(), "-2")
}

func TestTraceLevelEnabler(t *testing.T) {
	tests := []struct {
		name        string
		configLevel zapcore.Level
		logLevel    zapcore.Level
		logged      bool
	}{
		{"trace enables trace", TraceLevel, TraceLevel, true},
		{"trace enables debug", TraceLevel, zapcore.DebugLevel, true},
		{"debug suppresses trace", zapcore.DebugLevel, TraceLevel, false},
		{"debug enables debug", zapcore.DebugLevel, zapcore.DebugLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.logged, tt.configLevel.Enabled(tt.logLevel))
		})
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"trace", TraceLevel},
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"dpanic", zapcore.DPanicLevel},
		{"panic", zapcore.PanicLevel},
		{"fatal", zapcore.FatalLevel},
		{"INFO", zapcore.InfoLevel},
		{"TrAcE", TraceLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := LevelFromString(tt.input)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLevelFromStringEmpty(t *testing.T) {
	// zap treats empty as info without error.
	level, err := LevelFromString("")
	assert.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)
}

func TestLevelFromStringInvalid(t *testing.T) {
	for _, input := range []string{"verbose", "3", "info extra", "warn!"} {
		t.Run(input, func(t *testing.T) {
			level, err := LevelFromString(input)
			assert.Error(t, err)
			assert.Equal(t, zapcore.InfoLevel, level)
		})
	}
}
