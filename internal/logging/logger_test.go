package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerStdoutOnly(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.OTEL = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.zap)
	assert.Equal(t, cfg, logger.config)
}

func TestLoggerLevelMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tests := []struct {
		name  string
		log   func(msg string)
		level zapcore.Level
	}{
		{"trace", func(m string) { tl.Trace(ctx, m, zap.String("worker", "w1")) }, TraceLevel},
		{"debug", func(m string) { tl.Debug(ctx, m, zap.String("worker", "w1")) }, zapcore.DebugLevel},
		{"info", func(m string) { tl.Info(ctx, m, zap.String("worker", "w1")) }, zapcore.InfoLevel},
		{"warn", func(m string) { tl.Warn(ctx, m, zap.String("worker", "w1")) }, zapcore.WarnLevel},
		{"error", func(m string) { tl.Error(ctx, m, zap.String("worker", "w1")) }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.log(tt.name + " fired")

			logs := tl.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			assert.Equal(t, tt.name+" fired", logs[0].Message)
			require.Len(t, logs[0].Context, 1)
			assert.Equal(t, "worker", logs[0].Context[0].Key)
		})
	}
}

func TestLoggerWith(t *testing.T) {
	tl := NewTestLogger()

	child := tl.With(zap.String("queue", "standard"))
	child.Info(context.Background(), "claimed work item")

	tl.AssertField(t, "claimed work item", "queue", "standard")
}

func TestLoggerNamed(t *testing.T) {
	tl := NewTestLogger()

	tl.Named("engine").Info(context.Background(), "run started")

	logs := tl.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "engine", logs[0].LoggerName)
}

func TestLoggerEnabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	assert.False(t, logger.Enabled(TraceLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Enabled(zapcore.ErrorLevel))
}

func TestLoggerInjectsScopeFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithScope(context.Background(), &Scope{OrgID: "acme", RunID: "run-123"})
	ctx = WithRequestID(ctx, "req_123")

	tl.Info(ctx, "run submitted", zap.Int("tasks", 3))

	logs := tl.All()
	require.Len(t, logs, 1)
	assertFieldExists(t, logs[0].Context, "org.id", "acme")
	assertFieldExists(t, logs[0].Context, "run.id", "run-123")
}
