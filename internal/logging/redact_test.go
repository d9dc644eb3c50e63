package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/rund/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSecretFieldLogsLengthOnly(t *testing.T) {
	tl := NewTestLogger()

	tl.Info(context.Background(), "nats connect",
		Secret("nats_password", config.Secret("super-secret-value")))

	logs := tl.All()
	require.Len(t, logs, 1)

	var found bool
	for _, field := range logs[0].Context {
		if field.Key != "nats_password" {
			continue
		}
		marshaler, ok := field.Interface.(zapcore.ObjectMarshaler)
		require.True(t, ok)
		enc := zapcore.NewMapObjectEncoder()
		require.NoError(t, marshaler.MarshalLogObject(enc))
		assert.Equal(t, "[REDACTED:18]", enc.Fields["nats_password"])
		found = true
	}
	assert.True(t, found, "nats_password field missing")
}

func TestRedactedString(t *testing.T) {
	tl := NewTestLogger()

	tl.Info(context.Background(), "tool registered", RedactedString("api_key", "sk-1234567890abcdef"))

	tl.AssertField(t, "tool registered", "api_key", "[REDACTED:19]")
	tl.AssertNoSecrets(t)
}

func TestNewRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig()
	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg.Redaction)

	require.NoError(t, err)
	assert.Len(t, encoder.redactFields, len(cfg.Redaction.Fields))
	assert.Len(t, encoder.redactRegex, len(cfg.Redaction.Patterns))
}

func TestNewRedactingEncoderInvalidPattern(t *testing.T) {
	cfg := RedactionConfig{
		Enabled:  true,
		Patterns: []string{`(?i)bearer\s+\S+`, "[invalid("},
	}

	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.Error(t, err)
	assert.Nil(t, encoder)
	assert.Contains(t, err.Error(), "invalid redaction pattern")
	assert.Contains(t, err.Error(), "[invalid(")
}

func TestNewRedactingEncoderPatternTooLong(t *testing.T) {
	cfg := RedactionConfig{
		Enabled:  true,
		Patterns: []string{strings.Repeat("a", 201)},
	}

	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.Error(t, err)
	assert.Nil(t, encoder)
	assert.Contains(t, err.Error(), "pattern too long")
}

func TestNewRedactingEncoderDisabledPassThrough(t *testing.T) {
	// Rules are not compiled when redaction is off, so an invalid
	// pattern does not error.
	cfg := RedactionConfig{
		Enabled:  false,
		Patterns: []string{"[invalid("},
	}

	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	assert.NotNil(t, encoder)
}

func TestRedactingEncoderKeyMatch(t *testing.T) {
	cfg := RedactionConfig{
		Enabled: true,
		Fields:  []string{"password", "token"},
	}
	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)

	assert.True(t, encoder.shouldRedactKey("password"))
	assert.True(t, encoder.shouldRedactKey("PASSWORD"))
	assert.True(t, encoder.shouldRedactKey("Token"))
	assert.False(t, encoder.shouldRedactKey("run_id"))
}

func TestRedactingEncoderAllAddMethods(t *testing.T) {
	cfg := RedactionConfig{
		Enabled: true,
		Fields:  []string{"password", "token", "certificate", "credentials", "secret_list"},
	}
	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		encoder.AddString("password", "hunter2")
		encoder.AddByteString("token", []byte("tok-value"))
		encoder.AddBinary("certificate", []byte{0x00})
		_ = encoder.AddReflected("run_id", "run-1")
		_ = encoder.AddObject("credentials", zapcore.ObjectMarshalerFunc(func(zapcore.ObjectEncoder) error {
			return nil
		}))
		_ = encoder.AddArray("secret_list", zapcore.ArrayMarshalerFunc(func(zapcore.ArrayEncoder) error {
			return nil
		}))
	})
}

func TestRedactingEncoderClone(t *testing.T) {
	cfg := NewDefaultConfig()
	encoder, err := NewRedactingEncoder(newEncoder("json"), cfg.Redaction)
	require.NoError(t, err)

	clone, ok := encoder.Clone().(*RedactingEncoder)
	require.True(t, ok)
	assert.True(t, clone.shouldRedactKey("api_key"))
}
