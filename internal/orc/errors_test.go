package orc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindOf(t *testing.T) {
	err := Errorf(KindInsufficientCredits, "need %d credits", 50)
	assert.Equal(t, KindInsufficientCredits, KindOf(err))

	wrapped := fmt.Errorf("start run: %w", err)
	assert.Equal(t, KindInsufficientCredits, KindOf(wrapped))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Errorf(KindRetryableTool, "rate limited")))
	assert.False(t, IsRetryable(Errorf(KindNonRetryableTool, "permission denied")))
	assert.False(t, IsRetryable(Errorf(KindValidation, "empty spec")))
	assert.False(t, IsRetryable(Errorf(KindBackpressure, "queue saturated")))
	assert.False(t, IsRetryable(errors.New("untagged")))
}

func TestWrapErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := WrapError(KindRetryableTool, "invoke search", inner)

	require.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "retryable_tool")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestInfoFromError(t *testing.T) {
	assert.Nil(t, InfoFromError(nil))

	info := InfoFromError(Errorf(KindNonRetryableTool, "bad payload"))
	require.NotNil(t, info)
	assert.Equal(t, KindNonRetryableTool, info.Kind)

	plain := InfoFromError(errors.New("boom"))
	require.NotNil(t, plain)
	assert.Equal(t, Kind(""), plain.Kind)
	assert.Equal(t, "boom", plain.Message)
}

func TestOutcomeFromError(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFromError(nil).Kind)
	assert.Equal(t, OutcomeRetryable, OutcomeFromError(Errorf(KindRetryableTool, "timeout")).Kind)
	assert.Equal(t, OutcomeTerminal, OutcomeFromError(Errorf(KindNonRetryableTool, "denied")).Kind)
	assert.Equal(t, OutcomeTerminal, OutcomeFromError(errors.New("untagged")).Kind)
}
