package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	})
}

func TestInvokeRegisteredTool(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	r.Register("echo", echoHandler())

	out, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"q":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":"hi"}`, string(out))
}

func TestInvokeUnknownToolIsPermanent(t *testing.T) {
	r := NewRegistry(Config{}, nil)

	_, err := r.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Equal(t, orc.KindNonRetryableTool, orc.KindOf(err))
}

func TestInvokeClassifiesUntaggedErrorsRetryable(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	r.Register("flaky", HandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("connection reset by peer")
	}))

	_, err := r.Invoke(context.Background(), "flaky", nil)
	require.Error(t, err)
	assert.Equal(t, orc.KindRetryableTool, orc.KindOf(err))
}

func TestInvokePreservesHandlerTaxonomy(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	r.Register("strict", HandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, orc.Errorf(orc.KindNonRetryableTool, "schema mismatch")
	}))

	_, err := r.Invoke(context.Background(), "strict", nil)
	assert.Equal(t, orc.KindNonRetryableTool, orc.KindOf(err))
}

func TestInvokeCooperativeCancellation(t *testing.T) {
	r := NewRegistry(Config{CancelGrace: time.Second}, nil)
	r.Register("cooperative", HandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Invoke(ctx, "cooperative", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// Stopped promptly, well inside the grace window.
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvokeAbandonsStubbornTool(t *testing.T) {
	r := NewRegistry(Config{CancelGrace: 100 * time.Millisecond}, nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	r.Register("stubborn", HandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		// Ignores ctx entirely.
		<-release
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, "stubborn", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "abandoned")
}

func TestInvokeRateLimit(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	// 20/s with burst 1: the second call must wait ~50ms.
	r.Register("limited", echoHandler(), WithRateLimit(rate.Limit(20), 1))

	ctx := context.Background()
	start := time.Now()
	_, err := r.Invoke(ctx, "limited", nil)
	require.NoError(t, err)
	_, err = r.Invoke(ctx, "limited", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestNames(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	r.Register("a", echoHandler())
	r.Register("b", echoHandler())
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
