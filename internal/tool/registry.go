// Package tool dispatches step execution to tool collaborators.
//
// Tools are opaque, possibly slow, possibly flaky functions. The registry
// maps a tool identifier to a typed handler; new tools are added by
// registering implementations, never by branching on names inside the
// engine. Each tool can carry its own rate limit, and every invocation is
// cancellable: a tool that ignores cancellation past the grace period is
// abandoned and its step force-released.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

const instrumentationName = "github.com/fyrsmithlabs/rund/internal/tool"

// ErrUnknownTool is returned when no handler is registered for a name.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool invocation. Implementations classify their own
// failures with the orchestration taxonomy; an untagged error is treated
// as transient and retried.
type Handler interface {
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// Config configures invocation behavior.
type Config struct {
	// InvokeTimeout bounds a single tool call. Default: 5m.
	InvokeTimeout time.Duration

	// CancelGrace is how long a cancelled tool gets to stop cooperatively
	// before the invocation is abandoned. Default: 10s.
	CancelGrace time.Duration
}

// DefaultConfig returns sensible invocation defaults.
func DefaultConfig() Config {
	return Config{
		InvokeTimeout: 5 * time.Minute,
		CancelGrace:   10 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = defaults.InvokeTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = defaults.CancelGrace
	}
}

type registration struct {
	handler Handler
	limiter *rate.Limiter
}

// Registry maps tool names to handlers.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	tools map[string]*registration

	tracer      trace.Tracer
	meter       metric.Meter
	invokeCount metric.Int64Counter
	invokeDur   metric.Float64Histogram
}

// RegisterOption customizes a registration.
type RegisterOption func(*registration)

// WithRateLimit throttles the tool to r invocations per second with the
// given burst.
func WithRateLimit(r rate.Limit, burst int) RegisterOption {
	return func(reg *registration) {
		reg.limiter = rate.NewLimiter(r, burst)
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		tools:  make(map[string]*registration),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r
}

func (r *Registry) initMetrics() {
	var err error

	r.invokeCount, err = r.meter.Int64Counter(
		"rund.tool.invocations_total",
		metric.WithDescription("Total tool invocations labeled by tool and result"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		r.logger.Warn("failed to create invocation counter", zap.Error(err))
	}

	r.invokeDur, err = r.meter.Float64Histogram(
		"rund.tool.invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds, labeled by tool"),
		metric.WithUnit("s"),
	)
	if err != nil {
		r.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

// Register adds a handler under name, replacing any previous registration.
func (r *Registry) Register(name string, h Handler, opts ...RegisterOption) {
	reg := &registration{handler: h}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = reg
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Invoke runs the named tool. An unknown name is a permanent failure. A
// cancelled context asks the tool to stop; if it has not returned within
// the grace period the invocation is abandoned and reported as cancelled.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "tool.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("tool", name))

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		err := orc.WrapError(orc.KindNonRetryableTool, fmt.Sprintf("tool %q", name), ErrUnknownTool)
		span.RecordError(err)
		return nil, err
	}

	if reg.limiter != nil {
		if err := reg.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", name, err)
		}
	}

	start := time.Now()
	output, err := r.invokeWithGrace(ctx, name, reg.handler, input)
	r.invokeDur.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("tool", name)))

	result := "success"
	if err != nil {
		result = string(orc.KindOf(err))
		if result == "" {
			result = "error"
		}
		span.RecordError(err)
	}
	r.invokeCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("result", result),
	))

	return output, err
}

type invokeResult struct {
	output json.RawMessage
	err    error
}

func (r *Registry) invokeWithGrace(ctx context.Context, name string, h Handler, input json.RawMessage) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.InvokeTimeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		output, err := h.Invoke(callCtx, input)
		done <- invokeResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, r.classify(name, res.err)
	case <-ctx.Done():
	}

	// The caller cancelled. Give the tool the grace period to stop
	// cooperatively, then abandon it.
	select {
	case res := <-done:
		if res.err == nil {
			// Completed during the grace window; the result still counts.
			return res.output, nil
		}
		return nil, r.classify(name, res.err)
	case <-time.After(r.cfg.CancelGrace):
		r.logger.Warn("tool ignored cancellation, abandoning invocation",
			zap.String("tool", name),
			zap.Duration("grace", r.cfg.CancelGrace))
		return nil, fmt.Errorf("tool %s abandoned after cancel grace: %w", name, ctx.Err())
	}
}

// classify tags untagged handler errors as retryable; timeouts of the
// invocation budget are retryable too.
func (r *Registry) classify(name string, err error) error {
	if err == nil {
		return nil
	}
	if orc.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return orc.WrapError(orc.KindRetryableTool, fmt.Sprintf("tool %s", name), err)
}
