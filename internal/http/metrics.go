package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/rund/internal/http"

// HTTPMetrics records request throughput, latency, response size, and
// in-flight count for the API server. Instrument creation failures leave
// the instrument nil and the middleware skips it.
type HTTPMetrics struct {
	logger   *zap.Logger
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	respSize metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the HTTP instruments on the global meter.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{logger: logger}
	meter := otel.Meter(httpInstrumentationName)

	var err error
	if m.requests, err = meter.Int64Counter(
		"rund.http.requests_total",
		metric.WithDescription("HTTP requests by method, endpoint, and status code. Use rate() for throughput."),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	if m.latency, err = meter.Float64Histogram(
		"rund.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds by method, endpoint, and status. Use histogram_quantile for P50/P95/P99."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	if m.respSize, err = meter.Int64Histogram(
		"rund.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes by method, endpoint, and status."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	); err != nil {
		logger.Warn("failed to create response size histogram", zap.Error(err))
	}

	if m.inFlight, err = meter.Int64UpDownCounter(
		"rund.http.active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}

	return m
}

// MetricsMiddleware wraps handlers to record the HTTP instruments.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()

			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
			}

			err := next(c)

			// c.Path() is the route template (/v1/runs/:id), not the
			// concrete URI, so run IDs never leak into label values.
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)

			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.respSize != nil {
				m.respSize.Record(ctx, c.Response().Size, attrs)
			}
			if m.inFlight != nil {
				m.inFlight.Add(ctx, -1)
			}

			return err
		}
	}
}

// normalizePath covers the unmatched-route case, where c.Path() is empty
// and every probe URI would otherwise become its own label value.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
