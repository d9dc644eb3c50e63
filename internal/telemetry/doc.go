// Package telemetry provides OpenTelemetry instrumentation for rund.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using
// the OpenTelemetry Go SDK. Signals are exported over OTLP to a collector;
// the Prometheus /metrics endpoint on the HTTP server is independent of it.
//
// # Usage
//
// Create a telemetry instance during daemon startup:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use the tracer and meter per instrumentation scope:
//
//	tracer := tel.Tracer("rund.engine")
//	ctx, span := tracer.Start(ctx, "engine.start_run")
//	defer span.End()
//
//	meter := tel.Meter("rund.engine")
//	counter, _ := meter.Int64Counter("rund.runs.started")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  endpoint: "localhost:4317"
//	  service_name: "rund"
//
// Sampling rate, metric export interval, and shutdown timeout carry
// sensible defaults from NewDefaultConfig.
//
// # Error Handling
//
// Telemetry failures never take the orchestrator down. When a provider
// cannot be initialized the instance degrades gracefully and hands out
// no-op tracers and meters.
//
// # Testing
//
// TestTelemetry records in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("rund.engine")
//	_, span := tracer.Start(ctx, "engine.start_run")
//	span.End()
//	tt.AssertSpanExists(t, "engine.start_run")
package telemetry
