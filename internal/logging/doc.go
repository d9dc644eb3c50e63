// Package logging wraps zap for structured, context-aware logging.
//
// The logger adds four things on top of plain zap:
//
//   - a Trace level below Debug for queue polling and lease heartbeats
//   - dual output, stdout plus an otelzap bridge when telemetry is on
//   - automatic field injection from the request context (trace_id,
//     org.id, run.id, request.id)
//   - secret redaction at the encoder so credentials cannot reach a sink
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx := logging.WithScope(ctx, &logging.Scope{OrgID: "acme", RunID: runID})
//	logger.Info(ctx, "run started", zap.Duration("queued_for", d))
//
// Every entry carries the scope fields without the call site naming them:
//
//	{"level":"info","msg":"run started","trace_id":"abc123",
//	 "org.id":"acme","run.id":"6f2c...","queued_for":"45ms"}
//
// # Redaction
//
// config.Secret values render as [REDACTED:len] through their marshaler.
// Below that, the redacting encoder blanks any field whose key matches
// the configured deny list (password, token, api_key, ...) and any string
// value matching a credential pattern. For ad hoc values:
//
//	logger.Info(ctx, "auth received",
//	    logging.RedactedString("authorization", header))
//
// # Sampling
//
// Per-level sampling caps volume under load. Defaults per second: trace
// keeps 1, debug keeps 10, info keeps 100 then 1 in 10, warn keeps 100
// then 1 in 100. Error and above always pass. Set
// cfg.Sampling.Enabled = false when chasing a bug.
//
// # Testing
//
// TestLogger captures entries in memory for assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "run started", zap.String("run_id", id))
//	tl.AssertLogged(t, zapcore.InfoLevel, "run started")
//	tl.AssertNoSecrets(t)
//
// The Logger and loggers derived via With or Named are safe for
// concurrent use.
package logging
