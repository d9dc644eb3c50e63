// Package audit emits the fire-and-forget audit trail.
//
// Every state transition and billing operation logs an event. Emission is
// best-effort by contract: a failure to publish is logged and swallowed,
// never surfaced to the transition that produced it.
//
// Events are published to subjects:
//
//	rund.audit.{org_id}.{action}
//
// so log-streaming collaborators can subscribe per org or per action.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is one audit record.
type Event struct {
	OrgID    string         `json:"org_id"`
	Action   string         `json:"action"`
	Result   string         `json:"result"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Logger records audit events. Implementations must never block on or
// propagate emission failures.
type Logger interface {
	LogEvent(ctx context.Context, orgID, action, result string, metadata map[string]any)
}

// NATSLogger publishes audit events to NATS subjects.
type NATSLogger struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSLogger creates an audit logger over a NATS connection.
func NewNATSLogger(nc *nats.Conn, logger *zap.Logger) *NATSLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSLogger{nc: nc, logger: logger}
}

func (l *NATSLogger) LogEvent(ctx context.Context, orgID, action, result string, metadata map[string]any) {
	event := Event{
		OrgID:    orgID,
		Action:   action,
		Result:   result,
		Metadata: metadata,
		At:       time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to encode audit event",
			zap.String("action", action),
			zap.Error(err))
		return
	}

	subject := fmt.Sprintf("rund.audit.%s.%s", orgID, action)
	if err := l.nc.Publish(subject, data); err != nil {
		l.logger.Warn("failed to publish audit event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Nop discards all events. Used when no audit transport is configured.
type Nop struct{}

func (Nop) LogEvent(context.Context, string, string, string, map[string]any) {}
