package engine

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/queue"
)

// MonitorConfig holds monitor loop tunables.
type MonitorConfig struct {
	// Interval is the sampling period for depth, budgets, and
	// reconciliation.
	Interval time.Duration `koanf:"interval"`

	// HighWatermark is the total queued depth above which the pool
	// scales up; LowWatermark the depth below which it scales down.
	HighWatermark int `koanf:"high_watermark"`
	LowWatermark  int `koanf:"low_watermark"`

	// MinWorkers and MaxWorkers bound the pool size.
	MinWorkers int `koanf:"min_workers"`
	MaxWorkers int `koanf:"max_workers"`
}

// DefaultMonitorConfig returns the monitor defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      5 * time.Second,
		HighWatermark: 50,
		LowWatermark:  5,
		MinWorkers:    2,
		MaxWorkers:    32,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *MonitorConfig) ApplyDefaults() {
	def := DefaultMonitorConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = def.HighWatermark
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = def.LowWatermark
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
}

// Monitor is the control loop beside the data path: it samples queue
// depth and scales the worker pool between its floor and ceiling, cancels
// runs that exceeded their budgets, and reconciles dead letters and
// stalled dispatch.
type Monitor struct {
	cfg    MonitorConfig
	queue  queue.Queue
	pool   *WorkerPool
	coord  *Coordinator
	logger *zap.Logger

	depthGauge metric.Int64Gauge
}

// NewMonitor creates a monitor; Run starts the loop.
func NewMonitor(cfg MonitorConfig, q queue.Queue, pool *WorkerPool, coord *Coordinator, logger *zap.Logger) *Monitor {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		cfg:    cfg,
		queue:  q,
		pool:   pool,
		coord:  coord,
		logger: logger,
	}

	var err error
	m.depthGauge, err = otel.Meter(instrumentationName).Int64Gauge(
		"rund.queue.depth",
		metric.WithDescription("Queued work items per priority class"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		logger.Warn("failed to create depth gauge", zap.Error(err))
	}
	return m
}

// Run drives the monitor loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one monitoring pass. Each concern is best-effort; a failing
// pass logs and retries next interval.
func (m *Monitor) tick(ctx context.Context) {
	m.scale(ctx)

	if err := m.coord.EnforceBudgets(ctx); err != nil {
		m.logger.Warn("budget sweep failed", zap.Error(err))
	}
	if err := m.coord.ReconcileDeadLetters(ctx); err != nil {
		m.logger.Warn("dead-letter reconciliation failed", zap.Error(err))
	}
	if err := m.coord.ReconcileDispatch(ctx); err != nil {
		m.logger.Warn("dispatch reconciliation failed", zap.Error(err))
	}
}

// scale samples depth and moves the pool toward the watermarks: doubling
// up to the ceiling under load, stepping down to the floor when idle.
func (m *Monitor) scale(ctx context.Context) {
	depths, err := m.queue.Depth(ctx)
	if err != nil {
		m.logger.Warn("depth sample failed", zap.Error(err))
		return
	}

	total := 0
	for class, depth := range depths {
		total += depth
		m.depthGauge.Record(ctx, int64(depth), metric.WithAttributes(
			attribute.String("priority", string(class))))
	}

	current := m.pool.Count()
	target := current
	switch {
	case total > m.cfg.HighWatermark:
		target = current * 2
		if target < m.cfg.MinWorkers {
			target = m.cfg.MinWorkers
		}
		if target > m.cfg.MaxWorkers {
			target = m.cfg.MaxWorkers
		}
	case total < m.cfg.LowWatermark:
		target = current - 1
		if target < m.cfg.MinWorkers {
			target = m.cfg.MinWorkers
		}
	}

	if target != current {
		m.logger.Info("scaling worker pool",
			zap.Int("depth", total),
			zap.Int("from", current),
			zap.Int("to", target))
		m.pool.SetCount(target)
	}
}

// EnforceBudgets cancels runs that exceeded their wall-clock or token
// budget. The terminal reason distinguishes the budget cancellation from a
// user-requested one.
func (c *Coordinator) EnforceBudgets(ctx context.Context) error {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, run := range runs {
		if run.Status.IsTerminal() || run.StartedAt == nil {
			continue
		}

		var cause *orc.ErrorInfo
		if run.WallClockBudget > 0 && now.Sub(*run.StartedAt) > run.WallClockBudget {
			cause = &orc.ErrorInfo{
				Kind:    orc.KindBudgetExceeded,
				Message: "wall-clock budget " + run.WallClockBudget.String() + " exceeded",
			}
		} else if run.TokenBudget > 0 {
			consumed, err := c.consumedCredits(ctx, run.ID)
			if err != nil {
				return err
			}
			if consumed > run.TokenBudget {
				cause = &orc.ErrorInfo{
					Kind:    orc.KindBudgetExceeded,
					Message: "token budget exceeded",
				}
			}
		}
		if cause == nil {
			continue
		}

		if _, err := c.cancelRun(ctx, run.ID, "run.budget_cancel", cause); err != nil {
			c.logger.Error("budget cancellation failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

// ReconcileDeadLetters finalizes entities whose work items dead-lettered
// outside the worker path, e.g. through lease expiry while the holder was
// gone. Already-finalized entities are left alone.
func (c *Coordinator) ReconcileDeadLetters(ctx context.Context) error {
	letters, err := c.queue.DeadLetters(ctx)
	if err != nil {
		return err
	}

	for _, dl := range letters {
		cause := deadLetterCause(dl)
		if err := c.FailFromQueue(ctx, dl.Item, cause); err != nil {
			c.logger.Error("dead-letter reconciliation failed",
				zap.String("item_id", dl.Item.ID),
				zap.String("entity_id", dl.Item.EntityID),
				zap.Error(err))
		}
	}
	return nil
}

// ReconcileDispatch re-runs task admission for active runs, recovering
// slots that a backpressured or crashed dispatch left unused.
func (c *Coordinator) ReconcileDispatch(ctx context.Context) error {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status != orc.StatusRunning {
			continue
		}
		if err := c.dispatchTasks(ctx, run); err != nil {
			c.logger.Warn("dispatch reconciliation failed for run",
				zap.String("run_id", run.ID), zap.Error(err))
		}
		if err := c.finalizeRunIfDone(ctx, run.ID); err != nil {
			c.logger.Warn("finalize reconciliation failed for run",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

// deadLetterCause reconstructs the taxonomy error behind a dead letter
// from its recorded history.
func deadLetterCause(dl *queue.DeadLetter) error {
	last := "retries exhausted"
	if n := len(dl.ErrorHistory); n > 0 {
		last = dl.ErrorHistory[n-1]
	}
	if strings.Contains(last, string(orc.KindLeaseExpired)) {
		return orc.Errorf(orc.KindLeaseExpired,
			"%d attempts exhausted: %s", dl.Attempts, last)
	}
	return orc.Errorf(orc.KindRetryableTool,
		"%d attempts exhausted: %s", dl.Attempts, last)
}
