// Package engine is the orchestration core: the coordinator owns the
// run/task/step state machine and billing settlement, the executors advance
// entities when work items are claimed, the worker pool drives the queue,
// and the monitor enforces budgets and scales the pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/artifact"
	"github.com/fyrsmithlabs/rund/internal/audit"
	"github.com/fyrsmithlabs/rund/internal/idempotency"
	"github.com/fyrsmithlabs/rund/internal/ledger"
	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/queue"
	"github.com/fyrsmithlabs/rund/internal/store"
	"github.com/fyrsmithlabs/rund/internal/tool"
)

const instrumentationName = "github.com/fyrsmithlabs/rund/internal/engine"

// casRetries bounds optimistic-write loops on entities. Contention is
// per-entity and short-lived.
const casRetries = 10

// errNoChange aborts an update loop without writing; the caller gets the
// current entity back with a nil error.
var errNoChange = errors.New("no change")

// Config holds coordinator tunables.
type Config struct {
	// DefaultMaxAgents bounds parallel tasks within one run when the
	// submission does not set its own.
	DefaultMaxAgents int `koanf:"default_max_agents"`

	// DefaultMaxAttempts is the run-level retry budget: the total number
	// of attempts a run may consume through explicit retries.
	DefaultMaxAttempts int `koanf:"default_max_attempts"`

	// StepMaxAttempts is the automatic retry budget for a single step.
	StepMaxAttempts int `koanf:"step_max_attempts"`

	// DefaultWallClockBudget bounds a run's total execution time when the
	// submission does not set its own.
	DefaultWallClockBudget time.Duration `koanf:"default_wall_clock_budget"`

	// CostPerStep prices one executed step, in credits. Settlement
	// charges completed steps at this rate.
	CostPerStep int64 `koanf:"cost_per_step"`

	// OrgMaxConcurrentTasks caps active tasks across all of an org's
	// runs. Zero disables the cap.
	OrgMaxConcurrentTasks int `koanf:"org_max_concurrent_tasks"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAgents:       3,
		DefaultMaxAttempts:     2,
		StepMaxAttempts:        3,
		DefaultWallClockBudget: 30 * time.Minute,
		CostPerStep:            DefaultCostPerStep,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.DefaultMaxAgents <= 0 {
		c.DefaultMaxAgents = def.DefaultMaxAgents
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if c.StepMaxAttempts <= 0 {
		c.StepMaxAttempts = def.StepMaxAttempts
	}
	if c.DefaultWallClockBudget <= 0 {
		c.DefaultWallClockBudget = def.DefaultWallClockBudget
	}
	if c.CostPerStep <= 0 {
		c.CostPerStep = def.CostPerStep
	}
}

// Options carries the coordinator's collaborators.
type Options struct {
	Store     store.Store
	Ledger    ledger.Service
	Queue     queue.Queue
	Tools     *tool.Registry
	Artifacts artifact.Store
	Audit     audit.Logger
	Planner   Planner
	Idem      *idempotency.Cache
	Logger    *zap.Logger
}

// Coordinator owns run lifecycle transitions and billing settlement. All
// entity mutation in the system flows through it, either via the public
// API methods or via the executors it dispatches to.
type Coordinator struct {
	cfg       Config
	store     store.Store
	ledger    ledger.Service
	queue     queue.Queue
	tools     *tool.Registry
	artifacts artifact.Store
	audit     audit.Logger
	planner   Planner
	idem      *idempotency.Cache
	logger    *zap.Logger

	interrupts *interruptSet

	tracer        trace.Tracer
	meter         metric.Meter
	runsCreated   metric.Int64Counter
	runsFinished  metric.Int64Counter
	stepsExecuted metric.Int64Counter
}

// NewCoordinator wires a coordinator from its collaborators. Store, Ledger,
// Queue, Tools, and Planner are required; Artifacts defaults to in-memory
// content storage, Audit to a no-op sink.
func NewCoordinator(cfg Config, opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("entity store is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger service is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("work queue is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewMemory(0)
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Idem == nil {
		opts.Idem = idempotency.New(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	c := &Coordinator{
		cfg:        cfg,
		store:      opts.Store,
		ledger:     opts.Ledger,
		queue:      opts.Queue,
		tools:      opts.Tools,
		artifacts:  opts.Artifacts,
		audit:      opts.Audit,
		planner:    opts.Planner,
		idem:       opts.Idem,
		logger:     opts.Logger,
		interrupts: newInterruptSet(),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Coordinator) initMetrics() {
	var err error

	c.runsCreated, err = c.meter.Int64Counter(
		"rund.engine.runs_created_total",
		metric.WithDescription("Total runs submitted"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		c.logger.Warn("failed to create runs-created counter", zap.Error(err))
	}

	c.runsFinished, err = c.meter.Int64Counter(
		"rund.engine.runs_finished_total",
		metric.WithDescription("Total runs reaching a terminal state, by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		c.logger.Warn("failed to create runs-finished counter", zap.Error(err))
	}

	c.stepsExecuted, err = c.meter.Int64Counter(
		"rund.engine.steps_executed_total",
		metric.WithDescription("Total step executions, by result"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		c.logger.Warn("failed to create steps-executed counter", zap.Error(err))
	}
}

// CreateRunRequest is a run submission.
type CreateRunRequest struct {
	OrgID   string `json:"org_id"`
	OwnerID string `json:"owner_id"`
	Spec    string `json:"spec"`

	Priority orc.Priority `json:"priority,omitempty"`

	MaxAgents       int           `json:"max_agents,omitempty"`
	MaxAttempts     int           `json:"max_attempts,omitempty"`
	WallClockBudget time.Duration `json:"wall_clock_budget,omitempty"`
	TokenBudget     int64         `json:"token_budget,omitempty"`
}

// CreateRun registers a new run in the created state. Nothing is reserved
// or enqueued until Start.
func (c *Coordinator) CreateRun(ctx context.Context, req CreateRunRequest, idemKey string) (*orc.Run, error) {
	return c.idempotent(ctx, idemKey, func() (*orc.Run, error) {
		ctx, span := c.tracer.Start(ctx, "engine.create_run")
		defer span.End()

		if req.OrgID == "" {
			return nil, orc.Errorf(orc.KindValidation, "org_id is required")
		}
		if req.Spec == "" {
			return nil, orc.Errorf(orc.KindValidation, "spec is required")
		}
		if req.Priority == "" {
			req.Priority = orc.PriorityStandard
		}
		if !req.Priority.IsValid() {
			return nil, orc.Errorf(orc.KindValidation, "unknown priority class %q", req.Priority)
		}
		if req.MaxAgents <= 0 {
			req.MaxAgents = c.cfg.DefaultMaxAgents
		}
		if req.MaxAttempts <= 0 {
			req.MaxAttempts = c.cfg.DefaultMaxAttempts
		}
		if req.WallClockBudget <= 0 {
			req.WallClockBudget = c.cfg.DefaultWallClockBudget
		}

		run := &orc.Run{
			ID:              uuid.New().String(),
			OrgID:           req.OrgID,
			OwnerID:         req.OwnerID,
			Spec:            req.Spec,
			Priority:        req.Priority,
			Status:          orc.StatusCreated,
			Attempt:         1,
			MaxAttempts:     req.MaxAttempts,
			MaxAgents:       req.MaxAgents,
			WallClockBudget: req.WallClockBudget,
			TokenBudget:     req.TokenBudget,
			CreatedAt:       time.Now(),
		}
		if err := c.store.CreateRun(ctx, run); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("create run: %w", err)
		}

		c.runsCreated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("priority", string(run.Priority))))
		c.audit.LogEvent(ctx, run.OrgID, "run.create", "success", map[string]any{
			"run_id":   run.ID,
			"priority": string(run.Priority),
		})
		c.logger.Info("run created",
			zap.String("run_id", run.ID),
			zap.String("org_id", run.OrgID),
			zap.String("priority", string(run.Priority)))
		return run, nil
	})
}

// Start admits a created run: it reserves the estimated credit cost and
// enqueues the run for execution. The reservation happens before the
// enqueue; on enqueue failure it is released and the run stays created.
func (c *Coordinator) Start(ctx context.Context, runID, idemKey string) (*orc.Run, error) {
	return c.idempotent(ctx, idemKey, func() (*orc.Run, error) {
		ctx, span := c.tracer.Start(ctx, "engine.start_run")
		defer span.End()
		span.SetAttributes(attribute.String("run_id", runID))

		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != orc.StatusCreated {
			return nil, orc.Errorf(orc.KindValidation,
				"run %s cannot start from status %s", runID, run.Status)
		}

		estimate, err := c.planner.EstimateCredits(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("estimate run cost: %w", err)
		}
		if err := c.ledger.Reserve(ctx, run.OrgID, estimate); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.audit.LogEvent(ctx, run.OrgID, "run.start", "rejected", map[string]any{
				"run_id": runID,
				"reason": string(orc.KindOf(err)),
			})
			return nil, err
		}

		// The update loop returns no run on failure; keep the org for the
		// release below.
		orgID := run.OrgID
		run, err = c.updateRun(ctx, runID, func(r *orc.Run) error {
			if err := transitionTo(&r.Status, orc.StatusPending); err != nil {
				return err
			}
			r.CreditsReserved = estimate
			return nil
		})
		if err != nil {
			// The run moved under us. Give the reservation back.
			if relErr := c.ledger.Release(ctx, orgID, estimate); relErr != nil {
				c.logger.Error("failed to release reservation after aborted start",
					zap.String("run_id", runID), zap.Error(relErr))
			}
			return nil, err
		}

		if err := c.enqueue(ctx, run, orc.EntityRun, run.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.revertStart(ctx, runID, estimate)
			return nil, err
		}

		c.audit.LogEvent(ctx, run.OrgID, "run.start", "success", map[string]any{
			"run_id":   runID,
			"reserved": estimate,
		})
		c.logger.Info("run started",
			zap.String("run_id", runID),
			zap.Int64("credits_reserved", estimate))
		return run, nil
	})
}

// revertStart undoes the pending transition and reservation after the
// admission enqueue was rejected, so the caller can retry Start later.
func (c *Coordinator) revertStart(ctx context.Context, runID string, estimate int64) {
	run, err := c.updateRun(ctx, runID, func(r *orc.Run) error {
		if r.Status != orc.StatusPending {
			return errNoChange
		}
		r.Status = orc.StatusCreated
		r.CreditsReserved = 0
		return nil
	})
	if err != nil {
		c.logger.Error("failed to revert rejected start",
			zap.String("run_id", runID), zap.Error(err))
		return
	}
	if err := c.ledger.Release(ctx, run.OrgID, estimate); err != nil {
		c.logger.Error("failed to release reservation after rejected start",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// Pause suspends a running run at step boundaries. In-flight steps finish
// and record their output; nothing further is dispatched until Resume.
func (c *Coordinator) Pause(ctx context.Context, runID, idemKey string) (*orc.Run, error) {
	return c.idempotent(ctx, idemKey, func() (*orc.Run, error) {
		run, err := c.updateRun(ctx, runID, func(r *orc.Run) error {
			if r.Status == orc.StatusPaused {
				return errNoChange
			}
			return transitionTo(&r.Status, orc.StatusPaused)
		})
		if err != nil {
			return nil, err
		}
		c.audit.LogEvent(ctx, run.OrgID, "run.pause", "success", map[string]any{"run_id": runID})
		c.logger.Info("run paused", zap.String("run_id", runID))
		return run, nil
	})
}

// Resume moves a paused run back to running and re-enqueues its suspended
// work. Re-enqueued items may duplicate live ones; the executors treat a
// claim for an entity that is already being advanced as a no-op.
func (c *Coordinator) Resume(ctx context.Context, runID, idemKey string) (*orc.Run, error) {
	return c.idempotent(ctx, idemKey, func() (*orc.Run, error) {
		run, err := c.updateRun(ctx, runID, func(r *orc.Run) error {
			if r.Status == orc.StatusRunning {
				return errNoChange
			}
			if err := transitionTo(&r.Status, orc.StatusResuming); err != nil {
				return err
			}
			return transitionTo(&r.Status, orc.StatusRunning)
		})
		if err != nil {
			return nil, err
		}

		if len(run.TaskIDs) == 0 {
			// Paused before planning ran; the run item itself was swallowed.
			if err := c.enqueue(ctx, run, orc.EntityRun, run.ID); err != nil {
				return nil, err
			}
		} else {
			tasks, err := c.store.ListTasks(ctx, runID)
			if err != nil {
				return nil, err
			}
			for _, task := range tasks {
				if task.Status.IsTerminal() || task.Status == orc.StatusCreated {
					continue
				}
				if err := c.enqueue(ctx, run, orc.EntityTask, task.ID); err != nil {
					return nil, err
				}
			}
			if err := c.dispatchTasks(ctx, run); err != nil {
				return nil, err
			}
		}

		c.audit.LogEvent(ctx, run.OrgID, "run.resume", "success", map[string]any{"run_id": runID})
		c.logger.Info("run resumed", zap.String("run_id", runID))
		return run, nil
	})
}

// Cancel terminates a run from any non-terminal state. Cancellation fans
// out to every non-terminal child, interrupts in-flight tool invocations,
// settles billing, and preserves artifacts already produced. Cancelling a
// run that is already terminal returns it unchanged.
func (c *Coordinator) Cancel(ctx context.Context, runID, idemKey string) (*orc.Run, error) {
	return c.idempotent(ctx, idemKey, func() (*orc.Run, error) {
		return c.cancelRun(ctx, runID, "run.cancel", nil)
	})
}

func (c *Coordinator) cancelRun(ctx context.Context, runID, action string, cause *orc.ErrorInfo) (*orc.Run, error) {
	ctx, span := c.tracer.Start(ctx, "engine.cancel_run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	// Children first, so no executor dispatches new work for the run
	// while the fan-out is in progress.
	tasks, err := c.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		steps, err := c.store.ListSteps(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		for _, step := range steps {
			if step.Status.IsTerminal() {
				continue
			}
			if _, err := c.updateStep(ctx, step.ID, cancelStep); err != nil {
				return nil, err
			}
		}
		if task.Status.IsTerminal() {
			continue
		}
		if _, err := c.updateTask(ctx, task.ID, cancelTask); err != nil {
			return nil, err
		}
	}

	// Interrupt in-flight invocations; the tool registry gives each a
	// grace period for cooperative shutdown.
	c.interrupts.cancelRun(runID)

	run, err = c.settleRun(ctx, runID, orc.StatusCancelled, cause)
	if err != nil {
		return nil, err
	}

	c.audit.LogEvent(ctx, run.OrgID, action, "success", map[string]any{
		"run_id": runID,
	})
	c.logger.Info("run cancelled",
		zap.String("run_id", runID),
		zap.String("action", action))
	return run, nil
}

// Retry re-admits a failed run. Completed work is kept; failed tasks and
// steps are reset for re-execution, and only the unconsumed remainder of
// the original estimate is re-reserved.
func (c *Coordinator) Retry(ctx context.Context, runID, idemKey string) (*orc.Run, error) {
	return c.idempotent(ctx, idemKey, func() (*orc.Run, error) {
		ctx, span := c.tracer.Start(ctx, "engine.retry_run")
		defer span.End()
		span.SetAttributes(attribute.String("run_id", runID))

		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != orc.StatusFailed {
			return nil, orc.Errorf(orc.KindValidation,
				"run %s cannot retry from status %s", runID, run.Status)
		}
		if run.Attempt >= run.MaxAttempts {
			return nil, orc.Errorf(orc.KindValidation,
				"run %s exhausted its %d attempts", runID, run.MaxAttempts)
		}

		estimate, err := c.planner.EstimateCredits(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("estimate run cost: %w", err)
		}
		reReserve := estimate - run.CreditsCharged
		if reReserve < 0 {
			reReserve = 0
		}
		if reReserve > 0 {
			if err := c.ledger.Reserve(ctx, run.OrgID, reReserve); err != nil {
				return nil, err
			}
		}

		// Reset failed children before re-admitting the run so the run
		// executor sees a consistent tree.
		tasks, err := c.store.ListTasks(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if task.Status == orc.StatusCompleted {
				continue
			}
			steps, err := c.store.ListSteps(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			for _, step := range steps {
				if step.Status == orc.StatusCompleted {
					continue
				}
				if _, err := c.updateStep(ctx, step.ID, resetForRetry); err != nil {
					return nil, err
				}
			}
			if _, err := c.updateTask(ctx, task.ID, func(t *orc.Task) error {
				if err := resetForRetryStatus(&t.Status); err != nil {
					return err
				}
				t.Attempt++
				t.LastError = nil
				return nil
			}); err != nil {
				return nil, err
			}
		}

		orgID := run.OrgID
		run, err = c.updateRun(ctx, runID, func(r *orc.Run) error {
			if err := transitionTo(&r.Status, orc.StatusRetrying); err != nil {
				return err
			}
			if err := transitionTo(&r.Status, orc.StatusPending); err != nil {
				return err
			}
			r.Attempt++
			r.CreditsReserved = reReserve
			r.LastError = nil
			r.CompletedAt = nil
			return nil
		})
		if err != nil {
			if reReserve > 0 {
				if relErr := c.ledger.Release(ctx, orgID, reReserve); relErr != nil {
					c.logger.Error("failed to release reservation after aborted retry",
						zap.String("run_id", runID), zap.Error(relErr))
				}
			}
			return nil, err
		}

		if err := c.enqueue(ctx, run, orc.EntityRun, run.ID); err != nil {
			c.revertStart(ctx, runID, reReserve)
			return nil, err
		}

		c.audit.LogEvent(ctx, run.OrgID, "run.retry", "success", map[string]any{
			"run_id":  runID,
			"attempt": run.Attempt,
		})
		c.logger.Info("run retried",
			zap.String("run_id", runID),
			zap.Int("attempt", run.Attempt),
			zap.Int64("re_reserved", reReserve))
		return run, nil
	})
}

// RefundRun returns a finished run's charged credits to the org balance.
// An operator remedy for runs whose charged output proved unusable; the
// run's ledger keeps both the charge and the refund. Only terminal runs
// with a committed charge are refundable, and repeating the refund is a
// no-op.
func (c *Coordinator) RefundRun(ctx context.Context, runID, idemKey string) (*orc.Run, error) {
	return c.idempotent(ctx, idemKey, func() (*orc.Run, error) {
		ctx, span := c.tracer.Start(ctx, "engine.refund_run")
		defer span.End()
		span.SetAttributes(attribute.String("run_id", runID))

		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !run.Status.IsTerminal() {
			return nil, orc.Errorf(orc.KindValidation,
				"run %s is still %s; only finished runs can be refunded", runID, run.Status)
		}
		if run.CreditsCharged == 0 {
			return nil, orc.Errorf(orc.KindValidation, "run %s has no charge to refund", runID)
		}

		entries, err := c.ledger.Entries(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type == ledger.TxRefund {
				return run, nil
			}
		}

		amount := run.CreditsCharged
		if _, err := c.ledger.RefundCharge(ctx, run.OrgID, runID, amount, "refund/"+runID); err != nil {
			return nil, err
		}
		run, err = c.updateRun(ctx, runID, func(r *orc.Run) error {
			r.CreditsRefunded += amount
			return nil
		})
		if err != nil {
			return nil, err
		}

		c.audit.LogEvent(ctx, run.OrgID, "run.refund", "success", map[string]any{
			"run_id": runID,
			"amount": amount,
		})
		c.logger.Info("run refunded",
			zap.String("run_id", runID),
			zap.Int64("amount", amount))
		return run, nil
	})
}

// GetRun returns the run by ID.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*orc.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// Tasks returns the run's tasks ordered by sequence number.
func (c *Coordinator) Tasks(ctx context.Context, runID string) ([]*orc.Task, error) {
	return c.store.ListTasks(ctx, runID)
}

// Steps returns the task's steps ordered by sequence number.
func (c *Coordinator) Steps(ctx context.Context, taskID string) ([]*orc.Step, error) {
	return c.store.ListSteps(ctx, taskID)
}

// Artifacts returns the run's artifact records.
func (c *Coordinator) Artifacts(ctx context.Context, runID string) ([]*orc.Artifact, error) {
	return c.store.ListArtifacts(ctx, runID)
}

// ArtifactContent returns an artifact's content and record.
func (c *Coordinator) ArtifactContent(ctx context.Context, id string) ([]byte, *orc.Artifact, error) {
	return c.artifacts.Get(ctx, id)
}

// DeadLetters lists work items that exhausted their retries.
func (c *Coordinator) DeadLetters(ctx context.Context) ([]*queue.DeadLetter, error) {
	return c.queue.DeadLetters(ctx)
}

// Execute advances the entity a claimed work item targets. The worker pool
// acks or nacks the lease based on the returned outcome.
func (c *Coordinator) Execute(ctx context.Context, lease *queue.Lease) orc.Outcome {
	item := lease.Item
	switch item.Entity {
	case orc.EntityRun:
		return c.executeRun(ctx, item)
	case orc.EntityTask:
		return c.executeTask(ctx, item)
	case orc.EntityStep:
		return c.executeStep(ctx, item, lease.Attempt)
	default:
		return orc.TerminalFailure(orc.Errorf(orc.KindValidation,
			"work item %s targets unknown entity kind %q", item.ID, item.Entity))
	}
}

// FailFromQueue marks the entity behind an exhausted work item as failed.
// The worker pool calls this when a nack dead-letters, and the monitor
// calls it while reconciling dead letters produced by lease expiry.
func (c *Coordinator) FailFromQueue(ctx context.Context, item *queue.WorkItem, cause error) error {
	info := orc.InfoFromError(cause)

	switch item.Entity {
	case orc.EntityStep:
		step, err := c.store.GetStep(ctx, item.EntityID)
		if err != nil {
			return err
		}
		if step.Status.IsTerminal() {
			return nil
		}
		return c.failStep(ctx, step.ID, info)

	case orc.EntityTask:
		task, err := c.store.GetTask(ctx, item.EntityID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}
		return c.failTask(ctx, task.ID, info)

	case orc.EntityRun:
		run, err := c.store.GetRun(ctx, item.EntityID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return nil
		}
		_, err = c.settleRun(ctx, run.ID, orc.StatusFailed, info)
		return err
	}
	return orc.Errorf(orc.KindValidation,
		"work item %s targets unknown entity kind %q", item.ID, item.Entity)
}

// idempotent replays the memoized result for idemKey, if any; an empty key
// executes fn directly.
func (c *Coordinator) idempotent(ctx context.Context, idemKey string, fn func() (*orc.Run, error)) (*orc.Run, error) {
	if idemKey == "" {
		return fn()
	}
	v, replayed, err := c.idem.Do(ctx, idemKey, func() (any, error) {
		return fn()
	})
	if replayed {
		c.logger.Debug("idempotent replay", zap.String("key", idemKey))
	}
	run, _ := v.(*orc.Run)
	return run, err
}

// enqueue submits a work item for the entity under the run's priority
// class. Backpressure from the queue surfaces to the caller unchanged.
func (c *Coordinator) enqueue(ctx context.Context, run *orc.Run, kind orc.EntityKind, entityID string) error {
	item := &queue.WorkItem{
		ID:             uuid.New().String(),
		IdempotencyKey: fmt.Sprintf("%s/%s/%d", kind, entityID, run.Attempt),
		Entity:         kind,
		EntityID:       entityID,
		Priority:       run.Priority,
		MaxRetries:     c.cfg.StepMaxAttempts,
		EnqueuedAt:     time.Now(),
	}
	if err := c.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", kind, entityID, err)
	}
	return nil
}

// updateRun runs a read-mutate-write loop on the run under optimistic
// concurrency. A mutate returning errNoChange aborts without writing and
// yields the current entity.
func (c *Coordinator) updateRun(ctx context.Context, id string, mutate func(*orc.Run) error) (*orc.Run, error) {
	for i := 0; i < casRetries; i++ {
		run, err := c.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(run); err != nil {
			if errors.Is(err, errNoChange) {
				return run, nil
			}
			return nil, err
		}
		err = c.store.UpdateRun(ctx, run)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update run %s: exhausted %d attempts", id, casRetries)
}

func (c *Coordinator) updateTask(ctx context.Context, id string, mutate func(*orc.Task) error) (*orc.Task, error) {
	for i := 0; i < casRetries; i++ {
		task, err := c.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(task); err != nil {
			if errors.Is(err, errNoChange) {
				return task, nil
			}
			return nil, err
		}
		err = c.store.UpdateTask(ctx, task)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update task %s: exhausted %d attempts", id, casRetries)
}

func (c *Coordinator) updateStep(ctx context.Context, id string, mutate func(*orc.Step) error) (*orc.Step, error) {
	for i := 0; i < casRetries; i++ {
		step, err := c.store.GetStep(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(step); err != nil {
			if errors.Is(err, errNoChange) {
				return step, nil
			}
			return nil, err
		}
		err = c.store.UpdateStep(ctx, step)
		if err == nil {
			return step, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update step %s: exhausted %d attempts", id, casRetries)
}

// transitionTo applies a state machine transition in place, rejecting
// disallowed moves with a validation error.
func transitionTo(s *orc.Status, target orc.Status) error {
	if !s.CanTransition(target) {
		return orc.Errorf(orc.KindValidation, "invalid transition %s -> %s", *s, target)
	}
	*s = target
	return nil
}

// cancelTask and cancelStep are update mutates that cancel a child,
// tolerating it having reached a terminal state concurrently.
func cancelTask(t *orc.Task) error {
	if t.Status.IsTerminal() {
		return errNoChange
	}
	return transitionTo(&t.Status, orc.StatusCancelled)
}

func cancelStep(s *orc.Step) error {
	if s.Status.IsTerminal() {
		return errNoChange
	}
	return transitionTo(&s.Status, orc.StatusCancelled)
}

// resetForRetry returns a non-completed step to created with its error and
// output cleared, for re-execution under a run retry.
func resetForRetry(s *orc.Step) error {
	if s.Status == orc.StatusCompleted {
		return errNoChange
	}
	if err := resetForRetryStatus(&s.Status); err != nil {
		return err
	}
	s.LastError = nil
	s.Output = nil
	return nil
}

// resetForRetryStatus rewinds an entity to created from wherever the
// failed run left it, so normal dispatch re-admits it under the agent
// bound. The rewind is the one move outside the forward transition table.
func resetForRetryStatus(s *orc.Status) error {
	switch *s {
	case orc.StatusCreated, orc.StatusPending, orc.StatusRunning,
		orc.StatusFailed, orc.StatusCancelled, orc.StatusRetrying:
		*s = orc.StatusCreated
		return nil
	}
	return orc.Errorf(orc.KindValidation, "cannot reset entity from status %s", *s)
}

// interruptSet tracks cancel functions for in-flight tool invocations so
// run cancellation can interrupt them.
type interruptSet struct {
	mu    sync.Mutex
	byRun map[string]map[string]context.CancelFunc
}

func newInterruptSet() *interruptSet {
	return &interruptSet{byRun: make(map[string]map[string]context.CancelFunc)}
}

// register records the cancel function for a step invocation and returns
// its deregistration.
func (s *interruptSet) register(runID, stepID string, cancel context.CancelFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.byRun[runID]
	if !ok {
		steps = make(map[string]context.CancelFunc)
		s.byRun[runID] = steps
	}
	steps[stepID] = cancel

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(steps, stepID)
		if len(steps) == 0 {
			delete(s.byRun, runID)
		}
	}
}

// cancelRun interrupts every registered invocation for the run.
func (s *interruptSet) cancelRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.byRun[runID] {
		cancel()
	}
}
