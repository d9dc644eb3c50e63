package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/queue"
	"github.com/fyrsmithlabs/rund/internal/store"
)

// executeRun advances a claimed run item: it moves the run to running,
// plans its tasks on first delivery, and admits tasks up to the parallel
// agent bound.
func (c *Coordinator) executeRun(ctx context.Context, item *queue.WorkItem) orc.Outcome {
	ctx, span := c.tracer.Start(ctx, "engine.execute_run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", item.EntityID))

	run, err := c.store.GetRun(ctx, item.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return orc.TerminalFailure(err)
		}
		return orc.RetryableFailure(err)
	}

	switch run.Status {
	case orc.StatusCompleted, orc.StatusFailed, orc.StatusCancelled:
		return orc.Success()
	case orc.StatusPaused:
		// Resume re-enqueues; dropping the item here is what suspends
		// dispatch.
		return orc.Success()
	case orc.StatusCreated:
		c.logger.Warn("stale run item for unadmitted run", zap.String("run_id", run.ID))
		return orc.Success()
	case orc.StatusPending:
		run, err = c.updateRun(ctx, run.ID, func(r *orc.Run) error {
			if r.Status != orc.StatusPending {
				return errNoChange
			}
			if err := transitionTo(&r.Status, orc.StatusRunning); err != nil {
				return err
			}
			now := time.Now()
			r.StartedAt = &now
			return nil
		})
		if err != nil {
			return orc.RetryableFailure(err)
		}
	}

	if len(run.TaskIDs) == 0 {
		run, err = c.planRun(ctx, run)
		if err != nil {
			return orc.OutcomeFromError(err)
		}
		if len(run.TaskIDs) == 0 {
			// Nothing to do; the run completes with zero consumption.
			if _, err := c.settleRun(ctx, run.ID, orc.StatusCompleted, nil); err != nil {
				return orc.RetryableFailure(err)
			}
			return orc.Success()
		}
	}

	if err := c.dispatchTasks(ctx, run); err != nil {
		// Backpressure or a transient queue fault; redelivery retries
		// the dispatch.
		return orc.RetryableFailure(err)
	}
	return orc.Success()
}

// planRun decomposes the run into tasks. Task IDs derive deterministically
// from the run ID and sequence number so a redelivered run item converges
// on the same tree instead of duplicating it.
func (c *Coordinator) planRun(ctx context.Context, run *orc.Run) (*orc.Run, error) {
	plans, err := c.planner.PlanTasks(ctx, run)
	if err != nil {
		return nil, orc.WrapError(orc.KindNonRetryableTool, "plan tasks", err)
	}

	ids := make([]string, 0, len(plans))
	for i, plan := range plans {
		task := &orc.Task{
			ID:          deterministicID(run.ID, "task", i),
			RunID:       run.ID,
			Seq:         i,
			Title:       plan.Title,
			Status:      orc.StatusCreated,
			Attempt:     run.Attempt,
			MaxAttempts: run.MaxAttempts,
			CreatedAt:   time.Now(),
		}
		err := c.store.CreateTask(ctx, task)
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		ids = append(ids, task.ID)
	}

	run, err = c.updateRun(ctx, run.ID, func(r *orc.Run) error {
		if len(r.TaskIDs) > 0 {
			return errNoChange
		}
		r.TaskIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("run planned",
		zap.String("run_id", run.ID),
		zap.Int("tasks", len(ids)))
	return run, nil
}

// dispatchTasks admits unstarted tasks while the run's parallel agent
// bound, and the org-wide task cap if configured, leave slots open. The
// enqueue happens before the created-to-pending transition; the task
// executor tolerates claiming a task still in created.
func (c *Coordinator) dispatchTasks(ctx context.Context, run *orc.Run) error {
	tasks, err := c.store.ListTasks(ctx, run.ID)
	if err != nil {
		return err
	}

	active := 0
	for _, task := range tasks {
		if isActive(task.Status) {
			active++
		}
	}
	slots := run.MaxAgents - active

	if c.cfg.OrgMaxConcurrentTasks > 0 {
		orgActive, err := c.orgActiveTasks(ctx, run.OrgID)
		if err != nil {
			return err
		}
		if orgSlots := c.cfg.OrgMaxConcurrentTasks - orgActive; orgSlots < slots {
			slots = orgSlots
		}
	}

	for _, task := range tasks {
		if slots <= 0 {
			break
		}
		if task.Status != orc.StatusCreated {
			continue
		}
		if err := c.enqueue(ctx, run, orc.EntityTask, task.ID); err != nil {
			return err
		}
		if _, err := c.updateTask(ctx, task.ID, func(t *orc.Task) error {
			if t.Status != orc.StatusCreated {
				return errNoChange
			}
			return transitionTo(&t.Status, orc.StatusPending)
		}); err != nil {
			return err
		}
		slots--
	}
	return nil
}

// orgActiveTasks counts admitted, unfinished tasks across the org's runs.
func (c *Coordinator) orgActiveTasks(ctx context.Context, orgID string) (int, error) {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, run := range runs {
		if run.OrgID != orgID || run.Status.IsTerminal() {
			continue
		}
		tasks, err := c.store.ListTasks(ctx, run.ID)
		if err != nil {
			return 0, err
		}
		for _, task := range tasks {
			if isActive(task.Status) {
				count++
			}
		}
	}
	return count, nil
}

// finalizeRunIfDone settles the run once every task is terminal. Any
// failed task fails the run; otherwise it completes. Safe to call from
// concurrent executors, the settlement winner is elected by the run's
// version.
func (c *Coordinator) finalizeRunIfDone(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() || len(run.TaskIDs) == 0 {
		return nil
	}

	tasks, err := c.store.ListTasks(ctx, runID)
	if err != nil {
		return err
	}
	if len(tasks) < len(run.TaskIDs) {
		return nil
	}

	var cause *orc.ErrorInfo
	final := orc.StatusCompleted
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return nil
		}
		if task.Status == orc.StatusFailed && final != orc.StatusFailed {
			final = orc.StatusFailed
			cause = task.LastError
		}
	}

	_, err = c.settleRun(ctx, runID, final, cause)
	return err
}

// settleRun is the single terminal bookkeeping path: it elects a winner
// through the run's version, charges the consumed portion of the
// reservation, and releases the remainder. Afterwards the reservation is
// zero and charged plus refunded equals everything ever reserved.
func (c *Coordinator) settleRun(ctx context.Context, runID string, final orc.Status, cause *orc.ErrorInfo) (*orc.Run, error) {
	ctx, span := c.tracer.Start(ctx, "engine.settle_run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("final", string(final)),
	)

	consumed, err := c.consumedCredits(ctx, runID)
	if err != nil {
		return nil, err
	}

	won := false
	run, err := c.updateRun(ctx, runID, func(r *orc.Run) error {
		if r.Status.IsTerminal() {
			return errNoChange
		}
		if err := terminalize(&r.Status, final); err != nil {
			return err
		}
		now := time.Now()
		r.CompletedAt = &now
		r.LastError = cause
		won = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return run, nil
	}

	incremental := consumed - run.CreditsCharged
	if incremental < 0 {
		incremental = 0
	}
	if incremental > run.CreditsReserved {
		incremental = run.CreditsReserved
	}
	release := run.CreditsReserved - incremental

	if incremental > 0 {
		if run.CreditsCharged == 0 {
			_, err = c.ledger.Charge(ctx, run.OrgID, runID, incremental, "settle/"+runID)
		} else {
			// Every retry attempt settles its own consumption, so the
			// adjustment key carries the attempt: a redelivered settlement
			// of the same attempt dedups, a later attempt commits anew.
			key := fmt.Sprintf("settle/%s/%d", runID, run.Attempt)
			_, err = c.ledger.Adjust(ctx, run.OrgID, runID, incremental, key)
		}
		if err != nil {
			return nil, fmt.Errorf("settle run %s: %w", runID, err)
		}
	}
	if release > 0 {
		if err := c.ledger.Release(ctx, run.OrgID, release); err != nil {
			return nil, fmt.Errorf("release run %s reservation: %w", runID, err)
		}
	}

	run, err = c.updateRun(ctx, runID, func(r *orc.Run) error {
		r.CreditsCharged += incremental
		r.CreditsRefunded += release
		r.CreditsReserved = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(final))))
	c.audit.LogEvent(ctx, run.OrgID, "run.settle", string(final), map[string]any{
		"run_id":   runID,
		"charged":  incremental,
		"released": release,
	})
	c.logger.Info("run settled",
		zap.String("run_id", runID),
		zap.String("status", string(final)),
		zap.Int64("charged", incremental),
		zap.Int64("released", release))
	return run, nil
}

// consumedCredits prices the run's completed steps.
func (c *Coordinator) consumedCredits(ctx context.Context, runID string) (int64, error) {
	tasks, err := c.store.ListTasks(ctx, runID)
	if err != nil {
		return 0, err
	}
	var completed int64
	for _, task := range tasks {
		steps, err := c.store.ListSteps(ctx, task.ID)
		if err != nil {
			return 0, err
		}
		for _, step := range steps {
			if step.Status == orc.StatusCompleted {
				completed++
			}
		}
	}
	return completed * c.cfg.CostPerStep, nil
}

// terminalize forces a non-terminal status to its final state, walking
// intermediate states when the direct transition is not in the table. A
// dead-lettered item can leave its entity anywhere short of running.
func terminalize(s *orc.Status, final orc.Status) error {
	cur := *s
	for i := 0; i < 4; i++ {
		if cur.CanTransition(final) {
			*s = final
			return nil
		}
		switch cur {
		case orc.StatusCreated:
			cur = orc.StatusPending
		case orc.StatusPending:
			cur = orc.StatusRunning
		case orc.StatusPaused:
			cur = orc.StatusResuming
		case orc.StatusResuming, orc.StatusRetrying:
			cur = orc.StatusRunning
		default:
			return orc.Errorf(orc.KindValidation,
				"cannot finalize from status %s to %s", *s, final)
		}
	}
	return orc.Errorf(orc.KindValidation, "cannot finalize from status %s to %s", *s, final)
}

// isActive reports whether the status counts against concurrency bounds.
func isActive(s orc.Status) bool {
	switch s {
	case orc.StatusPending, orc.StatusRunning, orc.StatusRetrying, orc.StatusResuming:
		return true
	}
	return false
}

// deterministicID derives a stable child ID from its parent and sequence.
func deterministicID(parentID, kind string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", parentID, kind, seq))).String()
}
