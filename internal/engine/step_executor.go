package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/queue"
	"github.com/fyrsmithlabs/rund/internal/store"
)

// executeStep invokes a claimed step's tool and advances the owning task.
// The pending-to-running transition under the entity version is the
// execution dedup: a duplicate claim for a step that is already being
// advanced drops without invoking anything.
func (c *Coordinator) executeStep(ctx context.Context, item *queue.WorkItem, attempt int) orc.Outcome {
	ctx, span := c.tracer.Start(ctx, "engine.execute_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("step_id", item.EntityID),
		attribute.Int("attempt", attempt),
	)

	step, err := c.store.GetStep(ctx, item.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return orc.TerminalFailure(err)
		}
		return orc.RetryableFailure(err)
	}
	if step.Status.IsTerminal() {
		return orc.Success()
	}

	task, err := c.store.GetTask(ctx, step.TaskID)
	if err != nil {
		return orc.RetryableFailure(err)
	}
	run, err := c.store.GetRun(ctx, task.RunID)
	if err != nil {
		return orc.RetryableFailure(err)
	}
	if run.Status.IsTerminal() || task.Status.IsTerminal() {
		return orc.Success()
	}
	if run.Status == orc.StatusPaused {
		// Resume re-enqueues the task, which re-admits this step.
		return orc.Success()
	}

	claimed := false
	step, err = c.updateStep(ctx, step.ID, func(s *orc.Step) error {
		if s.Status == orc.StatusRunning {
			// First deliveries racing a live execution drop here; a
			// redelivery after a lapsed lease takes over.
			if attempt <= 1 {
				return errNoChange
			}
			s.Attempt = attempt
			claimed = true
			return nil
		}
		if err := walkToRunning(&s.Status); err != nil {
			return err
		}
		s.Attempt = attempt
		claimed = true
		return nil
	})
	if err != nil {
		return orc.RetryableFailure(err)
	}
	if !claimed {
		return orc.Success()
	}

	invokeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deregister := c.interrupts.register(run.ID, step.ID, cancel)
	output, invokeErr := c.tools.Invoke(invokeCtx, step.Tool, step.Input)
	deregister()

	if invokeErr == nil {
		step, err = c.updateStep(ctx, step.ID, func(s *orc.Step) error {
			if s.Status.IsTerminal() {
				return errNoChange
			}
			if err := transitionTo(&s.Status, orc.StatusCompleted); err != nil {
				return err
			}
			s.Output = output
			return nil
		})
		if err != nil {
			return orc.RetryableFailure(err)
		}
		c.stepsExecuted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", "success")))
		c.logger.Debug("step completed",
			zap.String("step_id", step.ID),
			zap.String("tool", step.Tool),
			zap.Int("attempt", attempt))

		if err := c.advanceTask(ctx, run, task); err != nil {
			return orc.RetryableFailure(err)
		}
		return orc.Success()
	}

	return c.stepFailed(ctx, run, step, attempt, invokeErr)
}

// stepFailed routes a tool invocation error: interrupted invocations of a
// cancelled run are dropped, retryable failures go back to the queue for
// backoff redelivery, and non-retryable ones fail the step and its task
// immediately.
func (c *Coordinator) stepFailed(ctx context.Context, run *orc.Run, step *orc.Step, attempt int, invokeErr error) orc.Outcome {
	if errors.Is(invokeErr, context.Canceled) {
		cur, err := c.store.GetRun(ctx, run.ID)
		if err == nil && cur.Status.IsTerminal() {
			// Cancellation fan-out already resolved the step.
			return orc.Success()
		}
		// Worker shutdown; let the lease lapse and redeliver.
		return orc.RetryableFailure(invokeErr)
	}

	info := orc.InfoFromError(invokeErr)

	if orc.IsRetryable(invokeErr) {
		c.stepsExecuted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", "retry")))
		c.logger.Warn("step failed, will retry",
			zap.String("step_id", step.ID),
			zap.String("tool", step.Tool),
			zap.Int("attempt", attempt),
			zap.Error(invokeErr))

		// Park the step in pending while the queue backs off; the
		// dead-letter path finalizes it if retries run out.
		_, err := c.updateStep(ctx, step.ID, func(s *orc.Step) error {
			if s.Status.IsTerminal() {
				return errNoChange
			}
			if err := transitionTo(&s.Status, orc.StatusFailed); err != nil {
				return err
			}
			if err := transitionTo(&s.Status, orc.StatusRetrying); err != nil {
				return err
			}
			if err := transitionTo(&s.Status, orc.StatusPending); err != nil {
				return err
			}
			s.LastError = info
			return nil
		})
		if err != nil {
			return orc.RetryableFailure(err)
		}
		return orc.RetryableFailure(invokeErr)
	}

	c.stepsExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", "failed")))
	c.logger.Warn("step failed terminally",
		zap.String("step_id", step.ID),
		zap.String("tool", step.Tool),
		zap.Int("attempt", attempt),
		zap.Error(invokeErr))

	if err := c.failStep(ctx, step.ID, info); err != nil {
		return orc.RetryableFailure(err)
	}
	// The entity failure is recorded; the work item itself is done.
	return orc.Success()
}

// failStep finalizes a step as failed and fails its owning task.
func (c *Coordinator) failStep(ctx context.Context, stepID string, cause *orc.ErrorInfo) error {
	step, err := c.updateStep(ctx, stepID, func(s *orc.Step) error {
		if s.Status.IsTerminal() {
			return errNoChange
		}
		if err := terminalize(&s.Status, orc.StatusFailed); err != nil {
			return err
		}
		s.LastError = cause
		return nil
	})
	if err != nil {
		return err
	}
	return c.failTask(ctx, step.TaskID, cause)
}
