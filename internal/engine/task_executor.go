package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/queue"
	"github.com/fyrsmithlabs/rund/internal/store"
)

// executeTask advances a claimed task item: it moves the task to running,
// plans its steps on first delivery, and admits the next unfinished step.
// Steps within a task execute strictly in sequence.
func (c *Coordinator) executeTask(ctx context.Context, item *queue.WorkItem) orc.Outcome {
	ctx, span := c.tracer.Start(ctx, "engine.execute_task")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", item.EntityID))

	task, err := c.store.GetTask(ctx, item.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return orc.TerminalFailure(err)
		}
		return orc.RetryableFailure(err)
	}
	if task.Status.IsTerminal() {
		return orc.Success()
	}

	run, err := c.store.GetRun(ctx, task.RunID)
	if err != nil {
		return orc.RetryableFailure(err)
	}
	if run.Status.IsTerminal() || run.Status == orc.StatusPaused {
		return orc.Success()
	}

	task, err = c.updateTask(ctx, task.ID, func(t *orc.Task) error {
		if t.Status == orc.StatusRunning {
			return errNoChange
		}
		return walkToRunning(&t.Status)
	})
	if err != nil {
		return orc.RetryableFailure(err)
	}

	if len(task.StepIDs) == 0 {
		task, err = c.planTask(ctx, run, task)
		if err != nil {
			return orc.OutcomeFromError(err)
		}
		if len(task.StepIDs) == 0 {
			if err := c.rollupTask(ctx, run, task); err != nil {
				return orc.RetryableFailure(err)
			}
			return orc.Success()
		}
	}

	if err := c.advanceTask(ctx, run, task); err != nil {
		return orc.RetryableFailure(err)
	}
	return orc.Success()
}

// planTask decomposes the task into its step pipeline. Step IDs derive
// deterministically from the task ID and sequence number.
func (c *Coordinator) planTask(ctx context.Context, run *orc.Run, task *orc.Task) (*orc.Task, error) {
	plans, err := c.planner.PlanSteps(ctx, run, task)
	if err != nil {
		return nil, orc.WrapError(orc.KindNonRetryableTool, "plan steps", err)
	}

	ids := make([]string, 0, len(plans))
	for i, plan := range plans {
		step := &orc.Step{
			ID:          deterministicID(task.ID, "step", i),
			TaskID:      task.ID,
			Seq:         i,
			Tool:        plan.Tool,
			Input:       plan.Input,
			Status:      orc.StatusCreated,
			MaxAttempts: c.cfg.StepMaxAttempts,
			CreatedAt:   time.Now(),
		}
		err := c.store.CreateStep(ctx, step)
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		ids = append(ids, step.ID)
	}

	task, err = c.updateTask(ctx, task.ID, func(t *orc.Task) error {
		if len(t.StepIDs) > 0 {
			return errNoChange
		}
		t.StepIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("task planned",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.Int("steps", len(ids)))
	return task, nil
}

// advanceTask admits the task's next unfinished step, or rolls the task up
// when every step is done. Re-admitting a pending step after a resume may
// race a live item for it; the step executor drops the duplicate claim.
func (c *Coordinator) advanceTask(ctx context.Context, run *orc.Run, task *orc.Task) error {
	steps, err := c.store.ListSteps(ctx, task.ID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.Status.IsTerminal() {
			if step.Status == orc.StatusFailed {
				return c.failTask(ctx, task.ID, step.LastError)
			}
			continue
		}

		switch step.Status {
		case orc.StatusCreated:
			if err := c.enqueue(ctx, run, orc.EntityStep, step.ID); err != nil {
				return err
			}
			_, err := c.updateStep(ctx, step.ID, func(s *orc.Step) error {
				if s.Status != orc.StatusCreated {
					return errNoChange
				}
				return transitionTo(&s.Status, orc.StatusPending)
			})
			return err
		case orc.StatusPending, orc.StatusPaused:
			return c.enqueue(ctx, run, orc.EntityStep, step.ID)
		default:
			// Running under a live lease; redelivery handles a lapsed one.
			return nil
		}
	}

	return c.rollupTask(ctx, run, task)
}

// taskResult is the merged output document a completed task persists as
// its artifact.
type taskResult struct {
	TaskID string           `json:"task_id"`
	Seq    int              `json:"seq"`
	Title  string           `json:"title"`
	Steps  []taskResultStep `json:"steps"`
}

type taskResultStep struct {
	Seq    int             `json:"seq"`
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output,omitempty"`
}

// rollupTask completes a task whose steps all succeeded: the step outputs
// merge by sequence number into one artifact, and the parent run finalizes
// if this was its last outstanding task.
func (c *Coordinator) rollupTask(ctx context.Context, run *orc.Run, task *orc.Task) error {
	steps, err := c.store.ListSteps(ctx, task.ID)
	if err != nil {
		return err
	}

	result := taskResult{TaskID: task.ID, Seq: task.Seq, Title: task.Title}
	for _, step := range steps {
		result.Steps = append(result.Steps, taskResultStep{
			Seq:    step.Seq,
			Tool:   step.Tool,
			Output: step.Output,
		})
	}
	content, err := json.Marshal(result)
	if err != nil {
		return err
	}

	record, err := c.artifacts.Put(ctx, run.ID, content)
	if err != nil {
		return err
	}
	err = c.store.PutArtifact(ctx, record)
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}

	task, err = c.updateTask(ctx, task.ID, func(t *orc.Task) error {
		if t.Status.IsTerminal() {
			return errNoChange
		}
		return terminalize(&t.Status, orc.StatusCompleted)
	})
	if err != nil {
		return err
	}

	c.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.String("artifact_id", record.ID))

	if err := c.finalizeRunIfDone(ctx, run.ID); err != nil {
		return err
	}
	// The finished task freed an agent slot.
	run, err = c.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if run.Status == orc.StatusRunning {
		return c.dispatchTasks(ctx, run)
	}
	return nil
}

// failTask fails a task, cancels its unstarted steps, and finalizes the
// parent run if this was its last outstanding task. Sibling tasks keep
// running; failure is fail-fast within one task only.
func (c *Coordinator) failTask(ctx context.Context, taskID string, cause *orc.ErrorInfo) error {
	task, err := c.updateTask(ctx, taskID, func(t *orc.Task) error {
		if t.Status.IsTerminal() {
			return errNoChange
		}
		if err := terminalize(&t.Status, orc.StatusFailed); err != nil {
			return err
		}
		t.LastError = cause
		return nil
	})
	if err != nil {
		return err
	}

	steps, err := c.store.ListSteps(ctx, taskID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status.IsTerminal() {
			continue
		}
		if _, err := c.updateStep(ctx, step.ID, cancelStep); err != nil {
			return err
		}
	}

	c.logger.Warn("task failed",
		zap.String("task_id", taskID),
		zap.String("run_id", task.RunID),
		zap.Any("cause", cause))

	if err := c.finalizeRunIfDone(ctx, task.RunID); err != nil {
		return err
	}
	run, err := c.store.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	if run.Status == orc.StatusRunning {
		return c.dispatchTasks(ctx, run)
	}
	return nil
}

// walkToRunning advances an entity status to running through whatever
// intermediate transitions apply.
func walkToRunning(s *orc.Status) error {
	for i := 0; i < 3; i++ {
		if *s == orc.StatusRunning {
			return nil
		}
		switch *s {
		case orc.StatusCreated:
			*s = orc.StatusPending
		case orc.StatusPending:
			*s = orc.StatusRunning
		case orc.StatusRetrying:
			*s = orc.StatusPending
		case orc.StatusPaused:
			*s = orc.StatusResuming
		case orc.StatusResuming:
			*s = orc.StatusRunning
		default:
			return orc.Errorf(orc.KindValidation, "cannot start execution from status %s", *s)
		}
	}
	if *s != orc.StatusRunning {
		return orc.Errorf(orc.KindValidation, "cannot start execution from status %s", *s)
	}
	return nil
}
