package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

// TaskPlan describes one decomposed sub-unit of a run.
type TaskPlan struct {
	Title string `json:"title"`
}

// StepPlan describes one tool invocation within a task.
type StepPlan struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Planner decomposes a submitted run specification into tasks and steps.
// The run executor calls PlanTasks once per run; the task executor calls
// PlanSteps once per task. Both must be deterministic for a given run so
// that redelivered work items replan identically.
type Planner interface {
	// EstimateCredits prices the run before execution. The coordinator
	// reserves this amount before the run is admitted to the queue.
	EstimateCredits(ctx context.Context, run *orc.Run) (int64, error)

	PlanTasks(ctx context.Context, run *orc.Run) ([]TaskPlan, error)

	PlanSteps(ctx context.Context, run *orc.Run, task *orc.Task) ([]StepPlan, error)
}

// StaticPlanner splits the run spec on newlines: each non-empty line
// becomes one task, and each task gets a fixed tool pipeline. It is the
// default planner for deployments that submit pre-decomposed specs, and
// the deterministic planner used throughout the engine tests.
type StaticPlanner struct {
	// Pipeline is the tool sequence every task executes, in order.
	// Empty defaults to a single "execute" step.
	Pipeline []string

	// CostPerStep prices one planned step, in credits.
	CostPerStep int64
}

// DefaultCostPerStep is the per-step credit price when the planner is not
// configured with one.
const DefaultCostPerStep = 10

func (p *StaticPlanner) costPerStep() int64 {
	if p.CostPerStep > 0 {
		return p.CostPerStep
	}
	return DefaultCostPerStep
}

func (p *StaticPlanner) pipeline() []string {
	if len(p.Pipeline) > 0 {
		return p.Pipeline
	}
	return []string{"execute"}
}

func (p *StaticPlanner) lines(run *orc.Run) []string {
	var out []string
	for _, line := range strings.Split(run.Spec, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = []string{run.Spec}
	}
	return out
}

func (p *StaticPlanner) EstimateCredits(ctx context.Context, run *orc.Run) (int64, error) {
	steps := int64(len(p.lines(run)) * len(p.pipeline()))
	return steps * p.costPerStep(), nil
}

func (p *StaticPlanner) PlanTasks(ctx context.Context, run *orc.Run) ([]TaskPlan, error) {
	var out []TaskPlan
	for _, line := range p.lines(run) {
		out = append(out, TaskPlan{Title: line})
	}
	return out, nil
}

func (p *StaticPlanner) PlanSteps(ctx context.Context, run *orc.Run, task *orc.Task) ([]StepPlan, error) {
	input, err := json.Marshal(map[string]string{"task": task.Title})
	if err != nil {
		return nil, err
	}
	var out []StepPlan
	for _, tool := range p.pipeline() {
		out = append(out, StepPlan{Tool: tool, Input: input})
	}
	return out, nil
}
