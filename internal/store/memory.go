package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

// Memory is an in-process Store backed by maps. It is the default store for
// single-node deployments and the deterministic double for engine tests.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]*orc.Run
	tasks     map[string]*orc.Task
	steps     map[string]*orc.Step
	artifacts map[string]*orc.Artifact
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]*orc.Run),
		tasks:     make(map[string]*orc.Task),
		steps:     make(map[string]*orc.Step),
		artifacts: make(map[string]*orc.Artifact),
	}
}

func (m *Memory) CreateRun(ctx context.Context, run *orc.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("create run %s: %w", run.ID, ErrAlreadyExists)
	}
	run.Version = 1
	run.UpdatedAt = time.Now()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*orc.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (m *Memory) UpdateRun(ctx context.Context, run *orc.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("update run %s: %w", run.ID, ErrNotFound)
	}
	if stored.Version != run.Version {
		return fmt.Errorf("update run %s: have v%d want v%d: %w",
			run.ID, run.Version, stored.Version, ErrVersionConflict)
	}
	run.Version++
	run.UpdatedAt = time.Now()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *Memory) ListRuns(ctx context.Context) ([]*orc.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*orc.Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateTask(ctx context.Context, task *orc.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("create task %s: %w", task.ID, ErrAlreadyExists)
	}
	task.Version = 1
	task.UpdatedAt = time.Now()
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*orc.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return cloneTask(task), nil
}

func (m *Memory) UpdateTask(ctx context.Context, task *orc.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("update task %s: %w", task.ID, ErrNotFound)
	}
	if stored.Version != task.Version {
		return fmt.Errorf("update task %s: have v%d want v%d: %w",
			task.ID, task.Version, stored.Version, ErrVersionConflict)
	}
	task.Version++
	task.UpdatedAt = time.Now()
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *Memory) ListTasks(ctx context.Context, runID string) ([]*orc.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*orc.Task
	for _, task := range m.tasks {
		if task.RunID == runID {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) CreateStep(ctx context.Context, step *orc.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.steps[step.ID]; ok {
		return fmt.Errorf("create step %s: %w", step.ID, ErrAlreadyExists)
	}
	step.Version = 1
	step.UpdatedAt = time.Now()
	m.steps[step.ID] = cloneStep(step)
	return nil
}

func (m *Memory) GetStep(ctx context.Context, id string) (*orc.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	step, ok := m.steps[id]
	if !ok {
		return nil, fmt.Errorf("get step %s: %w", id, ErrNotFound)
	}
	return cloneStep(step), nil
}

func (m *Memory) UpdateStep(ctx context.Context, step *orc.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.steps[step.ID]
	if !ok {
		return fmt.Errorf("update step %s: %w", step.ID, ErrNotFound)
	}
	if stored.Version != step.Version {
		return fmt.Errorf("update step %s: have v%d want v%d: %w",
			step.ID, step.Version, stored.Version, ErrVersionConflict)
	}
	step.Version++
	step.UpdatedAt = time.Now()
	m.steps[step.ID] = cloneStep(step)
	return nil
}

func (m *Memory) ListSteps(ctx context.Context, taskID string) ([]*orc.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*orc.Step
	for _, step := range m.steps {
		if step.TaskID == taskID {
			out = append(out, cloneStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) PutArtifact(ctx context.Context, art *orc.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.artifacts[art.ID]; ok {
		return fmt.Errorf("put artifact %s: %w", art.ID, ErrAlreadyExists)
	}
	cp := *art
	m.artifacts[art.ID] = &cp
	return nil
}

func (m *Memory) GetArtifact(ctx context.Context, id string) (*orc.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	art, ok := m.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("get artifact %s: %w", id, ErrNotFound)
	}
	cp := *art
	return &cp, nil
}

func (m *Memory) ListArtifacts(ctx context.Context, runID string) ([]*orc.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*orc.Artifact
	for _, art := range m.artifacts {
		if art.RunID == runID {
			cp := *art
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneRun(run *orc.Run) *orc.Run {
	cp := *run
	cp.TaskIDs = append([]string(nil), run.TaskIDs...)
	if run.LastError != nil {
		le := *run.LastError
		cp.LastError = &le
	}
	return &cp
}

func cloneTask(task *orc.Task) *orc.Task {
	cp := *task
	cp.StepIDs = append([]string(nil), task.StepIDs...)
	if task.LastError != nil {
		le := *task.LastError
		cp.LastError = &le
	}
	return &cp
}

func cloneStep(step *orc.Step) *orc.Step {
	cp := *step
	cp.Input = append([]byte(nil), step.Input...)
	cp.Output = append([]byte(nil), step.Output...)
	if step.LastError != nil {
		le := *step.LastError
		cp.LastError = &le
	}
	return &cp
}
