package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

func TestMemoryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	run := &orc.Run{ID: uuid.New().String(), OrgID: "org-1", Status: orc.StatusCreated}
	require.NoError(t, m.CreateRun(ctx, run))
	assert.Equal(t, int64(1), run.Version)

	// Duplicate create fails.
	err := m.CreateRun(ctx, &orc.Run{ID: run.ID})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := m.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, orc.StatusCreated, got.Status)

	got.Status = orc.StatusPending
	require.NoError(t, m.UpdateRun(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	_, err = m.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryVersionConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	run := &orc.Run{ID: "run-1", Status: orc.StatusCreated}
	require.NoError(t, m.CreateRun(ctx, run))

	a, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	b, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)

	a.Status = orc.StatusPending
	require.NoError(t, m.UpdateRun(ctx, a))

	// The second reader holds a stale version.
	b.Status = orc.StatusCancelled
	err = m.UpdateRun(ctx, b)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	run := &orc.Run{ID: "run-1", Status: orc.StatusCreated, TaskIDs: []string{"t1"}}
	require.NoError(t, m.CreateRun(ctx, run))

	got, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	got.Status = orc.StatusFailed
	got.TaskIDs[0] = "mutated"

	fresh, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, orc.StatusCreated, fresh.Status)
	assert.Equal(t, "t1", fresh.TaskIDs[0])
}

func TestMemoryListTasksOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, seq := range []int{2, 0, 1} {
		task := &orc.Task{ID: uuid.New().String(), RunID: "run-1", Seq: seq, Status: orc.StatusCreated}
		require.NoError(t, m.CreateTask(ctx, task))
	}

	tasks, err := m.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, i, task.Seq)
	}
}

func TestMemoryListStepsOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, seq := range []int{1, 0} {
		step := &orc.Step{ID: uuid.New().String(), TaskID: "task-1", Seq: seq, Tool: "web_search"}
		require.NoError(t, m.CreateStep(ctx, step))
	}

	steps, err := m.ListSteps(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].Seq)
	assert.Equal(t, 1, steps[1].Seq)
}

func TestMemoryArtifactWriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	art := &orc.Artifact{ID: "art-1", RunID: "run-1", Hash: "abc", Size: 42}
	require.NoError(t, m.PutArtifact(ctx, art))

	// A second put with the same ID must fail: artifacts never mutate.
	err := m.PutArtifact(ctx, &orc.Artifact{ID: "art-1", RunID: "run-1", Hash: "def"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := m.GetArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Hash)

	arts, err := m.ListArtifacts(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, arts, 1)
}
