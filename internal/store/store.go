// Package store persists the Run/Task/Step/Artifact hierarchy.
//
// Storage is arena-style: parents hold child ID slices and children hold a
// single parent ID, so there are no object cycles and every record
// serializes flatly. Writes use optimistic concurrency: every entity
// carries a Version that must match the stored one, and a successful
// update increments it.
package store

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

var (
	// ErrNotFound is returned when no entity exists for the given ID.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when an update's Version does not
	// match the stored entity. The caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists is returned when creating an entity whose ID is
	// already present. Artifacts are write-once, so this also guards
	// against artifact mutation.
	ErrAlreadyExists = errors.New("entity already exists")
)

// Store is the persistence boundary for the orchestration hierarchy.
type Store interface {
	CreateRun(ctx context.Context, run *orc.Run) error
	GetRun(ctx context.Context, id string) (*orc.Run, error)
	// UpdateRun applies an optimistic-concurrency write: it fails with
	// ErrVersionConflict unless run.Version matches the stored version,
	// and increments the version on success.
	UpdateRun(ctx context.Context, run *orc.Run) error
	// ListRuns returns all runs, oldest first. The budget monitor scans
	// this; run counts are small relative to tasks and steps.
	ListRuns(ctx context.Context) ([]*orc.Run, error)

	CreateTask(ctx context.Context, task *orc.Task) error
	GetTask(ctx context.Context, id string) (*orc.Task, error)
	UpdateTask(ctx context.Context, task *orc.Task) error
	// ListTasks returns the run's tasks ordered by sequence number.
	ListTasks(ctx context.Context, runID string) ([]*orc.Task, error)

	CreateStep(ctx context.Context, step *orc.Step) error
	GetStep(ctx context.Context, id string) (*orc.Step, error)
	UpdateStep(ctx context.Context, step *orc.Step) error
	// ListSteps returns the task's steps ordered by sequence number.
	ListSteps(ctx context.Context, taskID string) ([]*orc.Step, error)

	// PutArtifact records a write-once artifact reference. A second put
	// with the same ID fails with ErrAlreadyExists.
	PutArtifact(ctx context.Context, art *orc.Artifact) error
	GetArtifact(ctx context.Context, id string) (*orc.Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]*orc.Artifact, error)
}
