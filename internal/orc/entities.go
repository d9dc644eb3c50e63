package orc

import (
	"encoding/json"
	"time"
)

// EntityKind identifies which level of the hierarchy a work item targets.
type EntityKind string

const (
	EntityRun  EntityKind = "run"
	EntityTask EntityKind = "task"
	EntityStep EntityKind = "step"
)

// Run is the top-level unit of submitted work. Runs own their tasks by ID
// only; children point back with a single parent ID. Mutation happens
// exclusively through coordinator state transitions, guarded by the
// optimistic Version field.
type Run struct {
	ID      string `json:"id"`
	OrgID   string `json:"org_id"`
	OwnerID string `json:"owner_id"`

	// Spec is the submitted task specification text.
	Spec string `json:"spec"`

	// Priority is the queue class every work item of this run is
	// dispatched under.
	Priority Priority `json:"priority"`

	Status      Status `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`

	// MaxAgents bounds parallel tasks within this run.
	MaxAgents int `json:"max_agents"`

	// WallClockBudget and TokenBudget bound total execution. Exceeding
	// either cancels the run with a budget_exceeded terminal reason.
	WallClockBudget time.Duration `json:"wall_clock_budget"`
	TokenBudget     int64         `json:"token_budget"`

	CreditsReserved int64 `json:"credits_reserved"`
	CreditsCharged  int64 `json:"credits_charged"`
	CreditsRefunded int64 `json:"credits_refunded"`

	TaskIDs   []string   `json:"task_ids,omitempty"`
	LastError *ErrorInfo `json:"last_error,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is one decomposed sub-unit of a run, e.g. a single parallel research
// agent. Seq orders tasks deterministically for result merge.
type Task struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Seq   int    `json:"seq"`

	// Title is a short human-readable description from the planner.
	Title string `json:"title"`

	Status      Status `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`

	StepIDs   []string   `json:"step_ids,omitempty"`
	LastError *ErrorInfo `json:"last_error,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is a single tool invocation within a task.
type Step struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Seq    int    `json:"seq"`

	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	Status      Status `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`

	LastError *ErrorInfo `json:"last_error,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact references an immutable output blob produced by a run. The
// content lives in artifact storage; this record is write-once.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Hash      string    `json:"hash"`
	Ref       string    `json:"ref"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
