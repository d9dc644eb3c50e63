package orc

// Status is the lifecycle state shared by Run, Task, and Step.
//
// The state machine is:
//
//	created → pending → running → {completed | failed | paused | cancelled}
//	failed  → retrying → pending
//	paused  → resuming → running
//
// Terminal states are completed, failed (retries exhausted), and cancelled.
// Any non-terminal state may transition to cancelled.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
	StatusResuming  Status = "resuming"
)

// transitions is the allowed-transition table. Cancellation from any
// non-terminal state is handled in CanTransition rather than listed here.
var transitions = map[Status][]Status{
	StatusCreated:  {StatusPending},
	StatusPending:  {StatusRunning},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusPaused},
	StatusFailed:   {StatusRetrying},
	StatusRetrying: {StatusPending},
	StatusPaused:   {StatusResuming},
	StatusResuming: {StatusRunning},
}

// IsTerminal reports whether s is a terminal state. No transition leaves a
// terminal state, including cancellation.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusRunning, StatusCompleted,
		StatusFailed, StatusPaused, StatusCancelled, StatusRetrying, StatusResuming:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from s to
// target. Cancellation is allowed from every non-terminal state. A failed
// entity may move to retrying; whether attempts remain is the coordinator's
// check, not the state machine's.
func (s Status) CanTransition(target Status) bool {
	if s == StatusFailed && target == StatusRetrying {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if target == StatusCancelled {
		return true
	}
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}
