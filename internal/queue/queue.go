// Package queue provides the durable, priority-ordered, at-least-once work
// transport between the coordinator and its executors.
//
// Delivery semantics: a claim is an exclusive lease with a visibility
// timeout; an unacked lease lapses and the item is redelivered with its
// retry count incremented. Exhausting retries routes the item to the
// dead-letter store with its diagnostic history instead of dropping it.
//
// The Queue interface is injectable so the engine can run against the
// synchronous in-memory implementation in tests and against JetStream in
// production.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

var (
	// ErrNoWork is returned by Claim when every queue the claimer polls
	// is empty or at its concurrent-lease cap.
	ErrNoWork = errors.New("no work available")

	// ErrLeaseNotHeld is returned by Ack, Nack, and Extend when the lease
	// already expired or was resolved; the item is (or will be) owned by
	// another worker.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// WorkItem is one queued unit of dispatch targeting a run, task, or step.
type WorkItem struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Entity         orc.EntityKind `json:"entity"`
	EntityID       string         `json:"entity_id"`
	Priority       orc.Priority   `json:"priority"`

	// MaxRetries bounds redelivery; zero selects the queue default.
	MaxRetries int `json:"max_retries"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Lease is exclusive, time-bounded ownership of a claimed item. It is the
// single source of mutual exclusion for message ownership: exactly one
// worker holds a live lease for an item at a time.
type Lease struct {
	Item *WorkItem

	// Attempt is the 1-based delivery attempt of this claim.
	Attempt int

	// ExpiresAt is when the lease lapses without an Extend.
	ExpiresAt time.Time

	// handle is implementation state (token or JetStream message).
	handle any
}

// DeadLetter is an item that exhausted its retries, kept with full
// diagnostics for operator inspection and manual re-drive.
type DeadLetter struct {
	Item         *WorkItem `json:"item"`
	Attempts     int       `json:"attempts"`
	ErrorHistory []string  `json:"error_history"`
	DeadAt       time.Time `json:"dead_at"`
}

// Queue is the work transport contract.
type Queue interface {
	// Enqueue appends an item to its priority class. When the class is at
	// its hard depth ceiling the enqueue is rejected with a backpressure
	// taxonomy error; the caller retries with its own backoff.
	Enqueue(ctx context.Context, item *WorkItem) error

	// Claim leases the next available item, respecting priority order
	// across classes and FIFO within one. Returns ErrNoWork when nothing
	// is claimable.
	Claim(ctx context.Context) (*Lease, error)

	// Ack resolves the lease successfully and removes the item.
	Ack(ctx context.Context, lease *Lease) error

	// Nack reports a failed attempt. While retries remain the item is
	// redelivered after an exponential-backoff-with-jitter delay; once
	// they are exhausted it is dead-lettered and Nack returns dead=true
	// so the caller can fail the owning entity.
	Nack(ctx context.Context, lease *Lease, reason error) (dead bool, err error)

	// Terminate resolves the lease by dead-lettering the item immediately,
	// without consuming the remaining retry budget. Callers use this when
	// the failure is known to be permanent and redelivery cannot help.
	Terminate(ctx context.Context, lease *Lease, reason error) error

	// Extend renews the lease's visibility timeout. Long-running steps
	// heartbeat through this to avoid redelivery mid-execution.
	Extend(ctx context.Context, lease *Lease) error

	// Depth reports the queued (unleased plus leased) count per class.
	Depth(ctx context.Context) (map[orc.Priority]int, error)

	// DeadLetters lists dead-lettered items, oldest first.
	DeadLetters(ctx context.Context) ([]*DeadLetter, error)
}
