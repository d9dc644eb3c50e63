package orc

// Priority is a queue priority class. Within a class delivery is FIFO;
// across classes higher priority always dispatches first, so there is no
// global ordering.
type Priority string

const (
	// PriorityInteractive is user-triggered run-level work.
	PriorityInteractive Priority = "interactive"

	// PriorityStandard is task- and step-level work spawned by a run.
	PriorityStandard Priority = "standard"

	// PriorityBatch is background work (artifact sweeps, re-drives).
	PriorityBatch Priority = "batch"
)

// Priorities returns all classes from highest to lowest. Dispatchers poll
// in this order.
func Priorities() []Priority {
	return []Priority{PriorityInteractive, PriorityStandard, PriorityBatch}
}

// Order returns the numeric rank of p, lower is more urgent. Unknown
// classes sort last.
func (p Priority) Order() int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityStandard:
		return 1
	case PriorityBatch:
		return 2
	}
	return 3
}

// IsValid reports whether p names a known class.
func (p Priority) IsValid() bool {
	return p.Order() < 3
}
