package orc

// OutcomeKind classifies an executor result. Retry is an explicit result,
// not control flow: workers return an Outcome and the dispatcher decides
// between ack, nack-with-requeue, and dead-letter from it alone.
type OutcomeKind int

const (
	// OutcomeSuccess acks the work item.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeRetryable nacks the item for redelivery with backoff.
	OutcomeRetryable

	// OutcomeTerminal dead-letters the item and fails the owning entity.
	OutcomeTerminal
)

// Outcome is the result of one executor invocation for one work item.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Success returns the ack outcome.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// RetryableFailure returns a nack-with-requeue outcome.
func RetryableFailure(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// TerminalFailure returns a dead-letter outcome.
func TerminalFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTerminal, Err: err}
}

// OutcomeFromError maps a taxonomy error to an outcome: retryable kinds
// requeue, everything else is terminal. A nil error is success.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Success()
	}
	if IsRetryable(err) {
		return RetryableFailure(err)
	}
	return TerminalFailure(err)
}
