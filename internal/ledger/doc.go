// Package ledger provides credit accounting for runs: balance reservation,
// charging, and refunds, backed by an append-only entry log.
//
// Two guarantees hold regardless of delivery semantics upstream:
//
//   - Balance mutations are atomic. Every mutation is a compare-and-swap on
//     the balance record's revision, retried on conflict, so concurrent
//     workers never lose updates.
//   - Committing is exactly-once. At most one committed entry exists per
//     (run ID, transaction type) pair; a duplicate commit attempt finds the
//     existing entry, skips the balance mutation, and returns it.
package ledger
