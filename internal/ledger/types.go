package ledger

import "time"

// TxType is the transaction type of a ledger entry. Together with the run
// ID it forms the uniqueness key for exactly-once billing.
type TxType string

const (
	// TxCharge moves reserved credits into a balance decrement.
	TxCharge TxType = "charge"

	// TxRefund returns already-charged credits to the balance.
	TxRefund TxType = "refund"

	// TxAdjustment is a supplemental settlement, e.g. the incremental
	// consumption of a retried run that already carries a charge entry.
	TxAdjustment TxType = "adjustment"
)

// Balance is the per-org credit position. Available credits are derived:
// balance minus reserved, and must never go negative.
type Balance struct {
	OrgID    string `json:"org_id"`
	Balance  int64  `json:"balance"`
	Reserved int64  `json:"reserved"`

	// Revision guards compare-and-swap writes. Zero means the record has
	// never been stored.
	Revision uint64 `json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the credits not currently reserved.
func (b *Balance) Available() int64 {
	return b.Balance - b.Reserved
}

// Entry is one append-only financial fact. Entries are never updated or
// deleted after commit.
type Entry struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	OrgID          string    `json:"org_id"`
	Type           TxType    `json:"type"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
