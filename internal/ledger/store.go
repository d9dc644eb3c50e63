package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRevisionConflict is returned when a balance CAS write loses a
	// race. The caller re-reads and retries.
	ErrRevisionConflict = errors.New("balance revision conflict")

	// ErrEntryExists is returned by CreateEntry when an entry with the
	// same uniqueness key is already committed.
	ErrEntryExists = errors.New("ledger entry already committed")
)

// Store is the durable layer beneath the ledger service. Implementations
// must make PutBalance a conditional write on Revision and CreateEntry a
// conditional insert on the entry's uniqueness key.
type Store interface {
	// GetBalance returns the org's balance, or a zero balance with
	// Revision 0 when the org has never been stored.
	GetBalance(ctx context.Context, orgID string) (*Balance, error)

	// PutBalance writes b only if the stored revision still equals
	// b.Revision; Revision 0 means "create". On success the stored
	// revision advances. Fails with ErrRevisionConflict on a lost race.
	PutBalance(ctx context.Context, b *Balance) error

	// CreateEntry inserts e unless an entry with the same uniqueness key
	// is already committed, in which case it returns the existing entry
	// and ErrEntryExists.
	CreateEntry(ctx context.Context, e *Entry) (*Entry, error)

	// ListEntries returns all committed entries for a run, oldest first.
	ListEntries(ctx context.Context, runID string) ([]*Entry, error)
}

// MemoryStore is an in-process Store used for single-node deployments and
// tests. The lock spans both balance and entry maps, which gives the
// entry-insert-plus-balance-write pair the same commit-point behavior the
// KV store provides through conditional writes.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  map[string]*Entry // keyed by entryKey
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make(map[string]*Entry),
	}
}

// entryKey derives the uniqueness key for an entry. Charges and refunds
// commit at most once per run, so they key on (run, type) alone.
// Adjustments recur across run retries; their idempotency key joins the
// key so each settlement attempt commits exactly once without colliding
// with earlier attempts.
func entryKey(e *Entry) string {
	if e.Type == TxAdjustment {
		return e.RunID + "/" + string(e.Type) + "/" + e.IdempotencyKey
	}
	return e.RunID + "/" + string(e.Type)
}

func (s *MemoryStore) GetBalance(ctx context.Context, orgID string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[orgID]
	if !ok {
		return &Balance{OrgID: orgID}, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) PutBalance(ctx context.Context, b *Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.balances[b.OrgID]
	switch {
	case !ok && b.Revision != 0:
		return fmt.Errorf("put balance %s: %w", b.OrgID, ErrRevisionConflict)
	case ok && stored.Revision != b.Revision:
		return fmt.Errorf("put balance %s: %w", b.OrgID, ErrRevisionConflict)
	}

	cp := *b
	cp.Revision++
	cp.UpdatedAt = time.Now()
	s.balances[b.OrgID] = &cp
	b.Revision = cp.Revision
	return nil
}

func (s *MemoryStore) CreateEntry(ctx context.Context, e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(e)
	if existing, ok := s.entries[key]; ok {
		cp := *existing
		return &cp, fmt.Errorf("entry %s: %w", key, ErrEntryExists)
	}

	cp := *e
	cp.CreatedAt = time.Now()
	s.entries[key] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, runID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.RunID == runID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
