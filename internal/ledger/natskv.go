package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	balanceBucket = "rund_ledger_balances"
	entryBucket   = "rund_ledger_entries"
)

// KVStore is a Store backed by two JetStream Key-Value buckets: one for
// balances, one for entries. Revision-checked updates give balances their
// CAS semantics, and Create-only writes give entries their uniqueness
// constraint, so both ledger guarantees hold across processes.
type KVStore struct {
	balances nats.KeyValue
	entries  nats.KeyValue
}

// NewKVStore binds to the ledger buckets, creating them if absent.
func NewKVStore(js nats.JetStreamContext) (*KVStore, error) {
	balances, err := ensureBucket(js, balanceBucket)
	if err != nil {
		return nil, fmt.Errorf("ensure balance bucket: %w", err)
	}
	entries, err := ensureBucket(js, entryBucket)
	if err != nil {
		return nil, fmt.Errorf("ensure entry bucket: %w", err)
	}
	return &KVStore{balances: balances, entries: entries}, nil
}

func ensureBucket(js nats.JetStreamContext, name string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  name,
		History: 1,
	})
}

func (s *KVStore) GetBalance(ctx context.Context, orgID string) (*Balance, error) {
	entry, err := s.balances.Get(orgID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return &Balance{OrgID: orgID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", orgID, err)
	}

	var b Balance
	if err := json.Unmarshal(entry.Value(), &b); err != nil {
		return nil, fmt.Errorf("decode balance %s: %w", orgID, err)
	}
	b.Revision = entry.Revision()
	return &b, nil
}

func (s *KVStore) PutBalance(ctx context.Context, b *Balance) error {
	b.UpdatedAt = time.Now()
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance %s: %w", b.OrgID, err)
	}

	var rev uint64
	if b.Revision == 0 {
		rev, err = s.balances.Create(b.OrgID, data)
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("put balance %s: %w", b.OrgID, ErrRevisionConflict)
		}
	} else {
		rev, err = s.balances.Update(b.OrgID, data, b.Revision)
		if err != nil {
			// A revision mismatch is the only expected failure here;
			// callers re-read and retry, so persistent transport errors
			// still surface after the retry budget.
			return fmt.Errorf("put balance %s: %w: %w", b.OrgID, ErrRevisionConflict, err)
		}
	}
	if err != nil {
		return fmt.Errorf("put balance %s: %w", b.OrgID, err)
	}
	b.Revision = rev
	return nil
}

func (s *KVStore) CreateEntry(ctx context.Context, e *Entry) (*Entry, error) {
	cp := *e
	cp.CreatedAt = time.Now()
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	key := entryKey(e)
	if _, err := s.entries.Create(key, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			existing, getErr := s.getEntry(key)
			if getErr != nil {
				return nil, fmt.Errorf("load committed entry %s: %w", key, getErr)
			}
			return existing, fmt.Errorf("entry %s: %w", key, ErrEntryExists)
		}
		return nil, fmt.Errorf("create entry %s: %w", key, err)
	}
	return &cp, nil
}

func (s *KVStore) getEntry(key string) (*Entry, error) {
	kve, err := s.entries.Get(key)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *KVStore) ListEntries(ctx context.Context, runID string) ([]*Entry, error) {
	keys, err := s.entries.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list entry keys: %w", err)
	}

	prefix := runID + "/"
	var out []*Entry
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		e, err := s.getEntry(key)
		if err != nil {
			return nil, fmt.Errorf("load entry %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}
