// Package artifact stores immutable output blobs produced by runs.
//
// Content is written once and addressed by ID; the returned record carries
// the SHA-256 content hash, the storage reference, and the size. Records
// never mutate after creation. Expired content is reclaimed by Sweep.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

// ErrNotFound is returned when no artifact exists for the given ID.
var ErrNotFound = errors.New("artifact not found")

// DefaultTTL is how long artifact content is retained.
const DefaultTTL = 30 * 24 * time.Hour

// Store is the write-once artifact collaborator boundary.
type Store interface {
	// Put stores content for a run and returns the immutable record.
	Put(ctx context.Context, runID string, content []byte) (*orc.Artifact, error)

	// Get returns the content and record for an artifact ID.
	Get(ctx context.Context, id string) ([]byte, *orc.Artifact, error)

	// Sweep removes expired artifacts and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// hashContent returns the hex SHA-256 of content.
func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Memory is an in-process Store for single-node deployments and tests.
type Memory struct {
	ttl time.Duration

	mu      sync.RWMutex
	blobs   map[string][]byte
	records map[string]*orc.Artifact
}

// NewMemory creates an in-memory artifact store. A non-positive ttl
// selects the default.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		blobs:   make(map[string][]byte),
		records: make(map[string]*orc.Artifact),
	}
}

func (m *Memory) Put(ctx context.Context, runID string, content []byte) (*orc.Artifact, error) {
	if len(content) == 0 {
		return nil, orc.Errorf(orc.KindValidation, "artifact content is empty")
	}

	id := uuid.New().String()
	now := time.Now()
	art := &orc.Artifact{
		ID:        id,
		RunID:     runID,
		Hash:      hashContent(content),
		Ref:       "mem://" + id,
		Size:      int64(len(content)),
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = append([]byte(nil), content...)
	cp := *art
	m.records[id] = &cp
	return art, nil
}

func (m *Memory) Get(ctx context.Context, id string) ([]byte, *orc.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	cp := *record
	return append([]byte(nil), m.blobs[id]...), &cp, nil
}

func (m *Memory) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, record := range m.records {
		if record.ExpiresAt.Before(now) {
			delete(m.records, id)
			delete(m.blobs, id)
			removed++
		}
	}
	return removed, nil
}
