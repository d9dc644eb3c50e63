// Package idempotency provides a bounded TTL cache mapping caller-supplied
// idempotency keys to previously computed results.
//
// Every mutating inbound request (create, start, cancel, retry) passes
// through Do: a repeated key within the TTL returns the cached result
// without re-executing side effects. This guards the request layer;
// financial exactly-once lives in the ledger's storage constraint and does
// not depend on client keys.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL bounds how long a computed result is replayed for its key.
const DefaultTTL = 24 * time.Hour

// DefaultMaxEntries bounds cache memory.
const DefaultMaxEntries = 16384

var (
	// ErrEmptyKey is returned when a mutating request omits its key.
	ErrEmptyKey = errors.New("idempotency key is required")
)

// result is a memoized outcome: the value and error exactly as the first
// execution produced them.
type result struct {
	value any
	err   error
}

// call tracks an in-flight execution so concurrent duplicates wait for the
// first instead of executing again.
type call struct {
	done chan struct{}
	res  result
}

// Cache memoizes request results by idempotency key.
type Cache struct {
	lru *expirable.LRU[string, result]

	mu       sync.Mutex
	inflight map[string]*call
}

// New creates a cache holding up to maxEntries results for ttl each.
// Zero values select the defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru:      expirable.NewLRU[string, result](maxEntries, nil, ttl),
		inflight: make(map[string]*call),
	}
}

// Do executes fn at most once per key within the TTL. The second return
// reports whether the result was served from cache (or from a concurrent
// in-flight execution) rather than computed here.
//
// Context cancellation is never memoized: a caller that gave up does not
// poison the key for the retry that follows.
func (c *Cache) Do(ctx context.Context, key string, fn func() (any, error)) (any, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	c.mu.Lock()
	if res, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		return res.value, true, res.err
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.res.value, true, cl.res.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	value, err := fn()
	cl.res = result{value: value, err: err}

	c.mu.Lock()
	delete(c.inflight, key)
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.lru.Add(key, cl.res)
	}
	c.mu.Unlock()
	close(cl.done)

	return value, false, err
}

// Get returns the memoized result for key, if present and unexpired.
func (c *Cache) Get(key string) (any, error, bool) {
	res, ok := c.lru.Get(key)
	if !ok {
		return nil, nil, false
	}
	return res.value, res.err, true
}

// Len returns the number of live cached results.
func (c *Cache) Len() int {
	return c.lru.Len()
}
