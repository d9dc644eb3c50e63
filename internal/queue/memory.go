package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

// Config configures queue behavior shared by the implementations.
type Config struct {
	// MaxDepth is the hard per-class ceiling; enqueues beyond it are
	// rejected with backpressure. Default: 10000.
	MaxDepth int

	// MaxLeases caps concurrent leases per class. Default: 64.
	MaxLeases int

	// Visibility is the lease duration. Default: 30s.
	Visibility time.Duration

	// MaxRetries is the per-item delivery budget when the item does not
	// set its own. Default: 3.
	MaxRetries int

	Retry RetryPolicy
}

// DefaultConfig returns sensible queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:   10000,
		MaxLeases:  64,
		Visibility: 30 * time.Second,
		MaxRetries: 3,
		Retry:      DefaultRetryPolicy(),
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.MaxDepth <= 0 {
		c.MaxDepth = defaults.MaxDepth
	}
	if c.MaxLeases <= 0 {
		c.MaxLeases = defaults.MaxLeases
	}
	if c.Visibility <= 0 {
		c.Visibility = defaults.Visibility
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	c.Retry.ApplyDefaults()
}

// memItem is the queue-internal state wrapped around a WorkItem.
type memItem struct {
	item       *WorkItem
	retryCount int
	notBefore  time.Time
	errs       []string

	token       string
	leaseExpiry time.Time
}

// Memory is a synchronous in-process Queue. Lease expiry is evaluated
// lazily during Claim, so tests drive redelivery deterministically by
// advancing the clock.
type Memory struct {
	cfg Config

	mu      sync.Mutex
	pending map[orc.Priority][]*memItem
	leased  map[string]*memItem
	dead    []*DeadLetter

	nowFn func() time.Time
}

// NewMemory creates an in-memory queue.
func NewMemory(cfg Config) *Memory {
	cfg.ApplyDefaults()
	return &Memory{
		cfg:     cfg,
		pending: make(map[orc.Priority][]*memItem),
		leased:  make(map[string]*memItem),
		nowFn:   time.Now,
	}
}

func (m *Memory) maxRetries(item *WorkItem) int {
	if item.MaxRetries > 0 {
		return item.MaxRetries
	}
	return m.cfg.MaxRetries
}

func (m *Memory) Enqueue(ctx context.Context, item *WorkItem) error {
	if !item.Priority.IsValid() {
		return orc.Errorf(orc.KindValidation, "unknown priority class %q", item.Priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depthLocked(item.Priority) >= m.cfg.MaxDepth {
		return orc.Errorf(orc.KindBackpressure,
			"queue %s at hard ceiling %d", item.Priority, m.cfg.MaxDepth)
	}

	cp := *item
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.EnqueuedAt = m.nowFn()
	m.pending[cp.Priority] = append(m.pending[cp.Priority], &memItem{item: &cp})
	return nil
}

func (m *Memory) Claim(ctx context.Context) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	m.reclaimExpiredLocked(now)

	for _, class := range orc.Priorities() {
		if m.leaseCountLocked(class) >= m.cfg.MaxLeases {
			continue
		}
		queue := m.pending[class]
		for i, mi := range queue {
			if mi.notBefore.After(now) {
				continue
			}
			m.pending[class] = append(queue[:i:i], queue[i+1:]...)

			mi.token = uuid.New().String()
			mi.leaseExpiry = now.Add(m.cfg.Visibility)
			m.leased[mi.token] = mi

			return &Lease{
				Item:      mi.item,
				Attempt:   mi.retryCount + 1,
				ExpiresAt: mi.leaseExpiry,
				handle:    mi.token,
			}, nil
		}
	}
	return nil, ErrNoWork
}

func (m *Memory) Ack(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.heldLocked(lease)
	if err != nil {
		return err
	}
	delete(m.leased, mi.token)
	return nil
}

func (m *Memory) Nack(ctx context.Context, lease *Lease, reason error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.heldLocked(lease)
	if err != nil {
		return false, err
	}
	delete(m.leased, mi.token)
	mi.token = ""
	mi.retryCount++
	if reason != nil {
		mi.errs = append(mi.errs, reason.Error())
	}

	if mi.retryCount >= m.maxRetries(mi.item) {
		m.deadLetterLocked(mi)
		return true, nil
	}

	mi.notBefore = m.nowFn().Add(m.cfg.Retry.Delay(mi.retryCount - 1))
	m.pending[mi.item.Priority] = append(m.pending[mi.item.Priority], mi)
	return false, nil
}

func (m *Memory) Terminate(ctx context.Context, lease *Lease, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.heldLocked(lease)
	if err != nil {
		return err
	}
	delete(m.leased, mi.token)
	mi.token = ""
	mi.retryCount++
	if reason != nil {
		mi.errs = append(mi.errs, reason.Error())
	}
	m.deadLetterLocked(mi)
	return nil
}

func (m *Memory) Extend(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.heldLocked(lease)
	if err != nil {
		return err
	}
	mi.leaseExpiry = m.nowFn().Add(m.cfg.Visibility)
	lease.ExpiresAt = mi.leaseExpiry
	return nil
}

func (m *Memory) Depth(ctx context.Context) (map[orc.Priority]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[orc.Priority]int, 3)
	for _, class := range orc.Priorities() {
		out[class] = m.depthLocked(class)
	}
	return out, nil
}

func (m *Memory) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*DeadLetter, len(m.dead))
	copy(out, m.dead)
	return out, nil
}

// heldLocked resolves a lease to its live item, or ErrLeaseNotHeld if the
// lease expired, was resolved, or was reclaimed.
func (m *Memory) heldLocked(lease *Lease) (*memItem, error) {
	token, _ := lease.handle.(string)
	mi, ok := m.leased[token]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", lease.Item.ID, ErrLeaseNotHeld)
	}
	if m.nowFn().After(mi.leaseExpiry) {
		return nil, fmt.Errorf("item %s: %w", lease.Item.ID, ErrLeaseNotHeld)
	}
	return mi, nil
}

// reclaimExpiredLocked requeues or dead-letters items whose lease lapsed.
func (m *Memory) reclaimExpiredLocked(now time.Time) {
	for token, mi := range m.leased {
		if !now.After(mi.leaseExpiry) {
			continue
		}
		delete(m.leased, token)
		mi.token = ""
		mi.retryCount++
		mi.errs = append(mi.errs, string(orc.KindLeaseExpired))

		if mi.retryCount >= m.maxRetries(mi.item) {
			m.deadLetterLocked(mi)
			continue
		}
		mi.notBefore = now
		m.pending[mi.item.Priority] = append(m.pending[mi.item.Priority], mi)
	}
}

func (m *Memory) deadLetterLocked(mi *memItem) {
	m.dead = append(m.dead, &DeadLetter{
		Item:         mi.item,
		Attempts:     mi.retryCount,
		ErrorHistory: append([]string(nil), mi.errs...),
		DeadAt:       m.nowFn(),
	})
}

func (m *Memory) depthLocked(class orc.Priority) int {
	n := len(m.pending[class])
	for _, mi := range m.leased {
		if mi.item.Priority == class {
			n++
		}
	}
	return n
}

func (m *Memory) leaseCountLocked(class orc.Priority) int {
	n := 0
	for _, mi := range m.leased {
		if mi.item.Priority == class {
			n++
		}
	}
	return n
}
