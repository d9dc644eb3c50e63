package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/orc"
	"github.com/fyrsmithlabs/rund/internal/queue"
)

// WorkerConfig holds worker pool tunables.
type WorkerConfig struct {
	// InitialWorkers is the pool size at startup; the monitor scales it
	// between its floor and ceiling afterwards.
	InitialWorkers int `koanf:"initial_workers"`

	// PollInterval is the idle sleep between empty claims.
	PollInterval time.Duration `koanf:"poll_interval"`

	// Heartbeat is the lease extension period for in-flight items. It
	// must be shorter than the queue's visibility timeout.
	Heartbeat time.Duration `koanf:"heartbeat"`
}

// DefaultWorkerConfig returns the worker pool defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		InitialWorkers: 4,
		PollInterval:   100 * time.Millisecond,
		Heartbeat:      10 * time.Second,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *WorkerConfig) ApplyDefaults() {
	def := DefaultWorkerConfig()
	if c.InitialWorkers <= 0 {
		c.InitialWorkers = def.InitialWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = def.Heartbeat
	}
}

// WorkerPool drives the queue: each worker claims items, heartbeats the
// lease while the coordinator advances the entity, and resolves the lease
// from the outcome. The pool resizes live through SetCount.
type WorkerPool struct {
	cfg    WorkerConfig
	queue  queue.Queue
	coord  *Coordinator
	logger *zap.Logger

	mu      sync.Mutex
	base    context.Context
	cancels []context.CancelFunc
	wg      sync.WaitGroup

	itemsProcessed metric.Int64Counter
	workerGauge    metric.Int64UpDownCounter
}

// NewWorkerPool creates a stopped pool; Start launches the initial workers.
func NewWorkerPool(cfg WorkerConfig, q queue.Queue, coord *Coordinator, logger *zap.Logger) *WorkerPool {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		cfg:    cfg,
		queue:  q,
		coord:  coord,
		logger: logger,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	p.itemsProcessed, err = meter.Int64Counter(
		"rund.worker.items_total",
		metric.WithDescription("Total work items processed, by resolution"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		logger.Warn("failed to create items counter", zap.Error(err))
	}
	p.workerGauge, err = meter.Int64UpDownCounter(
		"rund.worker.pool_size",
		metric.WithDescription("Current worker pool size"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		logger.Warn("failed to create pool size gauge", zap.Error(err))
	}
	return p
}

// Start launches the initial workers under ctx. Cancelling ctx drains the
// pool; in-flight items finish their current execution first.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
	p.SetCount(p.cfg.InitialWorkers)
}

// SetCount resizes the pool. Scaling down cancels the newest workers;
// each finishes its in-flight item before exiting.
func (p *WorkerPool) SetCount(n int) {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base == nil {
		return
	}

	for len(p.cancels) < n {
		ctx, cancel := context.WithCancel(p.base)
		p.cancels = append(p.cancels, cancel)
		id := len(p.cancels)
		p.wg.Add(1)
		p.workerGauge.Add(ctx, 1)
		go p.worker(ctx, id)
	}
	for len(p.cancels) > n {
		last := len(p.cancels) - 1
		p.cancels[last]()
		p.cancels = p.cancels[:last]
		p.workerGauge.Add(context.Background(), -1)
	}
}

// Count returns the current pool size.
func (p *WorkerPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Stop drains the pool and waits for in-flight items to resolve.
func (p *WorkerPool) Stop() {
	p.SetCount(0)
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.logger.With(zap.Int("worker", id))
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		lease, err := p.queue.Claim(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoWork) {
				p.sleep(ctx, p.cfg.PollInterval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("claim failed", zap.Error(err))
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.process(ctx, log, lease)
	}
}

// process executes one claimed item under a heartbeat and resolves the
// lease from the outcome.
func (p *WorkerPool) process(ctx context.Context, log *zap.Logger, lease *queue.Lease) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, log, lease)
	}()

	outcome := p.coord.Execute(ctx, lease)

	stopHeartbeat()
	<-hbDone

	item := lease.Item
	switch outcome.Kind {
	case orc.OutcomeSuccess:
		if err := p.queue.Ack(ctx, lease); err != nil {
			// A lapsed lease means the item will be redelivered; the
			// executors dedup the replay.
			log.Warn("ack failed",
				zap.String("item_id", item.ID),
				zap.Error(err))
		}
		p.itemsProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resolution", "ack")))

	case orc.OutcomeTerminal:
		if err := p.queue.Terminate(ctx, lease, outcome.Err); err != nil {
			log.Warn("terminate failed",
				zap.String("item_id", item.ID),
				zap.Error(err))
			return
		}
		p.itemsProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resolution", "dead_letter")))
		log.Warn("item dead-lettered",
			zap.String("item_id", item.ID),
			zap.String("entity", string(item.Entity)),
			zap.String("entity_id", item.EntityID))
		if err := p.coord.FailFromQueue(ctx, item, outcome.Err); err != nil {
			log.Error("failed to finalize dead-lettered entity",
				zap.String("entity_id", item.EntityID),
				zap.Error(err))
		}

	case orc.OutcomeRetryable:
		dead, err := p.queue.Nack(ctx, lease, outcome.Err)
		if err != nil {
			log.Warn("nack failed",
				zap.String("item_id", item.ID),
				zap.Error(err))
			return
		}
		if dead {
			p.itemsProcessed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("resolution", "dead_letter")))
			log.Warn("item dead-lettered",
				zap.String("item_id", item.ID),
				zap.String("entity", string(item.Entity)),
				zap.String("entity_id", item.EntityID))
			if err := p.coord.FailFromQueue(ctx, item, outcome.Err); err != nil {
				log.Error("failed to finalize dead-lettered entity",
					zap.String("entity_id", item.EntityID),
					zap.Error(err))
			}
			return
		}
		p.itemsProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resolution", "nack")))
	}
}

// heartbeat extends the lease periodically until stopped. Losing the lease
// stops the heartbeat; the execution's eventual ack will fail and the item
// redelivers.
func (p *WorkerPool) heartbeat(ctx context.Context, log *zap.Logger, lease *queue.Lease) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, lease); err != nil {
				if !errors.Is(err, queue.ErrLeaseNotHeld) && ctx.Err() == nil {
					log.Warn("lease extension failed",
						zap.String("item_id", lease.Item.ID),
						zap.Error(err))
				}
				return
			}
		}
	}
}

func (p *WorkerPool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
