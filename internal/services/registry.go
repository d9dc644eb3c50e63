package services

import (
	"github.com/fyrsmithlabs/rund/internal/artifact"
	"github.com/fyrsmithlabs/rund/internal/audit"
	"github.com/fyrsmithlabs/rund/internal/engine"
	"github.com/fyrsmithlabs/rund/internal/idempotency"
	"github.com/fyrsmithlabs/rund/internal/ledger"
	"github.com/fyrsmithlabs/rund/internal/queue"
	"github.com/fyrsmithlabs/rund/internal/store"
	"github.com/fyrsmithlabs/rund/internal/tool"
)

// Registry provides access to all rund services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Store() store.Store
	Ledger() ledger.Service
	Queue() queue.Queue
	Coordinator() *engine.Coordinator
	Workers() *engine.WorkerPool
	Monitor() *engine.Monitor
	Tools() *tool.Registry
	Artifacts() artifact.Store
	Audit() audit.Logger
	Idempotency() *idempotency.Cache
}

// Options configures the registry with service instances.
type Options struct {
	Store       store.Store
	Ledger      ledger.Service
	Queue       queue.Queue
	Coordinator *engine.Coordinator
	Workers     *engine.WorkerPool
	Monitor     *engine.Monitor
	Tools       *tool.Registry
	Artifacts   artifact.Store
	Audit       audit.Logger
	Idempotency *idempotency.Cache
}

// registry is the concrete implementation of Registry.
type registry struct {
	store       store.Store
	ledger      ledger.Service
	queue       queue.Queue
	coordinator *engine.Coordinator
	workers     *engine.WorkerPool
	monitor     *engine.Monitor
	tools       *tool.Registry
	artifacts   artifact.Store
	audit       audit.Logger
	idempotency *idempotency.Cache
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		store:       opts.Store,
		ledger:      opts.Ledger,
		queue:       opts.Queue,
		coordinator: opts.Coordinator,
		workers:     opts.Workers,
		monitor:     opts.Monitor,
		tools:       opts.Tools,
		artifacts:   opts.Artifacts,
		audit:       opts.Audit,
		idempotency: opts.Idempotency,
	}
}

func (r *registry) Store() store.Store               { return r.store }
func (r *registry) Ledger() ledger.Service           { return r.ledger }
func (r *registry) Queue() queue.Queue               { return r.queue }
func (r *registry) Coordinator() *engine.Coordinator { return r.coordinator }
func (r *registry) Workers() *engine.WorkerPool      { return r.workers }
func (r *registry) Monitor() *engine.Monitor         { return r.monitor }
func (r *registry) Tools() *tool.Registry            { return r.tools }
func (r *registry) Artifacts() artifact.Store        { return r.artifacts }
func (r *registry) Audit() audit.Logger              { return r.audit }
func (r *registry) Idempotency() *idempotency.Cache  { return r.idempotency }
