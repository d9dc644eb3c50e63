package services

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/rund/internal/idempotency"
	"github.com/fyrsmithlabs/rund/internal/ledger"
	"github.com/fyrsmithlabs/rund/internal/queue"
	"github.com/fyrsmithlabs/rund/internal/store"
	"github.com/fyrsmithlabs/rund/internal/tool"
)

func TestRegistryEmptyAccessors(t *testing.T) {
	reg := NewRegistry(Options{})

	if reg.Store() != nil {
		t.Error("expected nil store")
	}
	if reg.Ledger() != nil {
		t.Error("expected nil ledger")
	}
	if reg.Queue() != nil {
		t.Error("expected nil queue")
	}
	if reg.Coordinator() != nil {
		t.Error("expected nil coordinator")
	}
	if reg.Workers() != nil {
		t.Error("expected nil worker pool")
	}
	if reg.Monitor() != nil {
		t.Error("expected nil monitor")
	}
	if reg.Tools() != nil {
		t.Error("expected nil tool registry")
	}
	if reg.Audit() != nil {
		t.Error("expected nil audit logger")
	}
}

func TestRegistryReturnsInstances(t *testing.T) {
	logger := zaptest.NewLogger(t)

	st := store.NewMemory()
	led, err := ledger.NewService(ledger.NewMemoryStore(), logger)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	q := queue.NewMemory(queue.Config{})
	tools := tool.NewRegistry(tool.Config{}, logger)
	idem := idempotency.New(0, 0)

	reg := NewRegistry(Options{
		Store:       st,
		Ledger:      led,
		Queue:       q,
		Tools:       tools,
		Idempotency: idem,
	})

	if reg.Store() != st {
		t.Error("store mismatch")
	}
	if reg.Ledger() != led {
		t.Error("ledger mismatch")
	}
	if reg.Queue() != q {
		t.Error("queue mismatch")
	}
	if reg.Tools() != tools {
		t.Error("tool registry mismatch")
	}
	if reg.Idempotency() != idem {
		t.Error("idempotency cache mismatch")
	}
}
