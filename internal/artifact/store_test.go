package artifact

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Hour)

	art, err := s.Put(ctx, "run-1", []byte("report body"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", art.RunID)
	assert.Equal(t, int64(11), art.Size)
	assert.Len(t, art.Hash, 64)

	content, record, err := s.Get(ctx, art.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("report body"), content)
	assert.Equal(t, art.Hash, record.Hash)
}

func TestMemoryGetMissing(t *testing.T) {
	_, _, err := NewMemory(0).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRejectsEmptyContent(t *testing.T) {
	_, err := NewMemory(0).Put(context.Background(), "run-1", nil)
	assert.Equal(t, orc.KindValidation, orc.KindOf(err))
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Nanosecond)

	art, err := s.Put(ctx, "run-1", []byte("stale"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = s.Get(ctx, art.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestObjectStorePutGet(t *testing.T) {
	ctx := context.Background()
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)

	s, err := NewObjectStore(js, time.Hour)
	require.NoError(t, err)

	art, err := s.Put(ctx, "run-1", []byte("slide deck bytes"))
	require.NoError(t, err)
	assert.Contains(t, art.Ref, "obj://")

	content, record, err := s.Get(ctx, art.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("slide deck bytes"), content)
	assert.Equal(t, art.Hash, record.Hash)
	assert.Equal(t, "run-1", record.RunID)

	_, _, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
