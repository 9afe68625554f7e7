package queue

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"shoal/client"
	"shoal/datastore/jobqueue"

	"github.com/stretchr/testify/require"
)

func startQueue(t *testing.T) string {
	t.Helper()

	store, err := jobqueue.Open(filepath.Join(t.TempDir(), "jobs"), jobqueue.DefaultLease)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewService(store).Run(ctx, l)

	return l.Addr().String()
}

func TestQueueOverRPC(t *testing.T) {
	addr := startQueue(t)
	qc := client.NewQueueClient(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id1, err := qc.Enqueue(ctx, "pair-1", []byte("first"))
	require.NoError(t, err)
	id2, err := qc.Enqueue(ctx, "pair-1", []byte("second"))
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	// Another channel stays isolated.
	_, err = qc.Enqueue(ctx, "pair-2", []byte("other"))
	require.NoError(t, err)

	jobs, err := qc.Dequeue(ctx, "pair-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, []byte("first"), jobs[0].Body)
	require.Equal(t, []byte("second"), jobs[1].Body)

	// Leased jobs are invisible until acked or expired.
	again, err := qc.Dequeue(ctx, "pair-1", 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, qc.Ack(ctx, "pair-1", id1))
	require.NoError(t, qc.Ack(ctx, "pair-1", id2))
	// Re-acking is harmless.
	require.NoError(t, qc.Ack(ctx, "pair-1", id1))

	other, err := qc.Dequeue(ctx, "pair-2", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, []byte("other"), other[0].Body)
}
