package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"shoal/chunkkey"
	"shoal/datamodel/job"
	"shoal/datastore/flatfs"
	"shoal/protocol"

	"github.com/stretchr/testify/require"
)

type fakeBackup struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newFakeBackup() *fakeBackup {
	return &fakeBackup{chunks: make(map[string][]byte)}
}

func (f *fakeBackup) PutChunk(ctx context.Context, key chunkkey.Key, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[key.String()] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBackup) DeleteChunks(ctx context.Context, keys []chunkkey.Key) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := f.chunks[k.String()]; ok {
			delete(f.chunks, k.String())
			n++
		}
	}
	return n, nil
}

// fakeQueue is an in-memory JobQueue without leases; good enough for
// exercising the enqueue/drain paths.
type fakeQueue struct {
	mu   sync.Mutex
	next uint64
	jobs map[string][]*job.Job
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string][]*job.Job)}
}

func (f *fakeQueue) Enqueue(ctx context.Context, target string, body []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.jobs[target] = append(f.jobs[target], &job.Job{ID: f.next, Target: target, Body: body})
	return f.next, nil
}

func (f *fakeQueue) Dequeue(ctx context.Context, target string, max int) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.jobs[target]
	if len(pending) > max {
		pending = pending[:max]
	}
	out := make([]*job.Job, len(pending))
	copy(out, pending)
	return out, nil
}

func (f *fakeQueue) Ack(ctx context.Context, target string, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.jobs[target]
	for i, j := range pending {
		if j.ID == id {
			f.jobs[target] = append(pending[:i:i], pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func testNode(t *testing.T, backup Replicator, queue JobQueue, opts Options) *Node {
	t.Helper()

	store, err := flatfs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	node, err := NewNode(store, backup, queue, opts)
	require.NoError(t, err)
	return node
}

func TestPutGetRoundTrip(t *testing.T) {
	node := testNode(t, nil, nil, Options{Role: RolePrimary, Replication: ReplicationNone})

	key := chunkkey.New("alice", "/doc", 0)
	require.NoError(t, node.PutChunk(context.Background(), key, []byte("payload")))

	data, err := node.GetChunk(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestGetMissingChunk(t *testing.T) {
	node := testNode(t, nil, nil, Options{Role: RoleBackup, Replication: ReplicationNone})

	_, err := node.GetChunk(context.Background(), chunkkey.New("alice", "/doc", 0))
	require.True(t, protocol.IsChunkNotFound(err))
}

func TestZeroKeyRejected(t *testing.T) {
	node := testNode(t, nil, nil, Options{Role: RolePrimary, Replication: ReplicationNone})

	var zero chunkkey.Key
	require.True(t, protocol.IsInvalidKey(node.PutChunk(context.Background(), zero, []byte("x"))))
	_, err := node.GetChunk(context.Background(), zero)
	require.True(t, protocol.IsInvalidKey(err))
	_, err = node.DeleteChunks(context.Background(), []chunkkey.Key{zero})
	require.True(t, protocol.IsInvalidKey(err))
}

func TestDirectReplicationOnPut(t *testing.T) {
	backup := newFakeBackup()
	node := testNode(t, backup, nil, Options{Role: RolePrimary, Replication: ReplicationDirect})

	key := chunkkey.New("alice", "/doc", 0)
	require.NoError(t, node.PutChunk(context.Background(), key, []byte("payload")))

	backup.mu.Lock()
	defer backup.mu.Unlock()
	require.Equal(t, []byte("payload"), backup.chunks[key.String()])
}

func TestBackupDoesNotReplicate(t *testing.T) {
	backup := newFakeBackup()
	node := testNode(t, backup, nil, Options{Role: RoleBackup, Replication: ReplicationDirect})

	require.NoError(t, node.PutChunk(context.Background(), chunkkey.New("alice", "/doc", 0), []byte("payload")))

	backup.mu.Lock()
	defer backup.mu.Unlock()
	require.Empty(t, backup.chunks)
}

func TestQueueReplicationOnPut(t *testing.T) {
	queue := newFakeQueue()
	node := testNode(t, nil, queue, Options{Role: RolePrimary, Replication: ReplicationQueue, Channel: "pair-1"})

	key := chunkkey.New("alice", "/doc", 0)
	require.NoError(t, node.PutChunk(context.Background(), key, []byte("payload")))

	jobs, err := queue.Dequeue(context.Background(), "pair-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	payload, err := protocol.DecodeChunkPayload(jobs[0].Body)
	require.NoError(t, err)
	require.Equal(t, key, payload.Key)
	require.Equal(t, []byte("payload"), payload.Data)
}

func TestBackupDrainsQueue(t *testing.T) {
	queue := newFakeQueue()

	primary := testNode(t, nil, queue, Options{Role: RolePrimary, Replication: ReplicationQueue, Channel: "pair-1"})
	backup := testNode(t, nil, queue, Options{Role: RoleBackup, Replication: ReplicationQueue, Channel: "pair-1", PollBatch: 2})

	var keys []chunkkey.Key
	for i := 0; i < 5; i++ {
		key := chunkkey.New("alice", "/doc", i)
		keys = append(keys, key)
		require.NoError(t, primary.PutChunk(context.Background(), key, []byte{byte(i)}))
	}

	// One drain pass applies everything, looping past the batch size.
	require.NoError(t, backup.pollQueue(context.Background()))

	for i, key := range keys {
		data, err := backup.GetChunk(context.Background(), key)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, data)
	}

	// Everything got acked.
	jobs, err := queue.Dequeue(context.Background(), "pair-1", 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestDeleteAlwaysPropagatesDirect(t *testing.T) {
	backup := newFakeBackup()
	// Puts go through the queue, deletes still hit the backup directly.
	node := testNode(t, backup, newFakeQueue(), Options{Role: RolePrimary, Replication: ReplicationQueue, Channel: "pair-1"})

	key := chunkkey.New("alice", "/doc", 0)
	require.NoError(t, node.PutChunk(context.Background(), key, []byte("payload")))
	require.NoError(t, backup.PutChunk(context.Background(), key, []byte("payload")))

	deleted, err := node.DeleteChunks(context.Background(), []chunkkey.Key{key})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	backup.mu.Lock()
	defer backup.mu.Unlock()
	require.Empty(t, backup.chunks)
}

func TestDeleteMissingChunksIdempotent(t *testing.T) {
	node := testNode(t, nil, nil, Options{Role: RolePrimary, Replication: ReplicationNone})

	deleted, err := node.DeleteChunks(context.Background(), []chunkkey.Key{chunkkey.New("alice", "/doc", 0)})
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
}
