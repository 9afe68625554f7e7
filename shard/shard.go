// Package shard implements a storage node. A shard keeps chunks in a local
// blob store and serves them over RPC. A primary additionally propagates
// writes to its backup, either by calling the backup directly or by parking
// a replication job on the durable queue; the backup drains that queue on a
// timer.
package shard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"shoal/chunkkey"
	"shoal/datamodel/blob"
	"shoal/datamodel/job"
	"shoal/helper/timer"
	"shoal/net/crpc"
	"shoal/protocol"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// Roles and replication modes. A backup node ignores the replication mode;
// only primaries originate replication.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"

	ReplicationNone   = "none"
	ReplicationDirect = "direct"
	ReplicationQueue  = "queue"
)

// Replicator is the slice of the backup shard a primary needs.
type Replicator interface {
	PutChunk(ctx context.Context, key chunkkey.Key, data []byte) error
	DeleteChunks(ctx context.Context, keys []chunkkey.Key) (int, error)
}

// JobQueue is the slice of the replication queue a shard needs.
type JobQueue interface {
	Enqueue(ctx context.Context, target string, body []byte) (uint64, error)
	Dequeue(ctx context.Context, target string, max int) ([]*job.Job, error)
	Ack(ctx context.Context, target string, id uint64) error
}

type Options struct {
	Role         string        // RolePrimary or RoleBackup
	Replication  string        // ReplicationNone, ReplicationDirect or ReplicationQueue
	Channel      string        // queue target this pair replicates over
	Timeout      time.Duration // deadline applied to each replication call
	PollInterval time.Duration // backup queue drain cadence
	PollBatch    int           // jobs fetched per drain pass
}

type Node struct {
	store  blob.BlobStore
	backup Replicator
	queue  JobQueue
	opts   Options

	sg singleflight.Group
}

func NewNode(store blob.BlobStore, backup Replicator, queue JobQueue, opts Options) (*Node, error) {
	switch opts.Role {
	case RolePrimary, RoleBackup:
	default:
		return nil, fmt.Errorf("shard: unknown role %q", opts.Role)
	}
	switch opts.Replication {
	case ReplicationNone, ReplicationDirect, ReplicationQueue:
	default:
		return nil, fmt.Errorf("shard: unknown replication mode %q", opts.Replication)
	}
	if opts.Role == RolePrimary && opts.Replication == ReplicationDirect && backup == nil {
		return nil, errors.New("shard: direct replication requires a backup address")
	}
	if opts.Replication == ReplicationQueue && queue == nil {
		return nil, errors.New("shard: queue replication requires a queue address")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PollBatch <= 0 {
		opts.PollBatch = 16
	}
	return &Node{store: store, backup: backup, queue: queue, opts: opts}, nil
}

// PutChunk stores the chunk locally and, on a primary, propagates it per the
// replication mode. Replication failures are logged and swallowed: the local
// write already succeeded and the caller must not see it fail.
func (n *Node) PutChunk(ctx context.Context, key chunkkey.Key, data []byte) error {
	if key.IsZero() {
		return protocol.ErrInvalidKey
	}

	if err := n.store.Put(&blob.Blob{Key: key, Length: uint64(len(data)), Data: data}); err != nil {
		return fmt.Errorf("storing chunk %s: %w", key, err)
	}

	if n.opts.Role != RolePrimary {
		return nil
	}

	switch n.opts.Replication {
	case ReplicationDirect:
		repCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
		if err := n.backup.PutChunk(repCtx, key, data); err != nil {
			log.Errorf("shard: direct replication of chunk %s failed: %v", key, err)
		}

	case ReplicationQueue:
		body, err := protocol.EncodeChunkPayload(&protocol.ChunkPayload{Key: key, Data: data})
		if err != nil {
			log.Errorf("shard: encoding replication job for chunk %s failed: %v", key, err)
			return nil
		}
		repCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
		if _, err := n.queue.Enqueue(repCtx, n.opts.Channel, body); err != nil {
			log.Errorf("shard: enqueueing replication of chunk %s failed: %v", key, err)
		}
	}

	return nil
}

// GetChunk serves a chunk from the local store only; a shard never proxies
// reads to its peer.
func (n *Node) GetChunk(ctx context.Context, key chunkkey.Key) ([]byte, error) {
	if key.IsZero() {
		return nil, protocol.ErrInvalidKey
	}
	b, err := n.store.Get(key)
	if err != nil {
		return nil, protocol.ErrChunkNotFound
	}
	return b.Data, nil
}

// DeleteChunks drops the given chunks locally. Absent chunks are not an
// error. A primary always forwards the batch to its backup directly,
// regardless of the put replication mode; queued replication jobs for a
// deleted chunk may still land on the backup afterwards and are cleaned up
// by the next delete of the same path.
func (n *Node) DeleteChunks(ctx context.Context, keys []chunkkey.Key) (int, error) {
	deleted := 0
	for _, key := range keys {
		if key.IsZero() {
			return deleted, protocol.ErrInvalidKey
		}
		had, err := n.store.Has(key)
		if err != nil {
			return deleted, fmt.Errorf("checking chunk %s: %w", key, err)
		}
		if err := n.store.Delete(key); err != nil {
			return deleted, fmt.Errorf("deleting chunk %s: %w", key, err)
		}
		if had {
			deleted++
		}
	}

	if n.opts.Role == RolePrimary && n.backup != nil {
		repCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
		if _, err := n.backup.DeleteChunks(repCtx, keys); err != nil {
			log.Errorf("shard: propagating delete of %d chunks failed: %v", len(keys), err)
		}
	}

	return deleted, nil
}

// pollQueue drains pending replication jobs for this shard's channel and
// applies them to the local store. Applied jobs are acked; anything that
// fails stays leased and is retried after the lease expires.
func (n *Node) pollQueue(ctx context.Context) error {
	_, err, _ := n.sg.Do("poll", func() (any, error) {
		for {
			dqCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
			jobs, err := n.queue.Dequeue(dqCtx, n.opts.Channel, n.opts.PollBatch)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("dequeue on %q: %w", n.opts.Channel, err)
			}
			if len(jobs) == 0 {
				return nil, nil
			}

			for _, j := range jobs {
				payload, err := protocol.DecodeChunkPayload(j.Body)
				if err != nil {
					// A malformed job can never apply; ack it away.
					log.Errorf("shard: dropping undecodable replication job %d: %v", j.ID, err)
				} else if err := n.store.Put(&blob.Blob{Key: payload.Key, Length: uint64(len(payload.Data)), Data: payload.Data}); err != nil {
					log.Errorf("shard: applying replication job %d (chunk %s) failed: %v", j.ID, payload.Key, err)
					continue // leave leased, retried later
				} else {
					log.Debugf("shard: applied replication job %d (chunk %s)", j.ID, payload.Key)
				}

				ackCtx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
				err = n.queue.Ack(ackCtx, n.opts.Channel, j.ID)
				cancel()
				if err != nil {
					log.Warnf("shard: acking replication job %d failed: %v", j.ID, err)
				}
			}

			if len(jobs) < n.opts.PollBatch {
				return nil, nil
			}
		}
	})
	return err
}

// Server is the RPC face of a shard node.
type Server struct {
	node *Node
}

func NewRPCServer(node *Node) *Server {
	return &Server{node: node}
}

func (s *Server) PutChunk(args *protocol.PutChunkRequest, reply *protocol.PutChunkResponse) error {
	if err := s.node.PutChunk(context.Background(), args.Key, args.Data); err != nil {
		return err
	}
	reply.Length = uint64(len(args.Data))
	return nil
}

func (s *Server) GetChunk(args *protocol.GetChunkRequest, reply *protocol.GetChunkResponse) error {
	data, err := s.node.GetChunk(context.Background(), args.Key)
	if err != nil {
		return err
	}
	reply.Data = data
	return nil
}

func (s *Server) DeleteChunks(args *protocol.DeleteChunksRequest, reply *protocol.DeleteChunksResponse) error {
	deleted, err := s.node.DeleteChunks(context.Background(), args.Keys)
	if err != nil {
		return err
	}
	reply.Deleted = deleted
	return nil
}

// Run serves RPC on the listener and, on a backup consuming from the queue,
// runs the drain loop. It blocks until the context is cancelled or a
// component fails.
func (n *Node) Run(ctx context.Context, listener net.Listener) error {
	srv := crpc.NewServer(listener)
	if err := srv.Register(NewRPCServer(n)); err != nil {
		return err
	}

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Infof("shard: %s node serving on %s", n.opts.Role, listener.Addr())
		return srv.Serve(grpCtx)
	})

	if n.opts.Role == RoleBackup && n.opts.Replication == ReplicationQueue {
		grp.Go(func() error {
			interval := timer.Interval{
				Duration: n.opts.PollInterval,
				Jitter:   n.opts.PollInterval / 10,
			}
			return timer.RunWithTicker(grpCtx, "replication-drain", interval, n.pollQueue)
		})
	}

	return grp.Wait()
}
