// Package gateway implements the client-facing file API: it splits uploads
// into fixed-size chunks, scatters them across the shard fleet, records the
// resulting layout in the catalog and reassembles files on download.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"shoal/chunkkey"
	"shoal/datamodel/catalog"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrPartialUpload reports an upload whose record was committed with
	// one or more chunks missing because their shard writes failed.
	ErrPartialUpload = errors.New("upload stored partially")

	// ErrUpstreamUnavailable reports a shard that could not serve a chunk.
	ErrUpstreamUnavailable = errors.New("shard unavailable")
)

// ChunkStore is the slice of a shard the gateway uses.
type ChunkStore interface {
	PutChunk(ctx context.Context, key chunkkey.Key, data []byte) error
	GetChunk(ctx context.Context, key chunkkey.Key) ([]byte, error)
	DeleteChunks(ctx context.Context, keys []chunkkey.Key) (int, error)
}

type Gateway struct {
	catalog   catalog.Catalog
	shards    []ChunkStore
	chunkSize int64
	timeout   time.Duration
	parallel  int

	// pick selects the shard index for the next chunk. Seam for tests;
	// defaults to uniform random placement.
	pick func(n int) int
}

func New(cat catalog.Catalog, shards []ChunkStore, chunkSize int64, timeout time.Duration, parallel int) (*Gateway, error) {
	if len(shards) == 0 {
		return nil, errors.New("gateway: no shards configured")
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("gateway: invalid chunk size %d", chunkSize)
	}
	if parallel <= 0 {
		parallel = 1
	}
	return &Gateway{
		catalog:   cat,
		shards:    shards,
		chunkSize: chunkSize,
		timeout:   timeout,
		parallel:  parallel,
		pick:      rand.Intn,
	}, nil
}

// Upload chunks the stream, writes each chunk to a randomly chosen shard and
// commits the layout under (owner, path). Chunk writes that fail are logged
// and left out of the record; the commit still happens and the caller gets
// ErrPartialUpload alongside the record. A path that already exists is
// rejected with catalog.ErrExists before any chunk is written.
func (g *Gateway) Upload(ctx context.Context, owner, path string, r io.Reader) (*catalog.FileRecord, error) {
	path = catalog.CanonicalPath(path)

	unlock := g.catalog.LockPath(owner, path)
	defer unlock()

	if g.catalog.Has(owner, path) {
		return nil, catalog.ErrExists
	}

	chunks, total, err := g.readChunks(r)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}

	refs := make([]*catalog.ChunkRef, len(chunks))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(g.parallel)
	for seq, data := range chunks {
		seq, data := seq, data
		grp.Go(func() error {
			shardID := g.pick(len(g.shards))
			key := chunkkey.New(owner, path, seq)

			putCtx, cancel := context.WithTimeout(grpCtx, g.timeout)
			defer cancel()

			if err := g.shards[shardID].PutChunk(putCtx, key, data); err != nil {
				log.Errorf("gateway: failed to store chunk %d of %s/%s on shard %d: %v", seq, owner, path, shardID, err)
				return nil // failed chunks are omitted, not fatal
			}

			refs[seq] = &catalog.ChunkRef{
				ShardID:  shardID,
				Key:      key,
				Size:     int64(len(data)),
				Sequence: seq,
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	rec := &catalog.FileRecord{
		Owner: owner,
		Path:  path,
		Size:  total,
	}
	missing := 0
	for _, ref := range refs {
		if ref == nil {
			missing++
			continue
		}
		rec.Chunks = append(rec.Chunks, *ref)
	}

	if err := g.catalog.Insert(rec); err != nil {
		return nil, err
	}

	if missing > 0 {
		log.Warnf("gateway: stored %s/%s with %d of %d chunks missing", owner, path, missing, len(chunks))
		return rec, ErrPartialUpload
	}

	log.Infof("gateway: stored %s/%s (%d bytes, %d chunks)", owner, path, total, len(chunks))
	return rec, nil
}

// readChunks slurps the stream into chunkSize pieces. Only the final chunk
// may be short.
func (g *Gateway) readChunks(r io.Reader) ([][]byte, int64, error) {
	var chunks [][]byte
	var total int64
	for {
		buf := make([]byte, g.chunkSize)
		n, err := io.ReadFull(r, buf)
		total += int64(n)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return chunks, total, nil
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

// Download returns the file record and a reader over the reassembled
// content. Chunks are fetched lazily in sequence order as the reader is
// consumed; a failed fetch surfaces as ErrUpstreamUnavailable.
func (g *Gateway) Download(ctx context.Context, owner, path string) (*catalog.FileRecord, io.Reader, error) {
	path = catalog.CanonicalPath(path)

	rec, err := g.catalog.Get(owner, path)
	if err != nil {
		return nil, nil, err
	}

	return rec, &chunkReader{g: g, ctx: ctx, rec: rec}, nil
}

type chunkReader struct {
	g    *Gateway
	ctx  context.Context
	rec  *catalog.FileRecord
	next int          // index into rec.Chunks
	cur  bytes.Reader // remainder of the current chunk
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	for cr.cur.Len() == 0 {
		if cr.next >= len(cr.rec.Chunks) {
			return 0, io.EOF
		}
		ref := cr.rec.Chunks[cr.next]
		cr.next++

		if ref.ShardID < 0 || ref.ShardID >= len(cr.g.shards) {
			return 0, fmt.Errorf("%w: chunk %d references unknown shard %d", ErrUpstreamUnavailable, ref.Sequence, ref.ShardID)
		}

		getCtx, cancel := context.WithTimeout(cr.ctx, cr.g.timeout)
		data, err := cr.g.shards[ref.ShardID].GetChunk(getCtx, ref.Key)
		cancel()
		if err != nil {
			log.Errorf("gateway: failed to fetch chunk %d of %s/%s from shard %d: %v",
				ref.Sequence, cr.rec.Owner, cr.rec.Path, ref.ShardID, err)
			return 0, fmt.Errorf("%w: chunk %d: %v", ErrUpstreamUnavailable, ref.Sequence, err)
		}
		cr.cur.Reset(data)
	}
	return cr.cur.Read(p)
}

// Stat returns the catalog record for (owner, path).
func (g *Gateway) Stat(owner, path string) (*catalog.FileRecord, error) {
	return g.catalog.Get(owner, catalog.CanonicalPath(path))
}

// Delete removes the catalog record and asks each involved shard to drop its
// chunks, one batched call per shard. Shard-side failures are logged and do
// not fail the delete; the record is removed regardless.
func (g *Gateway) Delete(ctx context.Context, owner, path string) error {
	path = catalog.CanonicalPath(path)

	unlock := g.catalog.LockPath(owner, path)
	defer unlock()

	rec, err := g.catalog.Get(owner, path)
	if err != nil {
		return err
	}

	byShard := make(map[int][]chunkkey.Key)
	for _, ref := range rec.Chunks {
		byShard[ref.ShardID] = append(byShard[ref.ShardID], ref.Key)
	}
	for shardID, keys := range byShard {
		if shardID < 0 || shardID >= len(g.shards) {
			log.Warnf("gateway: record %s/%s references unknown shard %d, skipping", owner, path, shardID)
			continue
		}
		delCtx, cancel := context.WithTimeout(ctx, g.timeout)
		n, err := g.shards[shardID].DeleteChunks(delCtx, keys)
		cancel()
		if err != nil {
			log.Errorf("gateway: failed to delete %d chunks of %s/%s on shard %d: %v", len(keys), owner, path, shardID, err)
			continue
		}
		log.Debugf("gateway: deleted %d chunks of %s/%s on shard %d", n, owner, path, shardID)
	}

	if err := g.catalog.Remove(owner, path); err != nil {
		return err
	}

	log.Infof("gateway: deleted %s/%s", owner, path)
	return nil
}
