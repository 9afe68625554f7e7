// Package jobqueue implements the job.JobStore interface on LevelDB.
package jobqueue

import (
	"fmt"
	"sync"
	"time"

	"shoal/datamodel/job"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixJob = "JOB" // Job records indexed by ID. Followed by a 16-digit hexadecimal ID (64 bit)
)

// DefaultLease is the visibility timeout applied to dequeued jobs when the
// caller does not configure one.
const DefaultLease = 30 * time.Second

var ErrCorrupted = fmt.Errorf("corrupted")

var _ job.JobStore = (*Store)(nil)

// storedJob is the on-disk form of a job: the job itself plus its current
// visibility lease. A job with an unexpired lease has been handed to a
// consumer and is skipped by Dequeue until the lease runs out.
type storedJob struct {
	Job        *job.Job `cbor:"1,keyasint"`
	LeaseUntil int64    `cbor:"2,keyasint,omitempty"` // Unix nanoseconds; zero means never delivered
}

// Store is a durable FIFO job store. IDs are assigned from a single
// monotonic sequence recovered by scanning the keyspace at open, exactly
// once per store lifetime.
type Store struct {
	path  string
	lease time.Duration

	mu  sync.Mutex
	db  *leveldb.DB
	seq uint64

	now func() time.Time // test seam
}

func keyFromID(id uint64) []byte {
	return append([]byte(keyPrefixJob), []byte(fmt.Sprintf("%016x", id))...)
}

func idFromKey(key []byte) (uint64, error) {
	if len(key) != len(keyPrefixJob)+16 {
		return 0, fmt.Errorf("idFromKey: invalid key length: %d", len(key))
	}
	if string(key[:len(keyPrefixJob)]) != keyPrefixJob {
		return 0, fmt.Errorf("idFromKey: invalid key prefix: %s", string(key[:len(keyPrefixJob)]))
	}
	var id uint64
	if _, err := fmt.Sscanf(string(key[len(keyPrefixJob):]), "%016x", &id); err != nil {
		return 0, err
	}
	return id, nil
}

func Open(path string, lease time.Duration) (*Store, error) {
	if lease <= 0 {
		lease = DefaultLease
	}

	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrStoreUnavailable, err)
	}

	// Scan the database to recover the ID sequence
	iter := db.NewIterator(util.BytesPrefix([]byte(keyPrefixJob)), nil)
	defer iter.Release()

	var maxID uint64 = 0
	if iter.Last() {
		id, err := idFromKey(iter.Key())
		if err != nil {
			db.Close()
			return nil, err
		}
		maxID = id
	}

	log.Infof("Opened job store at %s, last job ID %d", path, maxID)

	return &Store{
		path:  path,
		lease: lease,
		db:    db,
		seq:   maxID,
		now:   time.Now,
	}, nil
}

func (s *Store) Enqueue(target string, body []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newID := s.seq + 1

	raw, err := cbor.Marshal(&storedJob{
		Job: &job.Job{
			ID:     newID,
			Target: target,
			Body:   body,
		},
	})
	if err != nil {
		return 0, err
	}

	// A single Put is atomic: either the job is fully persisted or nothing is.
	if err := s.db.Put(keyFromID(newID), raw, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", job.ErrStoreUnavailable, err)
	}

	// Keep the last assigned ID
	s.seq = newID

	return newID, nil
}

func (s *Store) Dequeue(target string, max int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 {
		max = 1
	}

	now := s.now()
	leaseUntil := now.Add(s.lease).UnixNano()

	var jobs []*job.Job

	// Claims are written as one batch so a crash mid-dequeue leaves either
	// all returned jobs leased or none of them.
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefixJob)), nil)
	defer iter.Release()

	for iter.Next() {
		stored := &storedJob{}
		if err := cbor.Unmarshal(iter.Value(), stored); err != nil {
			log.Errorf("Dequeue: failed to decode job at key %q: %v", iter.Key(), err)
			return nil, ErrCorrupted
		}
		if stored.Job == nil {
			log.Errorf("Dequeue: empty job record at key %q", iter.Key())
			return nil, ErrCorrupted
		}

		if stored.Job.Target != target {
			continue
		}
		if stored.LeaseUntil > now.UnixNano() {
			// Claimed by a consumer and not yet expired.
			continue
		}

		stored.LeaseUntil = leaseUntil
		raw, err := cbor.Marshal(stored)
		if err != nil {
			return nil, err
		}
		batch.Put(keyFromID(stored.Job.ID), raw)

		jobs = append(jobs, stored.Job)
		if len(jobs) >= max {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrStoreUnavailable, err)
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrStoreUnavailable, err)
	}

	return jobs, nil
}

func (s *Store) Ack(target string, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(keyFromID(id), nil)
	if err == errors.ErrNotFound {
		// Already acked; a redelivered job may be acknowledged twice.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", job.ErrStoreUnavailable, err)
	}

	stored := &storedJob{}
	if err := cbor.Unmarshal(raw, stored); err != nil {
		return ErrCorrupted
	}
	if stored.Job == nil || stored.Job.Target != target {
		// Ack for somebody else's job is a caller bug, not a delete.
		return fmt.Errorf("ack: job %d does not belong to target %q", id, target)
	}

	if err := s.db.Delete(keyFromID(id), nil); err != nil {
		return fmt.Errorf("%w: %v", job.ErrStoreUnavailable, err)
	}

	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
