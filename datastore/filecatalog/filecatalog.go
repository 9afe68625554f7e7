// Package filecatalog implements the catalog.Catalog interface: an
// in-memory index backed by a single JSON snapshot that is rewritten
// wholesale — and atomically — on every mutation.
package filecatalog

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"shoal/datamodel/catalog"

	log "github.com/sirupsen/logrus"
)

var _ catalog.Catalog = (*Store)(nil)

// lockStripes is the size of the per-(owner, path) lock table. Unrelated
// paths proceed concurrently unless they collide on a stripe.
const lockStripes = 64

type Store struct {
	path string

	// Striped locks serializing check-then-mutate sequences per (owner, path).
	locks [lockStripes]sync.Mutex

	// mu guards the map and snapshot persistence.
	mu    sync.RWMutex
	files catalog.Snapshot
}

// Open loads the snapshot at path, or starts an empty catalog if no
// snapshot exists yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:  path,
		files: catalog.Snapshot{},
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create catalog snapshot dir: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("No catalog snapshot at %s, starting empty", path)
			return s, nil
		}
		return nil, fmt.Errorf("load catalog snapshot: %w", err)
	}

	if err := json.Unmarshal(raw, &s.files); err != nil {
		return nil, fmt.Errorf("decode catalog snapshot: %w", err)
	}

	// Owner and Path are keys in the snapshot, not fields; restore them.
	count := 0
	for owner, byPath := range s.files {
		for p, rec := range byPath {
			rec.Owner = owner
			rec.Path = p
			count++
		}
	}

	log.Infof("Loaded catalog snapshot from %s, %d files", path, count)

	return s, nil
}

func (s *Store) stripe(owner, path string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) LockPath(owner, path string) (unlock func()) {
	m := s.stripe(owner, path)
	m.Lock()
	return m.Unlock
}

func (s *Store) Has(owner, path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.files[owner][path]
	return ok
}

func (s *Store) Get(owner, path string) (*catalog.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[owner][path]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Insert(rec *catalog.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[rec.Owner][rec.Path]; ok {
		return catalog.ErrExists
	}

	if s.files[rec.Owner] == nil {
		s.files[rec.Owner] = map[string]*catalog.FileRecord{}
	}
	s.files[rec.Owner][rec.Path] = rec

	if err := s.persist(); err != nil {
		// All-or-nothing: a record that was never durably recorded must not
		// be visible either.
		delete(s.files[rec.Owner], rec.Path)
		return err
	}

	return nil
}

func (s *Store) Remove(owner, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[owner][path]
	if !ok {
		return catalog.ErrNotFound
	}

	delete(s.files[owner], path)

	if err := s.persist(); err != nil {
		s.files[owner][path] = rec
		return err
	}

	return nil
}

// persist rewrites the snapshot. Write-new-then-rename keeps a crash from
// leaving a truncated snapshot behind. Caller holds mu.
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(s.files, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("persist catalog snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist catalog snapshot: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return nil
}
