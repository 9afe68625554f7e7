package catalog

import (
	"errors"
	"path"
	"strings"

	"shoal/chunkkey"
)

var (
	ErrExists   = errors.New("file already exists")
	ErrNotFound = errors.New("file not found")
)

// ChunkRef describes one fragment of a file: which shard holds it, under
// which key, how long it is and where it sits within the file. Sequence is
// the fragment's 0-based position; the slice order in FileRecord.Chunks must
// always match it.
type ChunkRef struct {
	ShardID  int          `json:"shard_id"`
	Key      chunkkey.Key `json:"chunk_key"`
	Size     int64        `json:"chunk_size"`
	Sequence int          `json:"sequence"`
}

// FileRecord maps one (owner, path) pair to its ordered chunk placement.
// Records are immutable once inserted: a re-upload after deletion replaces
// the record wholesale, never updates it in place.
type FileRecord struct {
	Owner  string     `json:"-"`
	Path   string     `json:"-"`
	Size   int64      `json:"file_size"`
	Chunks []ChunkRef `json:"chunks"`
}

// Snapshot is the persisted form of the whole catalog: owner identity to
// canonical file path to record. It is rewritten wholesale on every
// mutation and loaded once at startup.
type Snapshot map[string]map[string]*FileRecord

// Catalog is the gateway's metadata index. Implementations must serialize
// the check-then-insert sequence per (owner, path) — callers hold LockPath
// around it — while leaving unrelated paths and owners concurrent.
type Catalog interface {
	// LockPath acquires the mutation lock for (owner, path) and returns the
	// matching unlock function. All check-then-mutate sequences for one path
	// must run under this lock.
	LockPath(owner, path string) (unlock func())

	// Has reports whether a record exists for (owner, path).
	Has(owner, path string) bool

	// Get returns the record for (owner, path), or ErrNotFound.
	Get(owner, path string) (*FileRecord, error)

	// Insert adds a new record and persists the snapshot. It fails with
	// ErrExists if a record is already present, leaving existing state
	// untouched. If persistence fails the in-memory insert is rolled back.
	Insert(rec *FileRecord) error

	// Remove deletes the record for (owner, path) and persists the snapshot,
	// or fails with ErrNotFound. If persistence fails the removal is rolled
	// back.
	Remove(owner, path string) error

	// Close releases any resources held by the Catalog.
	Close() error
}

// CanonicalPath normalizes a client-supplied file path: forced absolute,
// cleaned of dot segments and duplicate separators. All catalog keys are
// canonical; two spellings of the same path address the same record.
func CanonicalPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
