package blob

import (
	"shoal/chunkkey"
)

// Blob is a raw byte sequence owned by one shard's local store, keyed by the
// chunk key under which the gateway placed it.
type Blob struct {
	_      struct{} `cbor:",toarray"` // This is compact, but doesn't retain the field structure
	Key    chunkkey.Key
	Length uint64
	Data   []byte
}

// BlobStore defines the leaf storage capability of a shard: keyed reads,
// writes and deletes with no retries and no replication.
type BlobStore interface {
	// Get retrieves a blob from the store by its key.
	// It returns the Blob if found, or an error if the blob does not exist or an issue occurs.
	Get(chunkkey.Key) (*Blob, error)

	// Has checks if a blob with the given key exists in the store.
	Has(chunkkey.Key) (bool, error)

	// Put stores a blob, overwriting any existing blob under the same key.
	// Overwrite is deliberate: the key already encodes the blob's full
	// identity, so a second write with the same key is a replay.
	Put(*Blob) error

	// Delete removes a blob from the store by its key. Deleting a key that
	// is not present is a success, which makes batched deletes replayable.
	Delete(chunkkey.Key) error

	// Enumerate returns the keys of all blobs currently in the store.
	Enumerate() ([]chunkkey.Key, error)

	// Close releases any resources held by the BlobStore.
	Close() error
}
