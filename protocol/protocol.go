// Package protocol defines the request/reply types exchanged between the
// gateway, the shards and the replication queue, plus the error contract at
// those boundaries. The transport carries errors as strings, so the
// sentinels here double as the wire format: servers return them verbatim and
// clients match on the text.
package protocol

import (
	"errors"

	"shoal/chunkkey"
	"shoal/datamodel/job"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrChunkNotFound = errors.New("chunk not found")
	ErrInvalidKey    = errors.New("invalid chunk key")
)

// IsChunkNotFound matches ErrChunkNotFound across the RPC boundary.
func IsChunkNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrChunkNotFound) || err.Error() == ErrChunkNotFound.Error()
}

// IsInvalidKey matches ErrInvalidKey across the RPC boundary.
func IsInvalidKey(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidKey) || err.Error() == ErrInvalidKey.Error()
}

// Shard service

type PutChunkRequest struct {
	Key  chunkkey.Key `cbor:"1,keyasint,omitempty"` // Chunk key (identity-derived)
	Data []byte       `cbor:"2,keyasint,omitempty"` // Chunk content
}

type PutChunkResponse struct {
	Length uint64 `cbor:"1,keyasint,omitempty"` // Bytes written locally
}

type GetChunkRequest struct {
	Key chunkkey.Key `cbor:"1,keyasint,omitempty"`
}

type GetChunkResponse struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
}

type DeleteChunksRequest struct {
	Keys []chunkkey.Key `cbor:"1,keyasint,omitempty"` // Batch of keys; absent keys are ignored
}

type DeleteChunksResponse struct {
	Deleted int `cbor:"1,keyasint,omitempty"` // Number of blobs actually removed
}

// Queue service

type EnqueueRequest struct {
	Target string `cbor:"1,keyasint,omitempty"` // Consumer channel
	Body   []byte `cbor:"2,keyasint,omitempty"` // Opaque payload
}

type EnqueueResponse struct {
	ID uint64 `cbor:"1,keyasint,omitempty"` // Store-assigned job ID
}

type DequeueRequest struct {
	Target string `cbor:"1,keyasint,omitempty"`
	Max    int    `cbor:"2,keyasint,omitempty"` // Batch size
}

type DequeueResponse struct {
	Jobs []*job.Job `cbor:"1,keyasint,omitempty"` // Pending jobs in ID order
}

type AckRequest struct {
	Target string `cbor:"1,keyasint,omitempty"`
	ID     uint64 `cbor:"2,keyasint,omitempty"`
}

type AckResponse struct{}

// ChunkPayload is the body of a replication job: the chunk write being
// propagated from a primary to its backup.
type ChunkPayload struct {
	Key  chunkkey.Key `cbor:"1,keyasint,omitempty"`
	Data []byte       `cbor:"2,keyasint,omitempty"`
}

func EncodeChunkPayload(p *ChunkPayload) ([]byte, error) {
	return cbor.Marshal(p)
}

func DecodeChunkPayload(body []byte) (*ChunkPayload, error) {
	p := &ChunkPayload{}
	if err := cbor.Unmarshal(body, p); err != nil {
		return nil, err
	}
	return p, nil
}
