package job

import "errors"

var ErrStoreUnavailable = errors.New("job store unavailable")

// Job is one durable replication job: an opaque payload addressed to a named
// consumer channel. IDs are store-assigned and monotonically increasing, so
// per-target delivery order follows enqueue order.
type Job struct {
	ID     uint64 `cbor:"1,keyasint,omitempty"` // Store-assigned, monotonic
	Target string `cbor:"2,keyasint,omitempty"` // Consumer channel name
	Body   []byte `cbor:"3,keyasint,omitempty"` // Opaque CBOR payload
}

// JobStore defines the durable at-least-once FIFO job store behind the
// replication queue. Delivery uses lease-based claims: Dequeue stamps each
// returned job with a visibility lease, and a job is redelivered after its
// lease expires unless the consumer acknowledges it first. Consumers must
// therefore be idempotent.
type JobStore interface {
	// Enqueue durably persists a new job for the given target and returns
	// its assigned ID. The write is atomic; on failure nothing is stored.
	Enqueue(target string, body []byte) (uint64, error)

	// Dequeue returns up to max pending jobs for target in ID order,
	// claiming each with a visibility lease. Jobs under an unexpired lease
	// are skipped.
	Dequeue(target string, max int) ([]*Job, error)

	// Ack deletes a delivered job. Acking a job that is no longer present
	// is a success: after a lease expiry the same job may be delivered and
	// acknowledged twice.
	Ack(target string, id uint64) error

	// Close releases any resources held by the JobStore.
	Close() error
}
