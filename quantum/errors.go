package quantum

import "errors"

// Sentinel errors for engine operations. Callers test with errors.Is;
// every returned error wraps one of these with operation context.
var (
	// ErrNotFound indicates the key has no entry. Retrieve reports
	// absence as (nil, false, nil) instead of returning it.
	ErrNotFound = errors.New("quantum: entry not found")

	// ErrCompression indicates a codec failed to encode, or reported an
	// invalid result size, during store.
	ErrCompression = errors.New("quantum: compression failed")

	// ErrIntegrity indicates stored data failed verification on the way
	// out: ciphertext checksum or authentication failure, corrupt
	// compressed data, or a content checksum mismatch. No partial
	// content is ever returned alongside it.
	ErrIntegrity = errors.New("quantum: integrity verification failed")

	// ErrCapacity indicates the underlying storage ran out of space
	// while writing a blob or the index.
	ErrCapacity = errors.New("quantum: storage capacity exceeded")

	// ErrOptimizeInProgress rejects an optimize or key rotation while
	// another one is running. Calls are not queued.
	ErrOptimizeInProgress = errors.New("quantum: optimize already in progress")

	// ErrClosed rejects operations on a closed engine.
	ErrClosed = errors.New("quantum: engine is closed")
)
