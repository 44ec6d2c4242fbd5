// Package kv defines the durable local storage used for client-side state
// such as the local key index. It stores string-keyed blobs and is never
// used for the master secret or derived key material.
package kv

// Store is a simple durable blob store.
type Store interface {
	// Get returns the blob stored under key, or apperr.ErrNotFound.
	Get(key string) ([]byte, error)
	// Set durably stores value under key, replacing any previous value.
	Set(key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// Close releases resources held by the store.
	Close() error
}

// Verify implementations satisfy Store at compile time.
var (
	_ Store = (*FS)(nil)
	_ Store = (*SQLite)(nil)
)
