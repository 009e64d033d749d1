package storage

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound indicates the key has no stored value.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded indicates the backend refused a write for space.
	// Callers treat it as a signal to degrade, not as data loss.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrClosed indicates the provider was closed.
	ErrClosed = errors.New("storage: provider closed")
)

// Provider is the narrow persistence contract the queue writes through.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any existing value.
	// Returns ErrQuotaExceeded when the backend is out of space.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
