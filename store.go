package layercache

import (
	"context"
	"time"
)

// NoExpiry is reported as remaining ttl of a key that does not expire.
const NoExpiry = time.Duration(-1)

// Store is a shared key/value storage with expiration.
//
// Missing keys are reported with cache.ErrNotFound, other errors indicate storage failure.
type Store interface {
	// Get returns stored bytes.
	Get(ctx context.Context, key string) ([]byte, error)

	// TTL returns remaining time to live or NoExpiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Set stores value, ttl <= 0 stores value without expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is missing and reports whether value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes keys, missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// DeleteIfEqual removes key only if it holds expected value and reports whether key was removed.
	DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error)

	// DeletePrefix removes all keys starting with prefix and returns number of removed keys.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}
