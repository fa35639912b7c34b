package layercache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bool64/cache"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryStoreConfig is optional configuration for NewMemoryStore.
type MemoryStoreConfig struct {
	// CleanupInterval is delay between removals of expired keys, default 1m.
	CleanupInterval time.Duration
}

// MemoryStore is an in-process Store.
//
// It is shared by all caches of a process and suits single instance deployments and tests.
type MemoryStore struct {
	// mu makes conditional operations atomic against other writes.
	mu   sync.Mutex
	data *gocache.Cache
}

var _ Store = &MemoryStore{}

// NewMemoryStore creates a MemoryStore instance.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	return &MemoryStore{
		data: gocache.New(gocache.NoExpiration, config.CleanupInterval),
	}
}

func storeExpiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}

	return ttl
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get returns stored bytes.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, found := s.data.Get(key)
	if !found {
		return nil, cache.ErrNotFound
	}

	return cloneBytes(v.([]byte)), nil
}

// TTL returns remaining time to live.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	_, exp, found := s.data.GetWithExpiration(key)
	if !found {
		return 0, cache.ErrNotFound
	}

	if exp.IsZero() {
		return NoExpiry, nil
	}

	ttl := time.Until(exp)
	if ttl <= 0 {
		return 0, cache.ErrNotFound
	}

	return ttl, nil
}

// Set stores value.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Set(key, cloneBytes(value), storeExpiration(ttl))

	return nil
}

// SetNX stores value if key is missing.
func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Add fails for an existing unexpired key.
	if err := s.data.Add(key, cloneBytes(value), storeExpiration(ttl)); err != nil {
		return false, nil
	}

	return true, nil
}

// Delete removes keys.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		s.data.Delete(k)
	}

	return nil
}

// DeleteIfEqual removes key if it holds expected value.
func (s *MemoryStore) DeleteIfEqual(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.data.Get(key)
	if !found || !bytes.Equal(v.([]byte), expected) {
		return false, nil
	}

	s.data.Delete(key)

	return true, nil
}

// DeletePrefix removes keys with prefix.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cnt := 0

	for k := range s.data.Items() {
		if strings.HasPrefix(k, prefix) {
			s.data.Delete(k)
			cnt++
		}
	}

	return cnt, nil
}

// Len returns number of stored keys, including expired ones not yet removed.
func (s *MemoryStore) Len() int {
	return s.data.ItemCount()
}
