package layercache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bool64/cache"
	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	lru "github.com/hashicorp/golang-lru/v2"
)

// LocalConfig is optional configuration for NewLocalTier.
type LocalConfig struct {
	// Name is added to logs and stats.
	Name string

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker

	// Clock provides current time, real clock by default.
	Clock clock.Clock

	// JanitorInterval is delay between two consecutive removals of expired entries, default 1m.
	// Use -1 to disable background removal, expired entries are still never served.
	JanitorInterval time.Duration

	// HeapInUseSoftLimit sets heap in use threshold (in bytes) when janitor will evict entries
	// that are closest to expiration. Default 0 (unlimited).
	HeapInUseSoftLimit uint64

	// HeapInUseEvictFraction is a fraction (0, 1] of entries to evict on heap overuse, default 0.1.
	HeapInUseEvictFraction float64
}

type localEntry struct {
	value     interface{}
	expiresAt atomic.Int64
}

func (e *localEntry) expired(now time.Time) bool {
	return now.UnixNano() >= e.expiresAt.Load()
}

// LocalTier is a bounded in-process tier with per-entry expiration.
//
// Please use NewLocalTier to create instance.
type LocalTier struct {
	settings FirstTierSettings
	ttl      time.Duration
	data     *lru.Cache[string, *localEntry]

	config LocalConfig
	log    ctxd.Logger
	stat   stats.Tracker
	clock  clock.Clock

	closed    chan struct{}
	closeOnce sync.Once
}

// NewLocalTier creates a LocalTier instance.
func NewLocalTier(settings FirstTierSettings, config LocalConfig) (*LocalTier, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if config.JanitorInterval == 0 {
		config.JanitorInterval = time.Minute
	}

	data, err := lru.New[string, *localEntry](settings.MaxSize)
	if err != nil {
		return nil, err
	}

	t := &LocalTier{
		settings: settings,
		ttl:      settings.TTL(),
		data:     data,
		config:   config,
		log:      config.Logger,
		stat:     config.Stats,
		clock:    config.Clock,
		closed:   make(chan struct{}),
	}

	if t.log == nil {
		t.log = ctxd.NoOpLogger{}
	}

	if t.stat == nil {
		t.stat = stats.NoOp{}
	}

	if t.clock == nil {
		t.clock = clock.New()
	}

	if config.JanitorInterval > 0 {
		go t.janitor(t.clock.Ticker(config.JanitorInterval))
	}

	return t, nil
}

// Get returns cached value, NoValue or cache.ErrNotFound.
func (t *LocalTier) Get(ctx context.Context, key string, _ Decoder) (interface{}, error) {
	if cache.SkipRead(ctx) {
		return nil, cache.ErrNotFound
	}

	e, found := t.data.Get(key)
	if !found {
		t.log.Debug(ctx, "cache miss", "name", t.config.Name, "tier", tierLocal, "key", key)
		t.stat.Add(ctx, MetricMiss, 1, "name", t.config.Name, "tier", tierLocal)

		return nil, cache.ErrNotFound
	}

	now := t.clock.Now()

	if e.expired(now) {
		t.removeEntry(key, e)

		t.log.Debug(ctx, "cache key expired", "name", t.config.Name, "tier", tierLocal, "key", key)
		t.stat.Add(ctx, MetricExpired, 1, "name", t.config.Name, "tier", tierLocal)

		return nil, cache.ErrNotFound
	}

	if t.settings.ExpireMode == ExpireAfterAccess {
		e.expiresAt.Store(now.Add(t.ttl).UnixNano())
	}

	t.stat.Add(ctx, MetricHit, 1, "name", t.config.Name, "tier", tierLocal)

	return e.value, nil
}

// GetOrLoad returns cached value or loads and stores it.
//
// Concurrent calls for the same missing key may invoke loader more than once.
func (t *LocalTier) GetOrLoad(ctx context.Context, key string, _ Decoder, load Loader) (interface{}, error) {
	v, err := t.Get(ctx, key, nil)
	if err == nil {
		return v, nil
	}

	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	v, ok, err := load(ctx)
	if err != nil {
		return nil, err
	}

	if !ok {
		v = NoValue
	}

	if err := t.Put(ctx, key, v); err != nil {
		return nil, err
	}

	return v, nil
}

// Put stores value with first tier ttl or a ttl from cache.WithTTL context.
func (t *LocalTier) Put(ctx context.Context, key string, value interface{}) error {
	ttl := cache.TTL(ctx)
	if ttl <= 0 || ttl > t.ttl {
		ttl = t.ttl
	}

	e := &localEntry{value: value}
	e.expiresAt.Store(t.clock.Now().Add(ttl).UnixNano())

	if evicted := t.data.Add(key, e); evicted {
		t.stat.Add(ctx, MetricEvict, 1, "name", t.config.Name, "tier", tierLocal)
	}

	t.log.Debug(ctx, "wrote to cache", "name", t.config.Name, "tier", tierLocal, "key", key, "ttl", ttl)
	t.stat.Add(ctx, MetricWrite, 1, "name", t.config.Name, "tier", tierLocal)

	return nil
}

// PutIfAbsent stores value if there is no valid entry for the key.
func (t *LocalTier) PutIfAbsent(ctx context.Context, key string, value interface{}) (bool, error) {
	e := &localEntry{value: value}
	e.expiresAt.Store(t.clock.Now().Add(t.ttl).UnixNano())

	prev, found, _ := t.data.PeekOrAdd(key, e)
	if found && !prev.expired(t.clock.Now()) {
		return false, nil
	}

	if found {
		t.data.Add(key, e)
	}

	t.stat.Add(ctx, MetricWrite, 1, "name", t.config.Name, "tier", tierLocal)

	return true, nil
}

// Evict removes entry, missing entry is not an error.
func (t *LocalTier) Evict(ctx context.Context, key string) error {
	if t.data.Remove(key) {
		t.log.Debug(ctx, "deleted cache entry", "name", t.config.Name, "tier", tierLocal, "key", key)
		t.stat.Add(ctx, MetricDelete, 1, "name", t.config.Name, "tier", tierLocal)
	}

	return nil
}

// Clear removes all entries.
func (t *LocalTier) Clear(ctx context.Context) error {
	cnt := t.data.Len()
	t.data.Purge()

	t.log.Important(ctx, "deleted all entries in cache",
		"name", t.config.Name,
		"tier", tierLocal,
		"count", cnt,
	)

	return nil
}

// Len returns number of entries, including expired ones not yet removed.
func (t *LocalTier) Len() int {
	return t.data.Len()
}

// Close stops background removal of expired entries.
func (t *LocalTier) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
}

// removeEntry deletes key if it still holds the given entry.
//
// A write racing between the check and removal may be dropped, that only costs a miss.
func (t *LocalTier) removeEntry(key string, e *localEntry) {
	if cur, ok := t.data.Peek(key); ok && cur == e {
		t.data.Remove(key)
	}
}

func (t *LocalTier) janitor(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.deleteExpired()
			t.evictHeapInUse()
		case <-t.closed:
			return
		}
	}
}

func (t *LocalTier) deleteExpired() {
	now := t.clock.Now()
	cnt := 0

	for _, k := range t.data.Keys() {
		if e, ok := t.data.Peek(k); ok && e.expired(now) {
			t.removeEntry(k, e)
			cnt++
		}
	}

	if cnt > 0 {
		t.log.Debug(context.Background(), "cleared expired cache items",
			"name", t.config.Name,
			"tier", tierLocal,
			"count", cnt,
		)
	}

	t.stat.Set(context.Background(), cache.MetricItems, float64(t.data.Len()), "name", t.config.Name, "tier", tierLocal)
}
