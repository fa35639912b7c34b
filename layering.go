package layercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bool64/cache"
	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

// Config holds collaborators shared by cache instances.
type Config struct {
	// Store is a shared storage of the second tier and locks, required.
	Store Store

	// Codec serializes values of the second tier, MsgpackCodec by default.
	Codec Codec

	// Lock is a distributed lock over Store, created with LockConfig by default.
	Lock *DistributedLock

	// LockConfig configures default Lock.
	LockConfig LockConfig

	// LockTimeoutPolicy selects behavior of a cache miss when load lock is not acquired in time.
	LockTimeoutPolicy LockTimeoutPolicy

	// RefreshAttempts limits background refresh attempts of a key per preload window, default 1.
	RefreshAttempts int

	// JanitorInterval is delay between removals of expired first tier entries, default 1m.
	JanitorInterval time.Duration

	// HeapInUseSoftLimit enables janitor eviction of first tier entries on heap overuse, see LocalConfig.
	HeapInUseSoftLimit     uint64
	HeapInUseEvictFraction float64

	// Clock provides current time of the first tier, real clock by default.
	Clock clock.Clock

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

func (cfg *Config) prepare() error {
	if cfg.Store == nil {
		return fmt.Errorf("%w: store is required", ErrInvalidSettings)
	}

	if cfg.Codec == nil {
		cfg.Codec = MsgpackCodec{}
	}

	if cfg.Logger == nil {
		cfg.Logger = ctxd.NoOpLogger{}
	}

	if cfg.Stats == nil {
		cfg.Stats = stats.NoOp{}
	}

	if cfg.Lock == nil {
		lc := cfg.LockConfig
		if lc.Logger == nil {
			lc.Logger = cfg.Logger
		}

		if lc.Stats == nil {
			lc.Stats = cfg.Stats
		}

		cfg.Lock = NewDistributedLock(cfg.Store, lc)
	}

	return nil
}

// LayeringCache serves values from a local tier backed by a shared remote tier.
//
// Loader runs at most once per key at a time across all processes sharing the store,
// unless lock wait times out with DegradeToDirectLoad policy.
type LayeringCache struct {
	name      string
	namespace string
	settings  LayeringSettings

	first  ConditionalTier
	second *RemoteTier
	codec  Codec

	stats  CacheStats
	flight singleflight.Group

	log  ctxd.Logger
	stat stats.Tracker
}

// NewLayeringCache creates a LayeringCache instance.
//
// Instances are usually obtained from Registry, that keeps one instance per name and settings.
func NewLayeringCache(name string, settings LayeringSettings, cfg Config) (*LayeringCache, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.prepare(); err != nil {
		return nil, err
	}

	ns := NewNamespace(name, settings)

	first, err := NewLocalTier(settings.First, LocalConfig{
		Name:            ns,
		Logger:          cfg.Logger,
		Stats:           cfg.Stats,
		Clock:           cfg.Clock,
		JanitorInterval: cfg.JanitorInterval,

		HeapInUseSoftLimit:     cfg.HeapInUseSoftLimit,
		HeapInUseEvictFraction: cfg.HeapInUseEvictFraction,
	})
	if err != nil {
		return nil, err
	}

	second, err := NewRemoteTier(cfg.Store, settings.Second, RemoteConfig{
		Namespace:         ns,
		Codec:             cfg.Codec,
		Lock:              cfg.Lock,
		LockTimeoutPolicy: cfg.LockTimeoutPolicy,
		RefreshAttempts:   cfg.RefreshAttempts,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		Stats:             cfg.Stats,
	})
	if err != nil {
		first.Close()

		return nil, err
	}

	return &LayeringCache{
		name:      name,
		namespace: ns,
		settings:  settings,
		first:     first,
		second:    second,
		codec:     cfg.Codec,
		log:       cfg.Logger,
		stat:      cfg.Stats,
	}, nil
}

// Name returns cache name.
func (c *LayeringCache) Name() string {
	return c.name
}

// Namespace returns key namespace in the shared store.
func (c *LayeringCache) Namespace() string {
	return c.namespace
}

// Settings returns cache settings.
func (c *LayeringCache) Settings() LayeringSettings {
	return c.settings
}

// FirstTier returns process-local tier.
func (c *LayeringCache) FirstTier() ConditionalTier {
	return c.first
}

// SecondTier returns shared tier.
func (c *LayeringCache) SecondTier() *RemoteTier {
	return c.second
}

// Codec returns value serializer.
func (c *LayeringCache) Codec() Codec {
	return c.codec
}

// CacheStats returns current counters.
func (c *LayeringCache) CacheStats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Get returns cached value or loads it.
//
// Found is false if stored value is NoValue. Decoder restores values of the second tier,
// it may be nil to decode into a generic value. Loader errors are returned unchanged and not cached.
func (c *LayeringCache) Get(ctx context.Context, key string, load Loader, decode Decoder) (value interface{}, found bool, err error) {
	c.stats.addCacheRequest()
	c.stat.Add(ctx, MetricRequest, 1, "name", c.namespace)

	v, err := c.first.Get(ctx, key, decode)
	c.stats.addFirstTierRequest(err != nil)

	if err == nil {
		return present(v)
	}

	// Concurrent misses of this process share a single pass through the second tier.
	// The pass outlives a caller that gives up, other callers may still wait for it.
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		return c.loadThrough(context.WithoutCancel(ctx), key, decode, load)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}

		return present(res.Val)
	}
}

func (c *LayeringCache) loadThrough(ctx context.Context, key string, decode Decoder, load Loader) (interface{}, error) {
	v, outcome, err := c.second.getOrLoad(ctx, key, decode, c.measured(load))
	if err != nil {
		return nil, err
	}

	c.stats.addSecondTierRequest(outcome != servedFromStore)

	if outcome == loadedDirectly {
		return v, nil
	}

	if err := c.first.Put(ctx, key, v); err != nil {
		c.log.Warn(ctx, "failed to populate local tier", "error", err, "name", c.namespace, "key", key)
	}

	return v, nil
}

// measured counts loader invocations and their duration.
func (c *LayeringCache) measured(load Loader) Loader {
	return func(ctx context.Context) (interface{}, bool, error) {
		start := time.Now()
		v, ok, err := load(ctx)
		elapsed := time.Since(start)

		c.stats.addMethodRequest(elapsed)
		c.stat.Add(ctx, MetricBuild, 1, "name", c.namespace)
		c.stat.Add(ctx, MetricLoadDuration, elapsed.Seconds(), "name", c.namespace)

		if err != nil {
			c.stat.Add(ctx, MetricFailed, 1, "name", c.namespace)
		}

		return v, ok, err
	}
}

// Peek returns cached value without loading.
//
// Found is false for a missing entry and for stored NoValue. Second tier failures are treated as a miss.
func (c *LayeringCache) Peek(ctx context.Context, key string, decode Decoder) (value interface{}, found bool, err error) {
	v, err := c.first.Get(ctx, key, decode)
	c.stats.addFirstTierRequest(err != nil)

	if err == nil {
		return present(v)
	}

	v, err = c.second.Get(ctx, key, decode)
	c.stats.addSecondTierRequest(err != nil)

	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.log.Debug(ctx, "second tier read failed, reporting miss", "error", err, "name", c.namespace, "key", key)
		}

		return nil, false, nil
	}

	if err := c.first.Put(ctx, key, v); err != nil {
		c.log.Warn(ctx, "failed to populate local tier", "error", err, "name", c.namespace, "key", key)
	}

	return present(v)
}

// Put stores value in the second tier and then in the first tier.
//
// Nil value is stored as NoValue. The first tier is updated even if the second tier fails.
func (c *LayeringCache) Put(ctx context.Context, key string, value interface{}) error {
	if value == nil {
		value = NoValue
	}

	var errs *multierror.Error

	if err := c.second.Put(ctx, key, value); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := c.first.Put(ctx, key, value); err != nil {
		errs = multierror.Append(errs, err)
	}

	return partial(errs)
}

// PutIfAbsent stores value if the second tier has no entry for the key.
//
// Both tiers are left untouched when entry exists.
func (c *LayeringCache) PutIfAbsent(ctx context.Context, key string, value interface{}) (bool, error) {
	if value == nil {
		value = NoValue
	}

	ok, err := c.second.PutIfAbsent(ctx, key, value)
	if err != nil || !ok {
		return false, err
	}

	if err := c.first.Put(ctx, key, value); err != nil {
		c.log.Warn(ctx, "failed to populate local tier", "error", err, "name", c.namespace, "key", key)
	}

	return true, nil
}

// Evict removes entry from both tiers.
//
// Failure of one tier does not prevent removal from the other, such failure is reported with ErrPartialTierFailure.
func (c *LayeringCache) Evict(ctx context.Context, key string) error {
	var errs *multierror.Error

	if err := c.second.Evict(ctx, key); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := c.first.Evict(ctx, key); err != nil {
		errs = multierror.Append(errs, err)
	}

	return partial(errs)
}

// Clear removes all entries of this cache from both tiers.
func (c *LayeringCache) Clear(ctx context.Context) error {
	var errs *multierror.Error

	if err := c.second.Clear(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := c.first.Clear(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	return partial(errs)
}

// Close stops background jobs of the cache and waits for running refreshes.
func (c *LayeringCache) Close() {
	if cl, ok := c.first.(interface{ Close() }); ok {
		cl.Close()
	}

	c.second.Wait()
}

func partial(errs *multierror.Error) error {
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrPartialTierFailure, err)
	}

	return nil
}

func present(v interface{}) (interface{}, bool, error) {
	if IsNoValue(v) {
		return nil, false, nil
	}

	return v, true, nil
}
