package layercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bool64/cache"
	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// LockTimeoutPolicy defines behavior of a cache miss when load lock is not acquired in time.
type LockTimeoutPolicy int

const (
	// DegradeToDirectLoad invokes loader without lock and returns its result without caching.
	//
	// Stampede protection is traded for availability under lock contention.
	DegradeToDirectLoad LockTimeoutPolicy = iota

	// FailOnLockTimeout returns ErrLockTimeout to the caller.
	FailOnLockTimeout
)

// RemoteConfig controls RemoteTier instance.
type RemoteConfig struct {
	// Namespace partitions keys of a cache instance in the shared store, required.
	Namespace string

	// Codec serializes values, MsgpackCodec by default.
	Codec Codec

	// Lock guards loading and refresh, a lock over the same store is created by default.
	Lock *DistributedLock

	// LockMaxWait bounds waiting for load lock, lock default is used if zero.
	LockMaxWait time.Duration

	// LockLeaseTime is expiration of load and refresh locks, lock default is used if zero.
	LockLeaseTime time.Duration

	// LockTimeoutPolicy selects behavior when load lock is not acquired in time.
	LockTimeoutPolicy LockTimeoutPolicy

	// RefreshAttempts limits refresh attempts of a key per preload window, default 1.
	RefreshAttempts int

	// Clock provides current time, real clock by default.
	Clock clock.Clock

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

type refreshWindow struct {
	until    time.Time
	attempts int
}

// RemoteTier is a tier backed by a shared Store.
//
// Please use NewRemoteTier to create instance.
type RemoteTier struct {
	settings SecondTierSettings
	ttl      time.Duration
	store    Store
	lock     *DistributedLock
	codec    Codec

	config RemoteConfig
	log    ctxd.Logger
	stat   stats.Tracker
	clock  clock.Clock

	mu        sync.Mutex // Securing refreshes.
	refreshes map[string]*refreshWindow
	inFlight  sync.WaitGroup
}

// NewRemoteTier creates a RemoteTier instance.
func NewRemoteTier(store Store, settings SecondTierSettings, config RemoteConfig) (*RemoteTier, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if config.Namespace == "" {
		return nil, fmt.Errorf("%w: remote tier namespace is empty", ErrInvalidSettings)
	}

	if config.Codec == nil {
		config.Codec = MsgpackCodec{}
	}

	if config.Lock == nil {
		config.Lock = NewDistributedLock(store, LockConfig{Logger: config.Logger, Stats: config.Stats})
	}

	if config.LockMaxWait == 0 {
		config.LockMaxWait = config.Lock.Config().MaxWait
	}

	if config.LockLeaseTime == 0 {
		config.LockLeaseTime = config.Lock.Config().LeaseTime
	}

	if config.RefreshAttempts == 0 {
		config.RefreshAttempts = 1
	}

	t := &RemoteTier{
		settings:  settings,
		ttl:       settings.TTL(),
		store:     store,
		lock:      config.Lock,
		codec:     config.Codec,
		config:    config,
		log:       config.Logger,
		stat:      config.Stats,
		clock:     config.Clock,
		refreshes: make(map[string]*refreshWindow),
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

	return t, nil
}

// Namespace returns key namespace.
func (t *RemoteTier) Namespace() string {
	return t.config.Namespace
}

// StoreKey returns full store key of an entry.
func (t *RemoteTier) StoreKey(key string) string {
	return t.key(key).String()
}

func (t *RemoteTier) key(key string) Key {
	return Key{Namespace: t.config.Namespace, Name: key}
}

// Get returns cached value, NoValue or cache.ErrNotFound.
//
// Failures of store or decoding are reported with ErrStoreUnavailable.
func (t *RemoteTier) Get(ctx context.Context, key string, decode Decoder) (interface{}, error) {
	return t.read(ctx, t.key(key), decode)
}

// GetOrLoad returns cached value or loads it under a distributed lock.
//
// Hits may schedule background refresh of values close to expiration.
func (t *RemoteTier) GetOrLoad(ctx context.Context, key string, decode Decoder, load Loader) (interface{}, error) {
	v, _, err := t.getOrLoad(ctx, key, decode, load)

	return v, err
}

// loadOutcome describes where a value returned by getOrLoad came from.
type loadOutcome int

const (
	// servedFromStore is a value read from the shared store.
	servedFromStore loadOutcome = iota
	// loadedAndStored is a value loaded under lock and written to the shared store.
	loadedAndStored
	// loadedUnstored is a value loaded under lock that failed to reach the shared store.
	loadedUnstored
	// loadedDirectly is a value loaded without lock because of store failure or lock timeout.
	loadedDirectly
)

func (t *RemoteTier) getOrLoad(ctx context.Context, key string, decode Decoder, load Loader) (interface{}, loadOutcome, error) {
	k := t.key(key)

	v, err := t.read(ctx, k, decode)
	if err == nil {
		t.scheduleRefresh(ctx, k, load)

		return v, servedFromStore, nil
	}

	if !errors.Is(err, cache.ErrNotFound) {
		v, err := t.invoke(ctx, load)

		return v, loadedDirectly, err
	}

	token, err := t.lock.Acquire(ctx, k.LockName(), t.config.LockMaxWait, t.config.LockLeaseTime)
	if err != nil {
		// Caller gave up, loading for nobody is a waste.
		if ctx.Err() != nil {
			return nil, loadedDirectly, err
		}

		if errors.Is(err, ErrLockTimeout) && t.config.LockTimeoutPolicy == FailOnLockTimeout {
			return nil, loadedDirectly, err
		}

		if !errors.Is(err, ErrLockTimeout) {
			t.log.Warn(ctx, "failed to acquire load lock",
				"error", err,
				"name", t.config.Namespace,
				"key", key)
		}

		t.log.Debug(ctx, "loading without lock", "name", t.config.Namespace, "key", key)
		t.stat.Add(ctx, MetricDegradedLoad, 1, "name", t.config.Namespace)

		v, err := t.invoke(ctx, load)

		return v, loadedDirectly, err
	}

	defer t.release(ctx, k.LockName(), token)

	// Another process may have stored the value while this one was waiting for the lock.
	v, err = t.read(ctx, k, decode)
	if err == nil {
		return v, servedFromStore, nil
	}

	v, loadErr := t.invoke(ctx, load)
	if loadErr != nil {
		return nil, loadedDirectly, loadErr
	}

	if !errors.Is(err, cache.ErrNotFound) {
		return v, loadedDirectly, nil
	}

	if err := t.write(ctx, k, v, t.ttl); err != nil {
		t.log.Warn(ctx, "failed to store loaded value",
			"error", err,
			"name", t.config.Namespace,
			"key", key)

		return v, loadedUnstored, nil
	}

	return v, loadedAndStored, nil
}

// Put stores value with second tier ttl or a shorter ttl from cache.WithTTL context.
func (t *RemoteTier) Put(ctx context.Context, key string, value interface{}) error {
	ttl := cache.TTL(ctx)
	if ttl <= 0 || ttl > t.ttl {
		ttl = t.ttl
	}

	return t.write(ctx, t.key(key), value, ttl)
}

// PutIfAbsent stores value if key is missing in the shared store.
func (t *RemoteTier) PutIfAbsent(ctx context.Context, key string, value interface{}) (bool, error) {
	k := t.key(key)

	data, err := encodeEnvelope(t.codec, value)
	if err != nil {
		return false, ctxd.WrapError(ctx, fmt.Errorf("%w: %w", ErrStoreUnavailable, err),
			"failed to encode value", "name", t.config.Namespace, "key", key)
	}

	ok, err := t.store.SetNX(ctx, k.String(), data, t.ttl)
	if err != nil {
		return false, t.unavailable(ctx, err, "failed to store value", k)
	}

	if ok {
		t.stat.Add(ctx, MetricWrite, 1, "name", t.config.Namespace, "tier", tierRemote)
	}

	return ok, nil
}

// Evict removes entry, missing entry is not an error.
func (t *RemoteTier) Evict(ctx context.Context, key string) error {
	k := t.key(key)

	if err := t.store.Delete(ctx, k.String()); err != nil {
		return t.unavailable(ctx, err, "failed to delete value", k)
	}

	t.stat.Add(ctx, MetricDelete, 1, "name", t.config.Namespace, "tier", tierRemote)

	return nil
}

// Clear removes all entries of the namespace.
func (t *RemoteTier) Clear(ctx context.Context) error {
	cnt, err := t.store.DeletePrefix(ctx, namespacePrefix(t.config.Namespace))
	if err != nil {
		return t.unavailable(ctx, err, "failed to delete values", Key{Namespace: t.config.Namespace})
	}

	t.mu.Lock()
	t.refreshes = make(map[string]*refreshWindow)
	t.mu.Unlock()

	t.log.Important(ctx, "deleted all entries in cache",
		"name", t.config.Namespace,
		"tier", tierRemote,
		"count", cnt,
	)

	return nil
}

// Wait blocks until background refreshes are finished.
func (t *RemoteTier) Wait() {
	t.inFlight.Wait()
}

func (t *RemoteTier) read(ctx context.Context, k Key, decode Decoder) (interface{}, error) {
	if cache.SkipRead(ctx) {
		return nil, cache.ErrNotFound
	}

	data, err := t.store.Get(ctx, k.String())
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			t.log.Debug(ctx, "cache miss", "name", t.config.Namespace, "tier", tierRemote, "key", k.Name)
			t.stat.Add(ctx, MetricMiss, 1, "name", t.config.Namespace, "tier", tierRemote)

			return nil, cache.ErrNotFound
		}

		return nil, t.unavailable(ctx, err, "failed to read value", k)
	}

	if decode == nil {
		decode = anyDecoder(t.codec)
	}

	v, err := decodeEnvelope(data, decode)
	if err != nil {
		return nil, t.unavailable(ctx, err, "failed to decode value", k)
	}

	t.stat.Add(ctx, MetricHit, 1, "name", t.config.Namespace, "tier", tierRemote)

	return v, nil
}

func (t *RemoteTier) write(ctx context.Context, k Key, v interface{}, ttl time.Duration) error {
	data, err := encodeEnvelope(t.codec, v)
	if err != nil {
		return ctxd.WrapError(ctx, fmt.Errorf("%w: %w", ErrStoreUnavailable, err),
			"failed to encode value", "name", t.config.Namespace, "key", k.Name)
	}

	if err := t.store.Set(ctx, k.String(), data, ttl); err != nil {
		return t.unavailable(ctx, err, "failed to store value", k)
	}

	t.log.Debug(ctx, "wrote to cache", "name", t.config.Namespace, "tier", tierRemote, "key", k.Name, "ttl", ttl)
	t.stat.Add(ctx, MetricWrite, 1, "name", t.config.Namespace, "tier", tierRemote)

	return nil
}

func (t *RemoteTier) unavailable(ctx context.Context, err error, msg string, k Key) error {
	t.log.Warn(ctx, msg, "error", err, "name", t.config.Namespace, "key", k.Name)
	t.stat.Add(ctx, MetricStoreFailed, 1, "name", t.config.Namespace)

	return ctxd.WrapError(ctx, fmt.Errorf("%w: %w", ErrStoreUnavailable, err), msg,
		"name", t.config.Namespace, "key", k.Name)
}

func (t *RemoteTier) invoke(ctx context.Context, load Loader) (interface{}, error) {
	v, ok, err := load(ctx)
	if err != nil {
		return nil, err
	}

	if !ok {
		return NoValue, nil
	}

	return v, nil
}

func (t *RemoteTier) release(ctx context.Context, name string, token Token) {
	// Lock must be released even if caller context is already done.
	if err := t.lock.Release(context.WithoutCancel(ctx), name, token); err != nil {
		t.log.Warn(ctx, "failed to release lock, it will expire after lease time",
			"error", err,
			"name", t.config.Namespace,
			"lock", name)
	}
}

// scheduleRefresh starts background refresh if remaining ttl of an entry is within preload threshold.
func (t *RemoteTier) scheduleRefresh(ctx context.Context, k Key, load Loader) {
	if !t.settings.AutoRefresh || load == nil {
		return
	}

	remaining, err := t.store.TTL(ctx, k.String())
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			t.log.Debug(ctx, "failed to check remaining ttl", "error", err, "name", t.config.Namespace, "key", k.Name)
		}

		return
	}

	if remaining == NoExpiry || remaining > t.settings.Preload() {
		return
	}

	if !t.startRefresh(k.Name, remaining) {
		t.stat.Add(ctx, MetricRefreshSkipped, 1, "name", t.config.Namespace)

		return
	}

	t.inFlight.Add(1)

	go func() {
		defer t.inFlight.Done()

		t.refresh(context.WithoutCancel(ctx), k, load)
	}()
}

// startRefresh counts a refresh attempt in the preload window of a key.
func (t *RemoteTier) startRefresh(key string, remaining time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	w, found := t.refreshes[key]
	if !found || now.After(w.until) {
		if len(t.refreshes) >= 1024 {
			for k, w := range t.refreshes {
				if now.After(w.until) {
					delete(t.refreshes, k)
				}
			}
		}

		w = &refreshWindow{until: now.Add(remaining)}
		t.refreshes[key] = w
	}

	if w.attempts >= t.config.RefreshAttempts {
		return false
	}

	w.attempts++

	return true
}

func (t *RemoteTier) finishRefresh(key string) {
	t.mu.Lock()
	delete(t.refreshes, key)
	t.mu.Unlock()
}

func (t *RemoteTier) refresh(ctx context.Context, k Key, load Loader) {
	name := k.RefreshLockName()

	token, ok, err := t.lock.TryAcquire(ctx, name, t.config.LockLeaseTime)
	if err != nil {
		t.log.Warn(ctx, "failed to acquire refresh lock", "error", err, "name", t.config.Namespace, "key", k.Name)

		return
	}

	if !ok {
		t.log.Debug(ctx, "refresh is running elsewhere", "name", t.config.Namespace, "key", k.Name)
		t.stat.Add(ctx, MetricRefreshSkipped, 1, "name", t.config.Namespace)

		return
	}

	defer t.release(ctx, name, token)

	// Another process may have refreshed the entry between the ttl check and the lock.
	remaining, err := t.store.TTL(ctx, k.String())
	if err != nil || remaining == NoExpiry || remaining > t.settings.Preload() {
		if err == nil {
			t.finishRefresh(k.Name)
		}

		t.log.Debug(ctx, "skipping refresh of fresh or missing value",
			"error", err,
			"name", t.config.Namespace,
			"key", k.Name)
		t.stat.Add(ctx, MetricRefreshSkipped, 1, "name", t.config.Namespace)

		return
	}

	t.log.Debug(ctx, "refreshing cache value", "name", t.config.Namespace, "key", k.Name)

	v, err := t.invoke(ctx, load)
	if err != nil {
		t.log.Warn(ctx, "failed to refresh cache value in background",
			"error", err,
			"name", t.config.Namespace,
			"key", k.Name)

		return
	}

	if err := t.write(ctx, k, v, t.ttl); err != nil {
		return
	}

	t.finishRefresh(k.Name)
	t.stat.Add(ctx, MetricRefreshed, 1, "name", t.config.Namespace)
}
