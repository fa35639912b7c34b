package layercache_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bool64/cache"
	"github.com/bool64/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vearutop/layercache"
)

type dog struct {
	Name  string `msgpack:"name"`
	Breed string `msgpack:"breed"`
	Age   int    `msgpack:"age"`
}

func refreshingSettings() layercache.SecondTierSettings {
	return layercache.SecondTierSettings{
		ExpireAfter:      10,
		PreloadThreshold: 3,
		TimeUnit:         time.Second,
		AutoRefresh:      true,
	}
}

func newRemoteTier(t *testing.T, s layercache.Store, settings layercache.SecondTierSettings, cfg layercache.RemoteConfig) *layercache.RemoteTier {
	t.Helper()

	if cfg.Namespace == "" {
		cfg.Namespace = "test:ns"
	}

	rt, err := layercache.NewRemoteTier(s, settings, cfg)
	require.NoError(t, err)

	return rt
}

type countingLoader struct {
	calls atomic.Int64
	value interface{}
	found bool
	err   error
}

func (l *countingLoader) load(_ context.Context) (interface{}, bool, error) {
	l.calls.Add(1)

	return l.value, l.found, l.err
}

func TestRemoteTier_GetOrLoad(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second}, layercache.RemoteConfig{})

	l := &countingLoader{value: dog{Name: "Rex", Breed: "collie", Age: 3}, found: true}
	decode := layercache.DecoderFor[dog](layercache.MsgpackCodec{})

	for i := 0; i < 3; i++ {
		v, err := rt.GetOrLoad(ctx, "rex", decode, l.load)
		require.NoError(t, err)
		assert.Equal(t, dog{Name: "Rex", Breed: "collie", Age: 3}, v)
	}

	assert.Equal(t, int64(1), l.calls.Load())

	assert.True(t, mr.Exists(rt.StoreKey("rex")))
	assert.Equal(t, "test:ns:rex", rt.StoreKey("rex"))

	ttl := mr.TTL(rt.StoreKey("rex"))
	assert.Equal(t, 10*time.Second, ttl)

	// Lock is released after loading.
	assert.False(t, mr.Exists("lock:test:ns:rex"))

	mr.FastForward(11 * time.Second)

	_, err := rt.Get(ctx, "rex", decode)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	_, err = rt.GetOrLoad(ctx, "rex", decode, l.load)
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.calls.Load())
}

func TestRemoteTier_GetOrLoad_noValue(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second}, layercache.RemoteConfig{})

	l := &countingLoader{}

	for i := 0; i < 2; i++ {
		v, err := rt.GetOrLoad(ctx, "none", nil, l.load)
		require.NoError(t, err)
		assert.True(t, layercache.IsNoValue(v))
	}

	assert.Equal(t, int64(1), l.calls.Load())

	raw, err := mr.Get(rt.StoreKey("none"))
	require.NoError(t, err)
	assert.Equal(t, "\x00", raw)
}

func TestRemoteTier_GetOrLoad_error(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second}, layercache.RemoteConfig{})

	loadErr := errors.New("failed")
	l := &countingLoader{err: loadErr}

	_, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	assert.ErrorIs(t, err, loadErr)
	assert.False(t, mr.Exists(rt.StoreKey("k")))
	assert.False(t, mr.Exists("lock:"+rt.StoreKey("k")))
}

func TestRemoteTier_corruptedValue(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second}, layercache.RemoteConfig{})

	require.NoError(t, mr.Set(rt.StoreKey("k"), "\x07garbage"))

	_, err := rt.Get(ctx, "k", nil)
	assert.ErrorIs(t, err, layercache.ErrStoreUnavailable)

	require.NoError(t, mr.Set(rt.StoreKey("k"), ""))

	_, err = rt.Get(ctx, "k", nil)
	assert.ErrorIs(t, err, layercache.ErrStoreUnavailable)
}

func TestRemoteTier_storeOutage(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	st := &stats.TrackerMock{}
	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second},
		layercache.RemoteConfig{Stats: st})

	mr.Close()

	l := &countingLoader{value: "v", found: true}

	for i := 0; i < 2; i++ {
		v, err := rt.GetOrLoad(ctx, "k", nil, l.load)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}

	assert.Equal(t, int64(2), l.calls.Load(), "values are not cached during outage")
	assert.Equal(t, 2, st.Int(layercache.MetricStoreFailed))

	err := rt.Put(ctx, "k", "v")
	assert.ErrorIs(t, err, layercache.ErrStoreUnavailable)
}

func TestRemoteTier_lockTimeout(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	lock := layercache.NewDistributedLock(s, layercache.LockConfig{})
	key := layercache.Key{Namespace: "test:ns", Name: "k"}

	token, err := lock.Acquire(ctx, key.LockName(), 0, time.Minute)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, lock.Release(ctx, key.LockName(), token))
	}()

	settings := layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second}
	l := &countingLoader{value: "v", found: true}

	t.Run("degrade", func(t *testing.T) {
		rt := newRemoteTier(t, s, settings, layercache.RemoteConfig{
			Lock:        lock,
			LockMaxWait: 30 * time.Millisecond,
		})

		v, err := rt.GetOrLoad(ctx, "k", nil, l.load)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
		assert.False(t, mr.Exists(key.String()), "directly loaded value is not stored")
	})

	t.Run("fail", func(t *testing.T) {
		rt := newRemoteTier(t, s, settings, layercache.RemoteConfig{
			Lock:              lock,
			LockMaxWait:       30 * time.Millisecond,
			LockTimeoutPolicy: layercache.FailOnLockTimeout,
		})

		_, err := rt.GetOrLoad(ctx, "k", nil, l.load)
		assert.ErrorIs(t, err, layercache.ErrLockTimeout)
	})

	assert.Equal(t, int64(1), l.calls.Load())
}

func TestRemoteTier_lockWaitCanceled(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	lock := layercache.NewDistributedLock(s, layercache.LockConfig{})
	key := layercache.Key{Namespace: "test:ns", Name: "k"}

	_, err := lock.Acquire(ctx, key.LockName(), 0, time.Minute)
	require.NoError(t, err)

	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second},
		layercache.RemoteConfig{Lock: lock, LockMaxWait: 5 * time.Second})

	l := &countingLoader{value: "v", found: true}

	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	_, err = rt.GetOrLoad(tctx, "k", nil, l.load)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), l.calls.Load(), "loader is not invoked for a caller that is gone")
	assert.False(t, mr.Exists(key.String()))
}

func TestRemoteTier_lockWaiterReadsStoredValue(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	lock := layercache.NewDistributedLock(s, layercache.LockConfig{})
	key := layercache.Key{Namespace: "test:ns", Name: "k"}
	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second},
		layercache.RemoteConfig{Lock: lock, LockMaxWait: 5 * time.Second})

	// Another process holds load lock and stores the value.
	token, err := lock.Acquire(ctx, key.LockName(), 0, time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, rt.Put(ctx, "k", "stored"))
		assert.NoError(t, lock.Release(ctx, key.LockName(), token))
	}()

	l := &countingLoader{value: "loaded", found: true}

	v, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)
	assert.Equal(t, "stored", v)
	assert.Equal(t, int64(0), l.calls.Load())
}

func TestRemoteTier_autoRefresh(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	st := &stats.TrackerMock{}
	rt := newRemoteTier(t, s, refreshingSettings(), layercache.RemoteConfig{Clock: clock.NewMock(), Stats: st})

	l := &countingLoader{value: "one", found: true}

	_, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)

	// Far from expiration.
	_, err = rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)
	rt.Wait()
	assert.Equal(t, int64(1), l.calls.Load())

	mr.FastForward(8 * time.Second)
	l.value = "two"

	v, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)
	assert.Equal(t, "one", v, "stale value is served while refreshing")

	rt.Wait()

	assert.Equal(t, int64(2), l.calls.Load())
	assert.Equal(t, 10*time.Second, mr.TTL(rt.StoreKey("k")))
	assert.Equal(t, 1, st.Int(layercache.MetricRefreshed))

	v, err = rt.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func TestRemoteTier_autoRefresh_oncePerWindow(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	st := &stats.TrackerMock{}
	rt := newRemoteTier(t, s, refreshingSettings(), layercache.RemoteConfig{Clock: clock.NewMock(), Stats: st})

	l := &countingLoader{value: "v", found: true}

	_, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)

	failing := &countingLoader{err: errors.New("failed")}

	for i := 0; i < 3; i++ {
		v, err := rt.GetOrLoad(ctx, "k", nil, failing.load)
		require.NoError(t, err)
		assert.Equal(t, "v", v)

		rt.Wait()
	}

	assert.Equal(t, int64(1), failing.calls.Load())
	assert.Equal(t, 2, st.Int(layercache.MetricRefreshSkipped))
}

// staleTTLStore reports short remaining ttl once, as if the entry was refreshed by another
// process right after the first check.
type staleTTLStore struct {
	layercache.Store
	stale atomic.Bool
}

func (s *staleTTLStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if s.stale.CompareAndSwap(true, false) {
		return 2 * time.Second, nil
	}

	return s.Store.TTL(ctx, key)
}

func TestRemoteTier_autoRefresh_refreshedElsewhere(t *testing.T) {
	ctx := context.Background()
	rs, _ := newRedisStore(t)
	s := &staleTTLStore{Store: rs}
	st := &stats.TrackerMock{}
	rt := newRemoteTier(t, s, refreshingSettings(), layercache.RemoteConfig{Clock: clock.NewMock(), Stats: st})

	l := &countingLoader{value: "v", found: true}

	_, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)

	s.stale.Store(true)

	v, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	rt.Wait()

	assert.Equal(t, int64(1), l.calls.Load(), "fresh entry is not reloaded")
	assert.Equal(t, 1, st.Int(layercache.MetricRefreshSkipped))
	assert.Equal(t, 0, st.Int(layercache.MetricRefreshed))
}

func TestRemoteTier_autoRefresh_lockedElsewhere(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	lock := layercache.NewDistributedLock(s, layercache.LockConfig{})
	rt := newRemoteTier(t, s, refreshingSettings(), layercache.RemoteConfig{Lock: lock, Clock: clock.NewMock()})

	l := &countingLoader{value: "v", found: true}

	_, err := rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)

	key := layercache.Key{Namespace: rt.Namespace(), Name: "k"}

	_, err = lock.Acquire(ctx, key.RefreshLockName(), 0, time.Minute)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)

	_, err = rt.GetOrLoad(ctx, "k", nil, l.load)
	require.NoError(t, err)
	rt.Wait()

	assert.Equal(t, int64(1), l.calls.Load())
}

func TestRemoteTier_Put(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	rt := newRemoteTier(t, s, layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second}, layercache.RemoteConfig{})

	require.NoError(t, rt.Put(ctx, "full", "v"))
	require.NoError(t, rt.Put(cache.WithTTL(ctx, 2*time.Second, false), "short", "v"))
	require.NoError(t, rt.Put(cache.WithTTL(ctx, time.Hour, false), "long", "v"))

	assert.Equal(t, 10*time.Second, mr.TTL(rt.StoreKey("full")))
	assert.Equal(t, 2*time.Second, mr.TTL(rt.StoreKey("short")))
	assert.Equal(t, 10*time.Second, mr.TTL(rt.StoreKey("long")))

	ok, err := rt.PutIfAbsent(ctx, "full", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rt.PutIfAbsent(ctx, "new", "other")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := rt.Get(ctx, "full", nil)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRemoteTier_Clear(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	settings := layercache.SecondTierSettings{ExpireAfter: 10, TimeUnit: time.Second}

	rt1 := newRemoteTier(t, s, settings, layercache.RemoteConfig{Namespace: "users:1"})
	rt2 := newRemoteTier(t, s, settings, layercache.RemoteConfig{Namespace: "users:2"})

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, rt1.Put(ctx, k, k))
		require.NoError(t, rt2.Put(ctx, k, k))
	}

	require.NoError(t, rt1.Evict(ctx, "a"))
	require.NoError(t, rt1.Evict(ctx, "missing"))
	assert.False(t, mr.Exists(rt1.StoreKey("a")))

	require.NoError(t, rt1.Clear(ctx))

	for _, k := range []string{"a", "b", "c"} {
		_, err := rt1.Get(ctx, k, nil)
		assert.ErrorIs(t, err, cache.ErrNotFound)

		v, err := rt2.Get(ctx, k, nil)
		require.NoError(t, err)
		assert.Equal(t, k, v)
	}
}
