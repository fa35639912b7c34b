package layercache

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

type registryKey struct {
	name     string
	settings LayeringSettings
}

// Registry keeps a single cache instance per name and settings.
//
// Instances share store, lock and codec of registry Config.
type Registry struct {
	config Config
	caches *xsync.MapOf[registryKey, *LayeringCache]
	closed atomic.Bool
}

// NewRegistry creates a Registry instance.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.prepare(); err != nil {
		return nil, err
	}

	return &Registry{
		config: cfg,
		caches: xsync.NewMapOf[registryKey, *LayeringCache](),
	}, nil
}

// GetOrCreate returns cache instance for name and settings, creating it on first use.
//
// Concurrent calls with equal arguments receive the same instance.
func (r *Registry) GetOrCreate(name string, settings LayeringSettings) (*LayeringCache, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	k := registryKey{name: name, settings: settings}

	if c, ok := r.caches.Load(k); ok {
		return c, nil
	}

	var err error

	c, _ := r.caches.Compute(k, func(c *LayeringCache, loaded bool) (*LayeringCache, bool) {
		if loaded {
			return c, false
		}

		c, err = NewLayeringCache(name, settings, r.config)

		return c, err != nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// GetAll returns instances created under the name, ordered by namespace.
func (r *Registry) GetAll(name string) []*LayeringCache {
	var res []*LayeringCache

	r.caches.Range(func(k registryKey, c *LayeringCache) bool {
		if k.name == name {
			res = append(res, c)
		}

		return true
	})

	sort.Slice(res, func(i, j int) bool {
		return res[i].Namespace() < res[j].Namespace()
	})

	return res
}

// Names returns sorted names of created caches.
func (r *Registry) Names() []string {
	seen := make(map[string]struct{})

	r.caches.Range(func(k registryKey, _ *LayeringCache) bool {
		seen[k.name] = struct{}{}

		return true
	})

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Stats returns counters of all instances by namespace.
func (r *Registry) Stats() map[string]StatsSnapshot {
	res := make(map[string]StatsSnapshot, r.caches.Size())

	r.caches.Range(func(_ registryKey, c *LayeringCache) bool {
		res[c.Namespace()] = c.CacheStats()

		return true
	})

	return res
}

// Invalidator returns a trigger that clears all instances created under the name.
//
// Instances created after this call are not covered.
func (r *Registry) Invalidator(name string) *Invalidator {
	i := &Invalidator{Clock: r.config.Clock}

	for _, c := range r.GetAll(name) {
		i.Callbacks = append(i.Callbacks, c.Clear)
	}

	return i
}

// Close stops background jobs of all instances, further GetOrCreate calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	r.caches.Range(func(_ registryKey, c *LayeringCache) bool {
		c.Close()

		return true
	})

	r.config.Logger.Debug(context.Background(), "cache registry closed", "caches", r.caches.Size())
}
