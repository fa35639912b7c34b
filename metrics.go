package layercache

import (
	"github.com/bool64/cache"
)

// Metric names reported to stats.Tracker.
//
// Tier level metrics carry "name" and "tier" labels, cache level metrics carry "name" label.
const (
	MetricHit       = cache.MetricHit
	MetricMiss      = cache.MetricMiss
	MetricExpired   = cache.MetricExpired
	MetricWrite     = cache.MetricWrite
	MetricEvict     = cache.MetricEvict
	MetricBuild     = cache.MetricBuild
	MetricFailed    = cache.MetricFailed
	MetricRefreshed = cache.MetricRefreshed

	MetricRequest        = "cache_request"
	MetricLoadDuration   = "cache_load_seconds"
	MetricDelete         = "cache_delete"
	MetricStoreFailed    = "cache_store_failed"
	MetricDegradedLoad   = "cache_degraded_load"
	MetricRefreshSkipped = "cache_refresh_skipped"
	MetricLockAcquired   = "cache_lock_acquired"
	MetricLockTimeout    = "cache_lock_timeout"
)

const (
	tierLocal  = "local"
	tierRemote = "remote"
)
