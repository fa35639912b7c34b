package layercache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vearutop/layercache"
)

func TestStatsSnapshot(t *testing.T) {
	var s layercache.StatsSnapshot

	assert.Equal(t, 0.0, s.HitRate())

	s.CacheRequestCount = 10
	s.CachedMethodRequestCount = 3
	s.CachedMethodRequestTime = 1500 * time.Microsecond

	assert.InDelta(t, 0.7, s.HitRate(), 1e-9)
	assert.Equal(t, int64(1), s.CachedMethodRequestTimeMillis())

	// Refresh loads may outnumber requests.
	s.CachedMethodRequestCount = 12
	assert.Equal(t, 0.0, s.HitRate())
}

func TestCacheStats_Snapshot(t *testing.T) {
	var s layercache.CacheStats

	assert.Equal(t, layercache.StatsSnapshot{}, s.Snapshot())
}
