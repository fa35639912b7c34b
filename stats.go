package layercache

import (
	"sync/atomic"
	"time"
)

// StatsSnapshot is a point in time copy of cache counters.
type StatsSnapshot struct {
	// CacheRequestCount is a number of Get calls with loader.
	CacheRequestCount int64

	// CachedMethodRequestCount is a number of loader invocations, failed ones included.
	CachedMethodRequestCount int64

	// CachedMethodRequestTime is total duration of loader invocations.
	CachedMethodRequestTime time.Duration

	FirstTierRequestCount  int64
	FirstTierMissCount     int64
	SecondTierRequestCount int64
	SecondTierMissCount    int64
}

// CachedMethodRequestTimeMillis returns total duration of loader invocations in milliseconds.
func (s StatsSnapshot) CachedMethodRequestTimeMillis() int64 {
	return s.CachedMethodRequestTime.Milliseconds()
}

// HitRate returns a share of requests served without loader.
func (s StatsSnapshot) HitRate() float64 {
	if s.CacheRequestCount == 0 {
		return 0
	}

	hits := s.CacheRequestCount - s.CachedMethodRequestCount
	if hits < 0 {
		hits = 0
	}

	return float64(hits) / float64(s.CacheRequestCount)
}

// CacheStats accumulates counters of a cache instance, it is safe for concurrent use.
type CacheStats struct {
	cacheRequests      atomic.Int64
	methodRequests     atomic.Int64
	methodRequestNanos atomic.Int64
	firstTierRequests  atomic.Int64
	firstTierMisses    atomic.Int64
	secondTierRequests atomic.Int64
	secondTierMisses   atomic.Int64
}

func (s *CacheStats) addCacheRequest() {
	s.cacheRequests.Add(1)
}

func (s *CacheStats) addMethodRequest(elapsed time.Duration) {
	s.methodRequests.Add(1)
	s.methodRequestNanos.Add(int64(elapsed))
}

func (s *CacheStats) addFirstTierRequest(miss bool) {
	s.firstTierRequests.Add(1)

	if miss {
		s.firstTierMisses.Add(1)
	}
}

func (s *CacheStats) addSecondTierRequest(miss bool) {
	s.secondTierRequests.Add(1)

	if miss {
		s.secondTierMisses.Add(1)
	}
}

// Snapshot returns current counter values.
func (s *CacheStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		CacheRequestCount:        s.cacheRequests.Load(),
		CachedMethodRequestCount: s.methodRequests.Load(),
		CachedMethodRequestTime:  time.Duration(s.methodRequestNanos.Load()),
		FirstTierRequestCount:    s.firstTierRequests.Load(),
		FirstTierMissCount:       s.firstTierMisses.Load(),
		SecondTierRequestCount:   s.secondTierRequests.Load(),
		SecondTierMissCount:      s.secondTierMisses.Load(),
	}
}
