package layercache

import (
	"context"
	"runtime"
	"sort"
)

func (t *LocalTier) evictHeapInUse() {
	if t.config.HeapInUseSoftLimit == 0 {
		return
	}

	runtime.GC()

	m := runtime.MemStats{}
	runtime.ReadMemStats(&m)

	if m.HeapInuse < t.config.HeapInUseSoftLimit {
		return
	}

	type entry struct {
		key       string
		expiresAt int64
	}

	keys := t.data.Keys()
	entries := make([]entry, 0, len(keys))

	// Collect all keys and expirations.
	for _, k := range keys {
		if e, ok := t.data.Peek(k); ok {
			entries = append(entries, entry{key: k, expiresAt: e.expiresAt.Load()})
		}
	}

	// Sort entries to put most expired in head.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].expiresAt < entries[j].expiresAt
	})

	evictFraction := t.config.HeapInUseEvictFraction
	if evictFraction == 0 {
		evictFraction = 0.1
	}

	evictItems := int(float64(len(entries)) * evictFraction)

	t.stat.Add(context.Background(), MetricEvict, float64(evictItems), "name", t.config.Name, "tier", tierLocal)

	for i := 0; i < evictItems; i++ {
		t.data.Remove(entries[i].key)
	}
}
