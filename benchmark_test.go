package layercache_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vearutop/layercache"
)

func benchmarkGet(b *testing.B, s layercache.Store) {
	b.Helper()

	c, err := layercache.NewLayeringCache("bench", layercache.LayeringSettings{
		First:  layercache.FirstTierSettings{MaxSize: 20000, ExpireAfter: 1, TimeUnit: time.Hour},
		Second: layercache.SecondTierSettings{ExpireAfter: 2, TimeUnit: time.Hour},
	}, layercache.Config{Store: s})
	if err != nil {
		b.Fatal(err)
	}

	defer c.Close()

	ctx := context.Background()
	load := func(ctx context.Context) (interface{}, bool, error) {
		return 123, true, nil
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		k := "oneone" + strconv.Itoa(i%10000)
		// nolint
		_, _, _ = c.Get(ctx, k, load, nil)
	}
}

func Benchmark_LayeringCache_memoryStore(b *testing.B) {
	benchmarkGet(b, layercache.NewMemoryStore(layercache.MemoryStoreConfig{}))
}

func Benchmark_LayeringCache_redisStore(b *testing.B) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		b.Fatal(err)
	}

	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close() // nolint

	benchmarkGet(b, layercache.NewRedisStore(client, layercache.RedisConfig{}))
}

func Benchmark_LayeringCache_noOp(b *testing.B) {
	benchmarkGet(b, layercache.NoOp{})
}

func Benchmark_LocalTier(b *testing.B) {
	lt, err := layercache.NewLocalTier(layercache.FirstTierSettings{MaxSize: 20000, ExpireAfter: 1, TimeUnit: time.Hour},
		layercache.LocalConfig{})
	if err != nil {
		b.Fatal(err)
	}

	defer lt.Close()

	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		k := "oneone" + strconv.Itoa(i%10000)
		// nolint
		if i < 10000 {
			_ = lt.Put(ctx, k, 123)
		}
		// nolint
		_, _ = lt.Get(ctx, k, nil)
	}
}
