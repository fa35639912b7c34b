package layercache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bool64/cache"
	"github.com/redis/go-redis/v9"
)

// DefaultQueryTimeout is the per-operation timeout of RedisStore.
const DefaultQueryTimeout = 5 * time.Second

// RedisConfig is optional configuration for NewRedisStore.
type RedisConfig struct {
	// Prefix is prepended to all keys with a colon, empty by default.
	Prefix string

	// QueryTimeout limits duration of a single operation, default 5s.
	QueryTimeout time.Duration

	// ScanCount is a batch size hint for prefix deletion, default 100.
	ScanCount int64
}

// RedisStore is a Store backed by Redis.
//
// The caller owns the redis client lifecycle.
type RedisStore struct {
	client redis.UniversalClient
	config RedisConfig
}

var _ Store = &RedisStore{}

var deleteIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore creates a RedisStore instance.
func NewRedisStore(client redis.UniversalClient, config RedisConfig) *RedisStore {
	if config.QueryTimeout == 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}

	if config.ScanCount == 0 {
		config.ScanCount = 100
	}

	return &RedisStore{
		client: client,
		config: config,
	}
}

func (s *RedisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.config.QueryTimeout)
}

func (s *RedisStore) prefixKey(key string) string {
	if s.config.Prefix == "" {
		return key
	}

	return s.config.Prefix + ":" + key
}

// Get returns stored bytes.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	data, err := s.client.Get(qctx, s.prefixKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}

	return data, err
}

// TTL returns remaining time to live.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(qctx, s.prefixKey(key)).Result()
	if err != nil {
		return 0, err
	}

	// Redis reports -2 for missing key and -1 for key without expiration.
	switch ttl {
	case -2:
		return 0, cache.ErrNotFound
	case -1:
		return NoExpiry, nil
	}

	return ttl, nil
}

// Set stores value.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}

	return s.client.Set(qctx, s.prefixKey(key), value, ttl).Err()
}

// SetNX stores value if key is missing.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}

	return s.client.SetNX(qctx, s.prefixKey(key), value, ttl).Result()
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.prefixKey(k)
	}

	return s.client.Del(qctx, prefixed...).Err()
}

// DeleteIfEqual removes key if it holds expected value.
func (s *RedisStore) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	n, err := deleteIfEqualScript.Run(qctx, s.client, []string{s.prefixKey(key)}, expected).Int64()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// DeletePrefix removes keys with prefix, keys are scanned in batches to avoid blocking Redis.
//
// Every master node is scanned when the client is a cluster client.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	pattern := escapeGlob(s.prefixKey(prefix)) + "*"

	cc, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return s.deletePrefixOn(qctx, s.client, pattern)
	}

	var total atomic.Int64

	err := cc.ForEachMaster(qctx, func(ctx context.Context, c *redis.Client) error {
		n, err := s.deletePrefixOn(ctx, c, pattern)
		total.Add(int64(n))

		return err
	})

	return int(total.Load()), err
}

// deletePrefixOn removes keys matching pattern on a single node.
//
// Keys are deleted one by one in a pipeline, a multi-key DEL of keys from different slots fails in cluster.
func (s *RedisStore) deletePrefixOn(ctx context.Context, c redis.Cmdable, pattern string) (int, error) {
	var (
		batch = make([]string, 0, s.config.ScanCount)
		total = 0
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		cmds, err := c.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range batch {
				p.Del(ctx, k)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, cmd := range cmds {
			if del, ok := cmd.(*redis.IntCmd); ok {
				total += int(del.Val())
			}
		}

		batch = batch[:0]

		return nil
	}

	iter := c.Scan(ctx, 0, pattern, s.config.ScanCount).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())

		if int64(len(batch)) >= s.config.ScanCount {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}

	if err := iter.Err(); err != nil {
		return total, err
	}

	return total, flush()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
