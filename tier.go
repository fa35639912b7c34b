package layercache

import (
	"context"
)

// Loader computes value of a missing entry.
//
// Returning ok == false reports there is no value, NoValue is cached in that case.
// Errors are returned to the caller and never cached.
type Loader func(ctx context.Context) (value interface{}, ok bool, err error)

// Tier is a capability set shared by cache levels.
//
// Get returns cache.ErrNotFound for a missing entry and NoValue for an entry stored without value.
// Decoder is used by tiers that keep values serialized, it may be nil to decode into a generic value.
type Tier interface {
	Get(ctx context.Context, key string, decode Decoder) (interface{}, error)
	GetOrLoad(ctx context.Context, key string, decode Decoder, load Loader) (interface{}, error)
	Put(ctx context.Context, key string, value interface{}) error
	Evict(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// ConditionalTier can store a value only if it is missing.
type ConditionalTier interface {
	Tier
	PutIfAbsent(ctx context.Context, key string, value interface{}) (bool, error)
}

var (
	_ ConditionalTier = &LocalTier{}
	_ ConditionalTier = &RemoteTier{}
)
