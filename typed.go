package layercache

import (
	"context"
	"fmt"
)

// Get returns value of type V from cache c, loading it with load on a miss.
//
// Found is false when loader reported no value, zero V is returned then.
func Get[V any](ctx context.Context, c *LayeringCache, key string, load func(ctx context.Context) (V, bool, error)) (V, bool, error) {
	var zero V

	v, found, err := c.Get(ctx, key, func(ctx context.Context) (interface{}, bool, error) {
		return load(ctx)
	}, DecoderFor[V](c.Codec()))
	if err != nil || !found {
		return zero, false, err
	}

	return convert[V](c.Codec(), v)
}

// Peek returns cached value of type V without loading.
func Peek[V any](ctx context.Context, c *LayeringCache, key string) (V, bool, error) {
	var zero V

	v, found, err := c.Peek(ctx, key, DecoderFor[V](c.Codec()))
	if err != nil || !found {
		return zero, false, err
	}

	return convert[V](c.Codec(), v)
}

// AlwaysFound adapts a function that always produces a value to a loader.
func AlwaysFound[V any](f func(ctx context.Context) (V, error)) func(ctx context.Context) (V, bool, error) {
	return func(ctx context.Context) (V, bool, error) {
		v, err := f(ctx)
		if err != nil {
			return v, false, err
		}

		return v, true, nil
	}
}

// convert asserts value type, values put with another type are re-encoded with codec.
func convert[V any](codec Codec, v interface{}) (V, bool, error) {
	if tv, ok := v.(V); ok {
		return tv, true, nil
	}

	var tv V

	data, err := codec.Marshal(v)
	if err == nil {
		err = codec.Unmarshal(data, &tv)
	}

	if err != nil {
		return tv, false, fmt.Errorf("%w: %T to %T: %w", ErrTypeMismatch, v, tv, err)
	}

	return tv, true, nil
}
