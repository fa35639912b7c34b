package layercache

import (
	"context"
	"time"

	"github.com/bool64/cache"
)

// NoOp is a Store stub.
//
// It finds nothing and grants every lock, so a LayeringCache over NoOp behaves as a process-local cache.
type NoOp struct{}

var _ Store = NoOp{}

// Get does not find anything.
func (NoOp) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, cache.ErrNotFound
}

// TTL does not find anything.
func (NoOp) TTL(_ context.Context, _ string) (time.Duration, error) {
	return 0, cache.ErrNotFound
}

// Set discards value.
func (NoOp) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

// SetNX discards value and reports success.
func (NoOp) SetNX(_ context.Context, _ string, _ []byte, _ time.Duration) (bool, error) {
	return true, nil
}

// Delete does nothing.
func (NoOp) Delete(_ context.Context, _ ...string) error {
	return nil
}

// DeleteIfEqual does nothing.
func (NoOp) DeleteIfEqual(_ context.Context, _ string, _ []byte) (bool, error) {
	return false, nil
}

// DeletePrefix does nothing.
func (NoOp) DeletePrefix(_ context.Context, _ string) (int, error) {
	return 0, nil
}
