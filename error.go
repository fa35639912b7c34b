package layercache

// SentinelError is an error.
type SentinelError string

const (
	// ErrLockTimeout indicates the distributed lock was not acquired within its wait bound.
	ErrLockTimeout = SentinelError("lock wait timeout")

	// ErrStoreUnavailable indicates a failure to talk to the shared store or to decode its data.
	ErrStoreUnavailable = SentinelError("shared store unavailable")

	// ErrPartialTierFailure indicates a mutation that failed on at least one tier.
	//
	// Mutations completed on the other tier are not rolled back.
	ErrPartialTierFailure = SentinelError("partial tier failure")

	// ErrInvalidSettings indicates settings that can not back a cache instance.
	ErrInvalidSettings = SentinelError("invalid settings")

	// ErrTypeMismatch indicates a cached value that can not be converted to the requested type.
	ErrTypeMismatch = SentinelError("cached value type mismatch")

	// ErrRegistryClosed indicates a registry that was already closed.
	ErrRegistryClosed = SentinelError("registry is closed")

	// ErrNothingToInvalidate indicates no callbacks in Invalidator.
	ErrNothingToInvalidate = SentinelError("nothing to invalidate")

	// ErrAlreadyInvalidated indicates recent invalidation.
	ErrAlreadyInvalidated = SentinelError("already invalidated")
)

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}
