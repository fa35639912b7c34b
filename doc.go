// Package layercache provides a two-tier cache with a process-local first tier and a shared second tier.
// Focused on stampede-free loading of expensive values across many processes.
//
// Features:
//
//   - Bounded local tier with write or access based expiration.
//   - Shared tier on Redis or in-process store, values serialized with msgpack.
//   - Loader runs once per key across processes, guarded by a distributed lock with lease.
//   - Concurrent misses of a process share a single load.
//   - Missing values are cached as NoValue to avoid repeated loading of absent data.
//   - Background refresh of shared values close to expiration.
//   - Degraded direct loading when shared store is unavailable or lock is contended.
//   - One instance per cache name and settings, kept in Registry.
//   - Allows logging, stats collection.
//   - Propagates context to allow better control of backend and application components.
package layercache
