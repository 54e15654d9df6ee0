// Package programcache returns compiled Helios programs, compiling each
// (source, params) pair at most once at a time.
//
// GetOrCompile:
//   - derives the cache key and reads the store without taking a lock;
//   - on a miss enters the key's lock section, reads the store again, then
//     compiles and stores the result;
//   - shares the section's result, success or failure, with every caller
//     waiting on the same key.
//
// Errors:
//   - compiler failures wrap domain.ErrCompileFailed and are never cached;
//   - store read failures are logged and treated as misses;
//   - store write failures wrap domain.ErrStoreFailed and leave the key
//     uncached, so the next call compiles again;
//   - lock wait timeouts wrap domain.ErrLockTimeout.
package programcache
