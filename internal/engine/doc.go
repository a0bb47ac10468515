// Package engine keeps a window of monthly periods of sessions available for
// synchronous reads while staying consistent with the remote store and with
// the other contexts of the same user.
//
// Engine is the only writer of its cache.Store. Reads (GetSync) never block
// on I/O and never return errors. Everything else goes through the remote
// data source first and touches the cache only after the remote ack.
//
// Lifecycle per period:
//
//	Absent -> Loading -> Fresh -> Stale -> Loading -> ...
//
// A failed fetch leaves the cache as it was and returns a *RemoteFetchError.
// Stale entries read as absent.
//
// Write path, in order: cache, persisted snapshot (synchronously, failures
// reported through Options.OnDiagnostic), observers, broadcast.
//
// Fetches are tagged with a per-period generation taken when they start.
// Invalidate, Clear and newer fetches move the generation on, and
// a fetch whose generation is no longer current is dropped.
//
// Change feed: every loaded period gets one sessions and one payments
// subscription. Session events patch the cached entry directly. Payment
// events only name the owning session; its period is resolved and the whole
// period is invalidated (coarse invalidation).
//
// Concurrent mutates of the same session and change events racing a mutate
// are not serialised: the last write into the cache wins.
package engine
