// Package qcache provides an asynchronous resource cache for client
// applications: it fetches, stores, invalidates, deduplicates, and
// periodically refreshes data keyed by structural keys, decoupled from
// whatever consumes the data.
//
// Store keeps one entry per unique key. An entry records the last fetched
// data, the last failure, the fetch status, and the time of the last
// successful resolution. Entries are created lazily on first use and
// evicted once they have had no subscribers for their configured gc time.
//
// ## Fetch Deduplication
//
// At most one fetch per key is in flight at any time. A request for a key
// that is already being fetched attaches to the in-flight fetch, and all
// attached requests resolve from the same result. The only way a second
// fetch starts while one is in flight is an explicit refetch or an
// invalidation, which supersedes the older fetch: the superseded fetch's
// result is silently discarded so a slow, old response never overwrites
// newer data.
//
// ## Staleness and Refresh
//
// Each key has a freshness window. A fresh entry is served as is. A stale
// entry with data is served immediately while a refetch runs in the
// background, so observers never see a flash back to empty. Keys can also
// be polled on an interval, including an interval computed from the latest
// data so that polling stops itself once the data reaches a terminal
// state. Regaining focus or network connectivity refetches stale
// subscribed entries.
//
// ## Failures
//
// A failed fetch records the error and sets the error status, but keeps
// previously fetched data visible. Bounded retries with exponential
// backoff run before the failure is surfaced. Failures reach observers
// through entry snapshots; they are never delivered as panics or as errors
// from unrelated keys.
//
// ## Optimistic Mutations
//
// Mutate performs a remote write, optionally applying predicted values to
// affected keys first. Concurrent reads observe the predicted values
// atomically. A failed write rolls the affected entries back to their
// exact pre-mutation state; a successful write invalidates them so the
// next read reconciles with authoritative data.
package qcache
