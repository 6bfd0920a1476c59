package qcache

import (
	"context"
	"time"

	"github.com/qres/go-qres/qkey"
)

// Fetcher produces the data for a key. It is supplied by the caller when a
// key is registered, and may be invoked more than once concurrently across
// different keys, so it must be safe for concurrent use.
type Fetcher func(ctx context.Context, key qkey.Key) (any, error)

// Status is the fetch state of a cache entry.
type Status int

const (
	// StatusIdle means no fetch has been started for the entry.
	StatusIdle Status = iota
	// StatusPending means a fetch is in flight. Data and error from the
	// previous resolution remain visible.
	StatusPending
	// StatusSuccess means the most recent fetch resolved with data.
	StatusSuccess
	// StatusError means the most recent fetch failed. Data from an earlier
	// success, if any, remains visible.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Snapshot is a point-in-time copy of one entry's observable state.
type Snapshot struct {
	Key       qkey.Key
	Data      any
	Err       error
	Status    Status
	FetchedAt time.Time
	// Stale reports whether the freshness window had elapsed, or the entry
	// had been invalidated, at the time the snapshot was taken.
	Stale bool
}

// fetchOp is one in-flight fetch. Every concurrent request for the same key
// attaches to the same fetchOp rather than starting another fetch. The done
// channel is closed when the fetch resolves, whether or not its result was
// applied.
type fetchOp struct {
	seq  uint64
	done chan struct{}
}

// entry is the cache's record for one key. All fields are guarded by the
// store mutex.
type entry struct {
	key qkey.Key
	id  string
	cfg keyConfig

	fetcher Fetcher

	data      any
	dataSet   bool
	err       error
	status    Status
	fetchedAt time.Time
	// invalid marks the entry stale regardless of elapsed time. Cleared by
	// the next successful fetch.
	invalid bool

	// fetchSeq is the sequence number of the most recently initiated fetch.
	// A resolving fetch whose seq is older has been superseded and its
	// result is discarded.
	fetchSeq uint64
	inflight *fetchOp

	subs map[*Subscription]struct{}

	gcTimer   *time.Timer
	pollTimer *time.Timer
	pollGen   uint64

	evicted bool
}

// fresh reports whether the entry's data can be served without refetching.
func (e *entry) fresh(now time.Time) bool {
	if !e.dataSet || e.invalid || e.status == StatusError {
		return false
	}
	return now.Before(e.fetchedAt.Add(e.cfg.staleTime))
}

func (e *entry) snapshot(now time.Time) Snapshot {
	return Snapshot{
		Key:       e.key,
		Data:      e.data,
		Err:       e.err,
		Status:    e.status,
		FetchedAt: e.fetchedAt,
		Stale:     !e.fresh(now),
	}
}

func (e *entry) stopTimers() {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	e.pollGen++
}
