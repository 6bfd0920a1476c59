package qcache

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/qres/go-qres/qkey"
)

var log = logging.Logger("qcache")

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache closed")
	// ErrNotFound is returned when an operation requires an existing entry
	// and none is cached for the key.
	ErrNotFound = errors.New("no cache entry for key")
	// ErrNoFetcher is returned when an operation must fetch and no fetcher
	// was ever registered for the key.
	ErrNoFetcher = errors.New("no fetcher registered for key")
)

// Store is an asynchronous resource cache. It holds one entry per unique
// key, collapses concurrent fetches for the same key into one, refetches
// stale entries in the background, and evicts entries that have had no
// subscribers for their configured gc time.
//
// A Store is safe for concurrent use. Entry state only changes while the
// store mutex is held, so observers never see a half-applied update.
type Store struct {
	mutex   sync.Mutex
	entries map[string]*entry

	defaults keyConfig

	focused bool
	online  bool

	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new resource cache store.
func New(options ...Option) (*Store, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		entries:  make(map[string]*entry),
		defaults: opts.defaults,
		focused:  true,
		online:   true,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Get returns a snapshot of the entry cached for key, without creating one
// or triggering any fetch.
func (s *Store) Get(key qkey.Key) (Snapshot, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[key.ID()]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(time.Now()), true
}

// Ensure returns the entry for key, creating it if absent. If the entry is
// fresh its snapshot is returned immediately. If it is stale but has data,
// the stale snapshot is returned immediately and a refetch runs in the
// background. If it has no data yet, Ensure starts a fetch, or attaches to
// the one already in flight, and waits for it to resolve.
//
// A fetch failure is reported through the snapshot's Err and Status fields,
// not through the returned error. The returned error is non-nil only for an
// invalid key, a closed store, ctx expiring while waiting, or ErrNoFetcher
// when a fetch is needed and no fetcher was ever registered for the key.
func (s *Store) Ensure(ctx context.Context, key qkey.Key, fetcher Fetcher, options ...KeyOption) (Snapshot, error) {
	s.mutex.Lock()
	e, err := s.getOrCreateLocked(key, fetcher, options)
	if err != nil {
		s.mutex.Unlock()
		return Snapshot{}, err
	}
	now := time.Now()
	if e.cfg.disabled || e.fresh(now) {
		snap := e.snapshot(now)
		s.mutex.Unlock()
		return snap, nil
	}
	if e.fetcher == nil {
		if !e.dataSet {
			s.mutex.Unlock()
			return Snapshot{}, ErrNoFetcher
		}
		// Stale data is still servable; it just cannot be refreshed here.
		snap := e.snapshot(now)
		s.mutex.Unlock()
		return snap, nil
	}
	op := s.startFetchLocked(e, false)
	if op == nil || e.dataSet {
		snap := e.snapshot(now)
		s.mutex.Unlock()
		return snap, nil
	}
	s.mutex.Unlock()
	return s.awaitFetch(ctx, e)
}

// SetData writes data for key directly, without going through a fetcher.
// The entry is created if absent. The write clears any previous error, sets
// status to success, and restarts the freshness window. Subscribers are
// notified.
func (s *Store) SetData(key qkey.Key, value any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, err := s.getOrCreateLocked(key, nil, nil)
	if err != nil {
		return err
	}
	s.writeDataLocked(e, value, time.Now())
	return nil
}

// SetDataAt is SetData with an explicit fetch time, for loading data that
// was obtained earlier, such as entries persisted by a previous run. Data
// older than the entry's stale time is stale on arrival and refetched per
// the normal rules.
func (s *Store) SetDataAt(key qkey.Key, value any, fetchedAt time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, err := s.getOrCreateLocked(key, nil, nil)
	if err != nil {
		return err
	}
	s.writeDataLocked(e, value, fetchedAt)
	return nil
}

// Invalidate marks every matching entry stale and refetches the matched
// entries that currently have subscribers, superseding any fetch already in
// flight for them.
//
// By default an entry matches when the given key is a prefix of its key, so
// invalidating ["posts"] also invalidates ["posts", 1]. The Exact option
// restricts matching to the identical key, and the Predicate option matches
// entries by arbitrary logic, in union with the key match. A nil key with a
// predicate invalidates by predicate alone.
func (s *Store) Invalidate(key qkey.Key, options ...InvalidateOption) error {
	cfg, err := getInvalidateOpts(options)
	if err != nil {
		return err
	}
	if key == nil && cfg.predicate == nil {
		return errors.New("invalidate requires a key or a predicate")
	}
	if key != nil {
		if err = key.Validate(); err != nil {
			return err
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now()
	var matched int
	for _, e := range s.entries {
		match := false
		if key != nil {
			if cfg.exact {
				match = e.key.Equal(key)
			} else {
				match = e.key.HasPrefix(key)
			}
		}
		if !match && cfg.predicate != nil {
			match = cfg.predicate(e.key, e.snapshot(now))
		}
		if !match {
			continue
		}
		matched++
		e.invalid = true
		s.notifyLocked(e)
		if len(e.subs) != 0 && !e.cfg.disabled {
			s.startFetchLocked(e, true)
		}
	}
	log.Debugw("Invalidated entries", "key", key, "matched", matched)
	return nil
}

// Refetch forces a new fetch for key and waits for it to resolve,
// superseding any fetch already in flight. Like Ensure, fetch failures are
// reported through the snapshot, not the returned error.
func (s *Store) Refetch(ctx context.Context, key qkey.Key) (Snapshot, error) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return Snapshot{}, ErrClosed
	}
	e, ok := s.entries[key.ID()]
	if !ok {
		s.mutex.Unlock()
		return Snapshot{}, ErrNotFound
	}
	if e.fetcher == nil {
		s.mutex.Unlock()
		return Snapshot{}, ErrNoFetcher
	}
	s.touchGCLocked(e)
	op := s.startFetchLocked(e, true)
	if op == nil {
		snap := e.snapshot(time.Now())
		s.mutex.Unlock()
		return snap, nil
	}
	s.mutex.Unlock()
	return s.awaitFetch(ctx, e)
}

// Remove deletes the entry for key immediately, regardless of subscriber
// count. Subscriptions to the removed entry are closed. This bypasses
// garbage collection; Invalidate is usually the better choice.
func (s *Store) Remove(key qkey.Key) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[key.ID()]
	if !ok {
		return false
	}
	s.evictLocked(e)
	return true
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// Keys returns the keys of all cached entries.
func (s *Store) Keys() []qkey.Key {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	keys := make([]qkey.Key, 0, len(s.entries))
	for _, e := range s.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// Close stops all timers and in-flight result application, and closes all
// subscription channels. Operations on a closed store return ErrClosed.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	for _, e := range s.entries {
		e.evicted = true
		e.stopTimers()
		for sub := range e.subs {
			sub.close()
		}
		e.subs = nil
	}
	s.entries = make(map[string]*entry)
	return nil
}

// getOrCreateLocked returns the entry for key, creating it lazily. Per-key
// options are applied on top of the current configuration, so repeated
// registrations can adjust staleness, polling, and retry settings.
func (s *Store) getOrCreateLocked(key qkey.Key, fetcher Fetcher, options []KeyOption) (*entry, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	id := key.ID()
	e, ok := s.entries[id]
	if !ok {
		cfg := s.defaults
		if err := applyKeyOpts(&cfg, options); err != nil {
			return nil, err
		}
		e = &entry{
			key:    key,
			id:     id,
			cfg:    cfg,
			status: StatusIdle,
			subs:   make(map[*Subscription]struct{}),
		}
		s.entries[id] = e
		log.Debugw("Created cache entry", "key", key)
	} else if len(options) != 0 {
		if err := applyKeyOpts(&e.cfg, options); err != nil {
			return nil, err
		}
		s.schedulePollLocked(e)
	}
	if fetcher != nil {
		e.fetcher = fetcher
	}
	s.touchGCLocked(e)
	return e, nil
}

func (s *Store) writeDataLocked(e *entry, value any, fetchedAt time.Time) {
	e.data = value
	e.dataSet = true
	e.err = nil
	e.status = StatusSuccess
	e.fetchedAt = fetchedAt
	e.invalid = false
	s.notifyLocked(e)
}

// startFetchLocked begins a fetch for e unless one is already in flight, in
// which case the in-flight operation is returned so the caller attaches to
// it. With force set, a new fetch starts even while one is in flight; the
// older fetch is then superseded and its result will be discarded. Returns
// nil if the entry cannot fetch (no fetcher, or disabled without force).
func (s *Store) startFetchLocked(e *entry, force bool) *fetchOp {
	if s.closed || e.evicted {
		return nil
	}
	if e.cfg.disabled && !force {
		return nil
	}
	if e.fetcher == nil {
		log.Debugw("No fetcher registered for key", "key", e.key)
		return nil
	}
	if e.inflight != nil && !force {
		return e.inflight
	}

	e.fetchSeq++
	op := &fetchOp{
		seq:  e.fetchSeq,
		done: make(chan struct{}),
	}
	e.inflight = op
	e.status = StatusPending
	s.notifyLocked(e)

	go s.runFetch(e, op, e.fetcher, e.cfg)
	return op
}

// runFetch executes one fetch, retrying per the entry's retry policy, and
// applies the result. Runs outside the store lock.
func (s *Store) runFetch(e *entry, op *fetchOp, fetcher Fetcher, cfg keyConfig) {
	var value any
	var err error
	attempts := cfg.retryMax + 1
	for i := 0; i < attempts; i++ {
		value, err = fetcher(s.ctx, e.key)
		if err == nil || errors.Is(err, context.Canceled) {
			break
		}
		if i == attempts-1 {
			break
		}
		s.mutex.Lock()
		superseded := e.evicted || e.fetchSeq != op.seq
		s.mutex.Unlock()
		if superseded {
			break
		}
		wait := retryBackoff(cfg.retryWaitMin, cfg.retryWaitMax, i)
		log.Debugw("Fetch failed, retrying", "key", e.key, "attempt", i+1, "wait", wait, "err", err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			close(op.done)
			return
		}
	}
	s.applyFetch(e, op, value, err)
}

// applyFetch records a fetch resolution on the entry, unless the fetch was
// superseded by a newer one or the entry is gone, in which case the result
// is silently dropped.
func (s *Store) applyFetch(e *entry, op *fetchOp, value any, err error) {
	s.mutex.Lock()
	if s.closed || e.evicted {
		if e.inflight == op {
			e.inflight = nil
		}
		s.mutex.Unlock()
		close(op.done)
		return
	}
	if e.fetchSeq != op.seq {
		// A newer fetch was initiated while this one was in flight. Its
		// resolution is authoritative; this one must not overwrite it.
		log.Debugw("Discarding superseded fetch result", "key", e.key)
		s.mutex.Unlock()
		close(op.done)
		return
	}
	e.inflight = nil
	if err != nil {
		e.err = err
		e.status = StatusError
		log.Errorw("Cannot fetch resource", "key", e.key, "err", err)
	} else {
		e.data = value
		e.dataSet = true
		e.err = nil
		e.status = StatusSuccess
		e.fetchedAt = time.Now()
		e.invalid = false
	}
	s.notifyLocked(e)
	s.schedulePollLocked(e)
	s.mutex.Unlock()
	close(op.done)
}

// awaitFetch waits until no fetch is in flight for e, then returns the
// entry snapshot. If the awaited fetch is superseded, waiting continues for
// its replacement, so the caller observes the newest resolution.
func (s *Store) awaitFetch(ctx context.Context, e *entry) (Snapshot, error) {
	for {
		s.mutex.Lock()
		op := e.inflight
		snap := e.snapshot(time.Now())
		s.mutex.Unlock()
		if op == nil {
			return snap, nil
		}
		select {
		case <-op.done:
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-s.ctx.Done():
			return snap, ErrClosed
		}
	}
}

// notifyLocked delivers the entry's current snapshot to all subscribers.
// Subscription queues are unbounded, so delivery never blocks the store.
func (s *Store) notifyLocked(e *entry) {
	if len(e.subs) == 0 {
		return
	}
	snap := e.snapshot(time.Now())
	for sub := range e.subs {
		sub.in <- snap
	}
}

// touchGCLocked restarts the eviction countdown for an entry with no
// subscribers, and cancels it for an entry that has some.
func (s *Store) touchGCLocked(e *entry) {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	if len(e.subs) != 0 || e.evicted || s.closed {
		return
	}
	e.gcTimer = time.AfterFunc(e.cfg.gcTime, func() {
		s.gcExpire(e)
	})
}

func (s *Store) gcExpire(e *entry) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed || e.evicted || len(e.subs) != 0 {
		return
	}
	log.Debugw("Evicting idle entry", "key", e.key)
	s.evictLocked(e)
}

func (s *Store) evictLocked(e *entry) {
	delete(s.entries, e.id)
	e.evicted = true
	e.inflight = nil
	e.stopTimers()
	for sub := range e.subs {
		sub.close()
	}
	e.subs = nil
}

// retryBackoff returns the wait before retry attempt: waitMin doubled per
// prior attempt, capped at waitMax.
func retryBackoff(waitMin, waitMax time.Duration, attempt int) time.Duration {
	wait := time.Duration(float64(waitMin) * math.Pow(2, float64(attempt)))
	if wait > waitMax || wait <= 0 {
		wait = waitMax
	}
	return wait
}
