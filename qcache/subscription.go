package qcache

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/channelqueue"
	"github.com/qres/go-qres/qkey"
)

// Subscription is one observer's attachment to a cache entry. While at
// least one subscription is attached, the entry is never garbage collected;
// when the last one is cancelled, the entry's eviction countdown starts.
type Subscription struct {
	store *Store
	e     *entry

	in        chan<- Snapshot
	out       <-chan Snapshot
	closeOnce sync.Once
}

// Subscribe attaches an observer to the entry for key, creating the entry
// if absent and fetching per the same rules as Ensure, without waiting for
// the fetch to resolve. The subscription's channel immediately receives the
// entry's current snapshot, and then a snapshot for every subsequent
// change.
//
// The caller must Cancel the subscription when done observing the key.
func (s *Store) Subscribe(key qkey.Key, fetcher Fetcher, options ...KeyOption) (*Subscription, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, err := s.getOrCreateLocked(key, fetcher, options)
	if err != nil {
		return nil, err
	}

	// Queue is unbounded to prevent notification from blocking if the
	// observer is not reading the channel immediately.
	cq := channelqueue.New[Snapshot](-1)
	sub := &Subscription{
		store: s,
		e:     e,
		in:    cq.In(),
		out:   cq.Out(),
	}
	e.subs[sub] = struct{}{}
	s.touchGCLocked(e)

	// Deliver the current state first, so the pending notification from a
	// triggered fetch is observed as a transition from it.
	sub.in <- e.snapshot(time.Now())

	if !e.cfg.disabled && !e.fresh(time.Now()) {
		s.startFetchLocked(e, false)
	}
	s.schedulePollLocked(e)
	return sub, nil
}

// Updates returns the channel on which entry snapshots are delivered. The
// channel is closed when the subscription is cancelled or the entry is
// removed from the cache.
func (sub *Subscription) Updates() <-chan Snapshot {
	return sub.out
}

// Snapshot returns the entry's current state.
func (sub *Subscription) Snapshot() Snapshot {
	sub.store.mutex.Lock()
	defer sub.store.mutex.Unlock()
	return sub.e.snapshot(time.Now())
}

// Key returns the key this subscription observes.
func (sub *Subscription) Key() qkey.Key {
	return sub.e.key
}

// Refetch forces a new fetch of the observed key and waits for it to
// resolve. See Store.Refetch.
func (sub *Subscription) Refetch(ctx context.Context) (Snapshot, error) {
	return sub.store.Refetch(ctx, sub.e.key)
}

// Cancel detaches the observer. If this was the entry's last subscription,
// the entry's gc countdown starts and its polling stops. Cancel is safe to
// call more than once.
func (sub *Subscription) Cancel() {
	s := sub.store
	s.mutex.Lock()
	if _, ok := sub.e.subs[sub]; ok {
		delete(sub.e.subs, sub)
		if len(sub.e.subs) == 0 && !sub.e.evicted {
			s.schedulePollLocked(sub.e)
			s.touchGCLocked(sub.e)
		}
	}
	s.mutex.Unlock()
	sub.close()
}

// close closes the update channel. Called on cancel and on eviction.
func (sub *Subscription) close() {
	sub.closeOnce.Do(func() {
		close(sub.in)
	})
}
