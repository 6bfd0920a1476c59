package qcache

import (
	"context"
	"fmt"
	"time"

	"github.com/qres/go-qres/qkey"
)

// WriteFunc is the remote write performed by a mutation. It is supplied by
// the caller; the cache imposes nothing on its internals.
type WriteFunc func(ctx context.Context) (any, error)

type optimisticUpdate struct {
	key   qkey.Key
	apply func(current any) any
}

// mutateConfig contains all options for one Mutate call.
type mutateConfig struct {
	updates     []optimisticUpdate
	invalidates []qkey.Key
	onError     func(error)
	onSettled   func(result any, err error)
}

// MutateOption is a function that sets a value in a mutateConfig.
type MutateOption func(*mutateConfig) error

func getMutateOpts(opts []MutateOption) (mutateConfig, error) {
	var cfg mutateConfig
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return mutateConfig{}, fmt.Errorf("mutate option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// Optimistic applies a predicted value for key before the remote write
// runs. The function receives the entry's current data (nil if none) and
// returns the predicted data. If the write fails, the entry is restored to
// its exact pre-mutation state. May be given more than once for different
// keys.
func Optimistic(key qkey.Key, apply func(current any) any) MutateOption {
	return func(cfg *mutateConfig) error {
		if err := key.Validate(); err != nil {
			return err
		}
		if apply == nil {
			return fmt.Errorf("optimistic update function cannot be nil")
		}
		cfg.updates = append(cfg.updates, optimisticUpdate{key: key, apply: apply})
		return nil
	}
}

// Invalidates names additional keys to invalidate after the write
// succeeds, beyond the keys of the optimistic updates.
func Invalidates(keys ...qkey.Key) MutateOption {
	return func(cfg *mutateConfig) error {
		for _, key := range keys {
			if err := key.Validate(); err != nil {
				return err
			}
		}
		cfg.invalidates = append(cfg.invalidates, keys...)
		return nil
	}
}

// OnError registers a callback invoked after rollback when the write
// fails.
func OnError(fn func(error)) MutateOption {
	return func(cfg *mutateConfig) error {
		cfg.onError = fn
		return nil
	}
}

// OnSettled registers a callback invoked after the mutation completes,
// whether it succeeded or failed, once rollback or invalidation has
// already happened. Useful for a final invalidation that must run in both
// outcomes.
func OnSettled(fn func(result any, err error)) MutateOption {
	return func(cfg *mutateConfig) error {
		cfg.onSettled = fn
		return nil
	}
}

// rollbackState is the exact pre-mutation state of one entry touched by an
// optimistic update.
type rollbackState struct {
	e       *entry
	created bool

	data      any
	dataSet   bool
	err       error
	status    Status
	fetchedAt time.Time
	invalid   bool
}

// Mutate performs a remote write with optional optimistic cache updates.
//
// Optimistic values are applied atomically before the write runs, so any
// concurrent read of an affected key observes the predicted data, never a
// half-applied state. If the write succeeds, the affected keys are
// invalidated so the next read reconciles with authoritative data, and the
// write's result is returned. If the write fails, every affected entry is
// rolled back to its exact pre-mutation state and the error is returned.
func (s *Store) Mutate(ctx context.Context, write WriteFunc, options ...MutateOption) (any, error) {
	cfg, err := getMutateOpts(options)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, ErrClosed
	}
	rollbacks := make([]rollbackState, 0, len(cfg.updates))
	for _, update := range cfg.updates {
		_, existed := s.entries[update.key.ID()]
		e, err := s.getOrCreateLocked(update.key, nil, nil)
		if err != nil {
			s.mutex.Unlock()
			return nil, err
		}
		rollbacks = append(rollbacks, rollbackState{
			e:         e,
			created:   !existed,
			data:      e.data,
			dataSet:   e.dataSet,
			err:       e.err,
			status:    e.status,
			fetchedAt: e.fetchedAt,
			invalid:   e.invalid,
		})
		s.writeDataLocked(e, update.apply(e.data), time.Now())
	}
	s.mutex.Unlock()

	result, werr := write(ctx)
	if werr != nil {
		s.rollback(rollbacks)
		log.Debugw("Mutation failed, rolled back optimistic updates", "err", werr, "keys", len(rollbacks))
		if cfg.onError != nil {
			cfg.onError(werr)
		}
		if cfg.onSettled != nil {
			cfg.onSettled(nil, werr)
		}
		return nil, werr
	}

	for _, update := range cfg.updates {
		if err = s.Invalidate(update.key); err != nil {
			break
		}
	}
	if err == nil {
		for _, key := range cfg.invalidates {
			if err = s.Invalidate(key); err != nil {
				break
			}
		}
	}
	if cfg.onSettled != nil {
		cfg.onSettled(result, werr)
	}
	if err != nil {
		// The write itself succeeded; reconciliation was cut short by the
		// store closing.
		return result, err
	}
	return result, nil
}

func (s *Store) rollback(rollbacks []rollbackState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	for _, rb := range rollbacks {
		if rb.e.evicted {
			continue
		}
		if rb.created {
			// The optimistic update brought this entry into existence;
			// exact rollback removes it again.
			s.evictLocked(rb.e)
			continue
		}
		rb.e.data = rb.data
		rb.e.dataSet = rb.dataSet
		rb.e.err = rb.err
		rb.e.status = rb.status
		rb.e.fetchedAt = rb.fetchedAt
		rb.e.invalid = rb.invalid
		s.notifyLocked(rb.e)
	}
}
