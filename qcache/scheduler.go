package qcache

import "time"

// schedulePollLocked arms the poll timer for e from its poll policy applied
// to the current data. Any previously armed timer is dropped first, so a
// policy change or a newer resolution always wins. Polling only runs while
// the entry has subscribers; it stops when the policy declines or when the
// entry is evicted.
func (s *Store) schedulePollLocked(e *entry) {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	e.pollGen++
	if s.closed || e.evicted || e.cfg.disabled || e.cfg.poll == nil || len(e.subs) == 0 {
		return
	}
	interval, ok := e.cfg.poll(e.data)
	if !ok || interval <= 0 {
		log.Debugw("Poll policy stopped polling", "key", e.key)
		return
	}
	gen := e.pollGen
	e.pollTimer = time.AfterFunc(interval, func() {
		s.pollTick(e, gen)
	})
}

// pollTick runs when a poll timer fires. The generation check discards
// ticks from timers that were superseded between firing and acquiring the
// lock.
func (s *Store) pollTick(e *entry, gen uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed || e.evicted || e.pollGen != gen {
		return
	}
	if !s.focused && !e.cfg.pollInBackground {
		// Skip the fetch but keep the schedule alive for when the store
		// regains focus.
		s.schedulePollLocked(e)
		return
	}
	if e.inflight != nil {
		// Already fetching; the resolution will reschedule.
		return
	}
	s.startFetchLocked(e, false)
}

// SetFocused records whether the consuming environment is in the
// foreground. Regaining focus refetches every stale entry that has
// subscribers, unless the entry opted out with RefetchOnFocus(false).
// While unfocused, poll ticks are skipped for entries that did not opt in
// with PollInBackground.
func (s *Store) SetFocused(focused bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed || s.focused == focused {
		return
	}
	s.focused = focused
	if focused {
		log.Debugw("Focus regained, refetching stale entries")
		s.refetchStaleLocked(func(cfg keyConfig) bool { return cfg.refetchOnFocus })
	}
}

// SetOnline records whether the network is reachable. Regaining
// connectivity refetches every stale entry that has subscribers, unless
// the entry opted out with RefetchOnReconnect(false).
func (s *Store) SetOnline(online bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed || s.online == online {
		return
	}
	s.online = online
	if online {
		log.Debugw("Connectivity regained, refetching stale entries")
		s.refetchStaleLocked(func(cfg keyConfig) bool { return cfg.refetchOnReconnect })
	}
}

func (s *Store) refetchStaleLocked(enabled func(keyConfig) bool) {
	now := time.Now()
	for _, e := range s.entries {
		if len(e.subs) == 0 || e.cfg.disabled || !enabled(e.cfg) {
			continue
		}
		if e.fresh(now) || e.inflight != nil {
			continue
		}
		s.startFetchLocked(e, false)
	}
}
