package qcache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qres/go-qres/qcache"
)

func TestPollFixedInterval(t *testing.T) {
	s, err := qcache.New()
	require.NoError(t, err)
	defer s.Close()

	f := &mockFetcher{value: "tick"}
	key := mustKey(t, "clock")

	sub, err := s.Subscribe(key, f.fetch, qcache.Poll(30*time.Millisecond))
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool {
		return f.calls.Load() >= 3
	}, time.Second, 10*time.Millisecond)
}

func TestPollStopsWhenDone(t *testing.T) {
	s, err := qcache.New()
	require.NoError(t, err)
	defer s.Close()

	f := &mockFetcher{responses: []func() (any, error){
		func() (any, error) { return map[string]any{"done": false}, nil },
		func() (any, error) { return map[string]any{"done": false}, nil },
		func() (any, error) { return map[string]any{"done": true}, nil },
	}}
	key := mustKey(t, "job")

	policy := func(data any) (time.Duration, bool) {
		job, ok := data.(map[string]any)
		if ok && job["done"] == true {
			return 0, false
		}
		return 30 * time.Millisecond, true
	}

	sub, err := s.Subscribe(key, f.fetch, qcache.PollFunc(policy))
	require.NoError(t, err)
	defer sub.Cancel()

	// Two incomplete results and one complete one: exactly 3 fetches.
	require.Eventually(t, func() bool {
		return f.calls.Load() == 3
	}, time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(3), f.calls.Load())
}

func TestPollStopsOnCancel(t *testing.T) {
	s, err := qcache.New()
	require.NoError(t, err)
	defer s.Close()

	f := &mockFetcher{value: 1}
	key := mustKey(t, "watched")

	sub, err := s.Subscribe(key, f.fetch, qcache.Poll(20*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	sub.Cancel()
	calls := f.calls.Load()
	time.Sleep(100 * time.Millisecond)
	// One tick may already have been in flight at cancellation.
	require.LessOrEqual(t, f.calls.Load(), calls+1)
}

func TestPollSuppressedInBackground(t *testing.T) {
	s, err := qcache.New()
	require.NoError(t, err)
	defer s.Close()

	f := &mockFetcher{value: 1}
	key := mustKey(t, "bg")

	s.SetFocused(false)
	sub, err := s.Subscribe(key, f.fetch,
		qcache.Poll(20*time.Millisecond), qcache.RefetchOnFocus(false))
	require.NoError(t, err)
	defer sub.Cancel()

	// The initial fetch runs, but poll ticks are skipped while unfocused.
	require.Eventually(t, func() bool {
		return f.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), f.calls.Load())

	// Regaining focus resumes ticking.
	s.SetFocused(true)
	require.Eventually(t, func() bool {
		return f.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRefetchOnFocus(t *testing.T) {
	s, err := qcache.New()
	require.NoError(t, err)
	defer s.Close()

	f := &mockFetcher{value: 1}
	key := mustKey(t, "focused")

	sub, err := s.Subscribe(key, f.fetch)
	require.NoError(t, err)
	defer sub.Cancel()
	require.Eventually(t, func() bool {
		return f.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// Default stale time is zero, so the entry is already stale.
	s.SetFocused(false)
	s.SetFocused(true)
	require.Eventually(t, func() bool {
		return f.calls.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRefetchOnFocusSuppressed(t *testing.T) {
	s, err := qcache.New()
	require.NoError(t, err)
	defer s.Close()

	f := &mockFetcher{value: 1}
	key := mustKey(t, "quiet")

	sub, err := s.Subscribe(key, f.fetch, qcache.RefetchOnFocus(false))
	require.NoError(t, err)
	defer sub.Cancel()
	require.Eventually(t, func() bool {
		return f.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	s.SetFocused(false)
	s.SetFocused(true)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), f.calls.Load())
}

func TestRefetchOnReconnect(t *testing.T) {
	s, err := qcache.New()
	require.NoError(t, err)
	defer s.Close()

	f := &mockFetcher{value: 1}
	key := mustKey(t, "online")

	sub, err := s.Subscribe(key, f.fetch)
	require.NoError(t, err)
	defer sub.Cancel()
	require.Eventually(t, func() bool {
		return f.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	s.SetOnline(false)
	s.SetOnline(true)
	require.Eventually(t, func() bool {
		return f.calls.Load() == 2
	}, time.Second, 5*time.Millisecond)

	// Fresh entries are not refetched on reconnect.
	fresh := mustKey(t, "fresh")
	f2 := &mockFetcher{value: 2}
	sub2, err := s.Subscribe(fresh, f2.fetch, qcache.StaleTime(time.Minute))
	require.NoError(t, err)
	defer sub2.Cancel()
	require.Eventually(t, func() bool {
		return f2.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	s.SetOnline(false)
	s.SetOnline(true)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), f2.calls.Load())
}
