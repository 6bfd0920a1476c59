package qcache

import (
	"fmt"
	"time"

	"github.com/qres/go-qres/qkey"
)

const (
	// defaultGCTime is the default time an entry with no subscribers
	// remains in the cache before being evicted.
	defaultGCTime = 5 * time.Minute
	// defaultRetryWaitMin is the default minimum wait between fetch retries.
	defaultRetryWaitMin = 500 * time.Millisecond
	// defaultRetryWaitMax is the default maximum wait between fetch retries.
	defaultRetryWaitMax = 30 * time.Second
)

// config contains all options for configuring Store.
type config struct {
	defaults keyConfig
}

// keyConfig contains the per-key settings for one cache entry. Values not
// set at registration are inherited from the store defaults.
type keyConfig struct {
	staleTime time.Duration
	gcTime    time.Duration
	disabled  bool

	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration

	poll             PollPolicy
	pollInBackground bool

	refetchOnFocus     bool
	refetchOnReconnect bool
}

// PollPolicy determines, from the most recently fetched data, how long to
// wait before the next automatic refetch. Returning false stops polling.
type PollPolicy func(data any) (time.Duration, bool)

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		defaults: keyConfig{
			gcTime:             defaultGCTime,
			retryWaitMin:       defaultRetryWaitMin,
			retryWaitMax:       defaultRetryWaitMax,
			refetchOnFocus:     true,
			refetchOnReconnect: true,
		},
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithStaleTime sets the default duration after a successful fetch during
// which entries are considered fresh and are not refetched.
//
// Default is 0, meaning entries are stale as soon as they are fetched.
func WithStaleTime(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("stale time cannot be negative")
		}
		cfg.defaults.staleTime = d
		return nil
	}
}

// WithGCTime sets the default duration that an entry with no subscribers
// remains cached before it is evicted.
//
// Default is 5 minutes.
func WithGCTime(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("gc time must be positive")
		}
		cfg.defaults.gcTime = d
		return nil
	}
}

// WithRetry sets the default fetch retry policy: up to retryMax additional
// attempts after a failed fetch, waiting between attempts starting at
// waitMin and doubling up to waitMax. Retries happen before the failure is
// surfaced to observers.
//
// Default is no retries.
func WithRetry(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
		if retryMax < 0 {
			return fmt.Errorf("retry count cannot be negative")
		}
		cfg.defaults.retryMax = retryMax
		if waitMin > 0 {
			cfg.defaults.retryWaitMin = waitMin
		}
		if waitMax > 0 {
			cfg.defaults.retryWaitMax = waitMax
		}
		return nil
	}
}

// WithBackgroundTriggers sets the default for whether focus, reconnect, and
// poll triggers remain active while the store is unfocused.
//
// Default is false: poll ticks are skipped while unfocused.
func WithBackgroundTriggers(enabled bool) Option {
	return func(cfg *config) error {
		cfg.defaults.pollInBackground = enabled
		return nil
	}
}

// KeyOption is a function that sets a per-key value when registering a key
// with Ensure or Subscribe. Per-key options take precedence over the store
// defaults.
type KeyOption func(*keyConfig) error

func applyKeyOpts(cfg *keyConfig, opts []KeyOption) error {
	for i, opt := range opts {
		if err := opt(cfg); err != nil {
			return fmt.Errorf("key option %d failed: %s", i, err)
		}
	}
	return nil
}

// StaleTime sets the freshness window for this key.
func StaleTime(d time.Duration) KeyOption {
	return func(cfg *keyConfig) error {
		if d < 0 {
			return fmt.Errorf("stale time cannot be negative")
		}
		cfg.staleTime = d
		return nil
	}
}

// GCTime sets how long this key's entry survives with no subscribers.
func GCTime(d time.Duration) KeyOption {
	return func(cfg *keyConfig) error {
		if d <= 0 {
			return fmt.Errorf("gc time must be positive")
		}
		cfg.gcTime = d
		return nil
	}
}

// Disabled suppresses all automatic fetching for this key. Observers still
// attach, and an explicit Refetch still fetches.
func Disabled() KeyOption {
	return func(cfg *keyConfig) error {
		cfg.disabled = true
		return nil
	}
}

// Retry sets the fetch retry policy for this key. See WithRetry.
func Retry(retryMax int, waitMin, waitMax time.Duration) KeyOption {
	return func(cfg *keyConfig) error {
		if retryMax < 0 {
			return fmt.Errorf("retry count cannot be negative")
		}
		cfg.retryMax = retryMax
		if waitMin > 0 {
			cfg.retryWaitMin = waitMin
		}
		if waitMax > 0 {
			cfg.retryWaitMax = waitMax
		}
		return nil
	}
}

// Poll refetches this key at a fixed interval while it has subscribers.
// An interval of 0 disables polling.
func Poll(interval time.Duration) KeyOption {
	return func(cfg *keyConfig) error {
		if interval < 0 {
			return fmt.Errorf("poll interval cannot be negative")
		}
		if interval == 0 {
			cfg.poll = nil
			return nil
		}
		cfg.poll = func(any) (time.Duration, bool) {
			return interval, true
		}
		return nil
	}
}

// PollFunc derives the poll interval for this key from the most recently
// fetched data, so polling can stop itself once the data reaches a terminal
// state. A nil policy disables polling.
func PollFunc(policy PollPolicy) KeyOption {
	return func(cfg *keyConfig) error {
		cfg.poll = policy
		return nil
	}
}

// PollInBackground keeps this key's poll ticks running while the store is
// unfocused.
func PollInBackground(enabled bool) KeyOption {
	return func(cfg *keyConfig) error {
		cfg.pollInBackground = enabled
		return nil
	}
}

// RefetchOnFocus sets whether this key is refetched, if stale, when the
// store regains focus. Default is true.
func RefetchOnFocus(enabled bool) KeyOption {
	return func(cfg *keyConfig) error {
		cfg.refetchOnFocus = enabled
		return nil
	}
}

// RefetchOnReconnect sets whether this key is refetched, if stale, when the
// store regains network connectivity. Default is true.
func RefetchOnReconnect(enabled bool) KeyOption {
	return func(cfg *keyConfig) error {
		cfg.refetchOnReconnect = enabled
		return nil
	}
}

// invalidateConfig contains all options for one Invalidate call.
type invalidateConfig struct {
	exact     bool
	predicate func(qkey.Key, Snapshot) bool
}

// InvalidateOption is a function that sets a value in an invalidateConfig.
type InvalidateOption func(*invalidateConfig) error

func getInvalidateOpts(opts []InvalidateOption) (invalidateConfig, error) {
	var cfg invalidateConfig
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return invalidateConfig{}, fmt.Errorf("invalidate option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// Exact restricts invalidation to the entry whose key is identical to the
// given key, instead of every entry the key is a prefix of.
func Exact() InvalidateOption {
	return func(cfg *invalidateConfig) error {
		cfg.exact = true
		return nil
	}
}

// Predicate invalidates every entry the function matches, in union with
// the key match.
func Predicate(match func(qkey.Key, Snapshot) bool) InvalidateOption {
	return func(cfg *invalidateConfig) error {
		if match == nil {
			return fmt.Errorf("predicate cannot be nil")
		}
		cfg.predicate = match
		return nil
	}
}
