package httpfetch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultRetryMax     = 2
	defaultRetryWaitMin = 200 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
)

// config contains all options for configuring Source.
type config struct {
	client       *http.Client
	timeout      time.Duration
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		timeout:      defaultHTTPTimeout,
		retryMax:     defaultRetryMax,
		retryWaitMin: defaultRetryWaitMin,
		retryWaitMax: defaultRetryWaitMax,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	if cfg.client == nil {
		rclient := &retryablehttp.Client{
			HTTPClient: &http.Client{
				Timeout: cfg.timeout,
			},
			RetryWaitMin: cfg.retryWaitMin,
			RetryWaitMax: cfg.retryWaitMax,
			RetryMax:     cfg.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		}
		cfg.client = rclient.StandardClient()
	}
	return cfg, nil
}

// WithClient supplies the HTTP client used for requests, replacing the
// default retrying client.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.client = c
		}
		return nil
	}
}

// WithTimeout specifies a time limit for HTTP requests. A value of zero
// means no timeout.
//
// Default is 10 seconds.
func WithTimeout(to time.Duration) Option {
	return func(cfg *config) error {
		if to < 0 {
			return fmt.Errorf("timeout cannot be negative")
		}
		cfg.timeout = to
		return nil
	}
}

// WithRetry configures transport-level retries of failed requests. This is
// independent of the cache's own retry policy, which re-runs the whole
// fetch.
//
// Default is 2 retries, waiting from 200ms up to 5s between attempts.
func WithRetry(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
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
