// Package retry wraps retry-go with exponential backoff defaults used for
// startup connections and other idempotent calls.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

type Config struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RetryIf limits retries to errors it accepts; nil retries every error.
	RetryIf func(error) bool
	// OnRetry is called before each new attempt with the failed attempt's
	// number (starting at 1) and error.
	OnRetry func(attempt uint, err error)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Do calls fn until it succeeds, the attempts run out, RetryIf rejects the
// error or ctx is done. The last error is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	}
	if cfg.RetryIf != nil {
		opts = append(opts, retry.RetryIf(cfg.RetryIf))
	}
	if cfg.OnRetry != nil {
		opts = append(opts, retry.OnRetry(func(n uint, err error) {
			cfg.OnRetry(n+1, err)
		}))
	}
	return retry.Do(fn, opts...)
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
