// Package retry converts errors into exponentially-growing backoff delays.
// It underlies the Epoch Coordinator client's propose-transaction retry
// loop; the watcher's reconnect loop keeps its own doubling delay.
package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Retry calls try repeatedly until it returns nil, using the default
// exponential backoff configuration (uncapped).
//
// The caller may pass a cancelable context; if it is already cancelled,
// Retry returns its error immediately without calling try.
func Retry(ctx context.Context, logger *zap.Logger, try func() error) error {
	return Config{}.Retry(ctx, logger, try)
}

// Config parameterizes exponential backoff.
type Config struct {
	// MaxWait caps the backoff duration. Zero means unbounded. The
	// coordinator's propose loop sets this to 5s.
	MaxWait time.Duration

	// Report, if non-nil, is called on each failed attempt; it may return
	// a non-nil error to abort the retry loop (the caller has decided the
	// failure is permanent).
	Report func(error) error
}

// Retry calls try repeatedly until it returns nil, using c's configuration.
func (c Config) Retry(ctx context.Context, logger *zap.Logger, try func() error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	backoff := time.Duration(1)
	for {
		before := time.Now()
		err := try()
		if err == nil {
			return nil
		}
		elapsed := time.Since(before)

		if c.Report != nil {
			if reportErr := c.Report(err); reportErr != nil {
				return reportErr
			}
		} else if logger != nil {
			logger.Warn("retrying after error", zap.Error(err))
		}

		if backoff <= elapsed {
			backoff = elapsed
		}
		backoff += time.Duration(rand.Int63n(int64(backoff) + 1))
		if c.MaxWait > 0 && backoff > c.MaxWait {
			backoff = c.MaxWait
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
			continue
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
