package remote

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures the rate-limit backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the delay before the first retry when the server
	// gives no hint. It doubles after every attempt.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps both computed and server-provided delays.
	// Default: 60s
	MaxBackoff time.Duration

	// Jitter adds randomness to computed backoff. Value between 0 and 1,
	// where 0.1 means ±10%. Server hints are never jittered.
	// Default: 0
	Jitter float64
}

// DefaultRetryConfig returns the retry configuration used by the CLI.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// retryer runs operations until they succeed, fail with a non-retryable
// error, or exhaust the attempt ceiling.
type retryer struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error

	// onRetry is called before every wait. Used for logging and metrics.
	onRetry func(attempt int, wait time.Duration, err error)
}

func newRetryer(config RetryConfig) *retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0
	}
	return &retryer{config: config, sleep: sleepContext}
}

// do executes op, retrying only rate-limited failures.
func (r *retryer) do(ctx context.Context, op func() error) error {
	backoff := r.config.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt
		if attempt == r.config.MaxAttempts {
			break
		}

		wait := RetryAfter(lastErr)
		if wait <= 0 {
			wait = r.addJitter(backoff)
		}
		if wait > r.config.MaxBackoff {
			wait = r.config.MaxBackoff
		}
		if r.onRetry != nil {
			r.onRetry(attempt, wait, lastErr)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}

		backoff *= 2
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	return lastErr
}

func (r *retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	jitter := float64(d) * r.config.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
