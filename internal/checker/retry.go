package checker

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = time.Second
)

// ExponentialBackoff computes the delay before each retry
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry returns InitialDelay * Multiplier^attempt, bounded by MaxDelay when set
func (b ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(b.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
	}

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the production SleepFunc
func ContextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy runs an operation up to MaxRetries+1 times
type RetryPolicy struct {
	MaxRetries int
	Backoff    ExponentialBackoff
	Sleep      SleepFunc
}

// DefaultRetryPolicy retries twice, waiting 1s then 2s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Backoff: ExponentialBackoff{
			InitialDelay: DefaultBaseDelay,
			Multiplier:   2,
		},
		Sleep: ContextSleep,
	}
}

// Do calls fn with attempt in [0, MaxRetries] until it returns nil. The
// delay before retry n+1 is Backoff.NextRetry(n). It returns the index of
// the last attempt made and the error of that attempt. Misconfiguration
// errors are never retried.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if attempt == maxRetries || errors.Is(err, ErrMisconfigured) {
			return attempt, err
		}
		if sleepErr := sleep(ctx, p.Backoff.NextRetry(attempt)); sleepErr != nil {
			return attempt, err
		}
	}
	return maxRetries, err
}
