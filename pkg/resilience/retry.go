package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Policy configures exponential-backoff retry behavior for recoverable
// errors. Mirrors the AI provider retry config used throughout the
// provider layer, generalized to any Do call.
type Policy struct {
	MaxRetries    int           // attempts after the first, i.e. total tries = MaxRetries+1
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // delay ceiling
	BackoffFactor float64       // multiplier applied per attempt
	JitterPercent float64       // +/- fraction of delay to randomize
}

// DefaultPolicy matches the provider layer's conservative defaults.
var DefaultPolicy = Policy{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// delay computes the backoff for the given attempt (1-based: the first
// retry is attempt 1). The result is never below 100ms.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterPercent > 0 {
		jitterRange := d * p.JitterPercent
		d += (rand.Float64()*2 - 1) * jitterRange
	}
	if d < float64(100*time.Millisecond) {
		d = float64(100 * time.Millisecond)
	}
	return time.Duration(d)
}

// Do executes fn, retrying on recoverable errors (per IsRecoverable) up to
// MaxRetries times with exponential backoff and jitter. Fatal errors (per
// IsFatal) are returned immediately without retry. An error that is
// neither wrapped recoverable nor fatal is treated as recoverable, to
// match the provider layer's "unknown error, retry for safety" behavior.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			d := p.delay(attempt)
			if logger != nil {
				logger.Warn("retrying after recoverable error",
					slog.String("op", name),
					slog.Int("attempt", attempt),
					slog.Duration("delay", d),
					slog.String("last_error", lastErr.Error()))
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsFatal(err) {
			return err
		}
		// recoverable or unclassified: fall through to retry loop
	}
	return &ExhaustedError{Attempts: p.MaxRetries + 1, LastErr: lastErr}
}
