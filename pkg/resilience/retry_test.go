package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestPolicy_Do_SucceedsOnFirstTry(t *testing.T) {
	is := is.New(t)

	p := DefaultPolicy
	calls := 0
	err := p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		calls++
		return nil
	})

	is.NoErr(err)
	is.Equal(calls, 1)
}

func TestPolicy_Do_RetriesRecoverable(t *testing.T) {
	is := is.New(t)

	p := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	calls := 0
	err := p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewRecoverable(errors.New("transient"), "transient failure")
		}
		return nil
	})

	is.NoErr(err)
	is.Equal(calls, 3)
}

func TestPolicy_Do_StopsOnFatal(t *testing.T) {
	is := is.New(t)

	p := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	calls := 0
	err := p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		calls++
		return NewFatal(errors.New("bad key"), "invalid credentials")
	})

	is.True(err != nil)
	is.Equal(calls, 1) // fatal errors never retry
	is.True(IsFatal(err))
}

func TestPolicy_Do_ExhaustsAfterMaxRetries(t *testing.T) {
	is := is.New(t)

	p := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	calls := 0
	err := p.Do(context.Background(), nil, "test", func(ctx context.Context) error {
		calls++
		return NewRecoverable(errors.New("still down"), "still down")
	})

	is.True(err != nil)
	is.Equal(calls, 3) // 1 initial + 2 retries
	var exhausted *ExhaustedError
	is.True(errors.As(err, &exhausted))
	is.Equal(exhausted.Attempts, 3)
}

func TestPolicy_Do_RespectsContextCancellation(t *testing.T) {
	is := is.New(t)

	p := Policy{MaxRetries: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2.0}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, nil, "test", func(ctx context.Context) error {
		calls++
		return NewRecoverable(errors.New("down"), "down")
	})

	is.Equal(err, context.Canceled)
}

func TestPolicy_delay_NeverBelowFloor(t *testing.T) {
	is := is.New(t)

	p := Policy{InitialDelay: 0, MaxDelay: time.Second, BackoffFactor: 2.0}
	d := p.delay(1)
	is.True(d >= 100*time.Millisecond)
}
