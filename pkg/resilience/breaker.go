package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker's current mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Allow when the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker protects a named dependency from cascading failure. It tracks
// CLOSED -> OPEN -> HALF_OPEN -> CLOSED transitions based on consecutive
// failures and successes, mirroring the phone agent's resilience layer
// for every external AI/telephony call site.
type Breaker struct {
	Name              string
	FailureThreshold  int
	SuccessThreshold  int
	ResetTimeout      time.Duration
	HalfOpenMaxCalls  int
	Logger            *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

// NewBreaker constructs a breaker with the given name and sensible
// defaults (failure_threshold=5, success_threshold=2, reset_timeout=60s,
// half_open_max_calls=3).
func NewBreaker(name string) *Breaker {
	return &Breaker{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
		state:            Closed,
	}
}

// State returns the breaker's current state, first checking whether an
// OPEN breaker's reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkTransition()
	return b.state
}

func (b *Breaker) checkTransition() {
	if b.state == Open && !b.lastFailureTime.IsZero() {
		if time.Since(b.lastFailureTime) >= b.ResetTimeout {
			b.toHalfOpen()
		}
	}
}

func (b *Breaker) toOpen() {
	if b.Logger != nil {
		b.Logger.Warn("circuit breaker open", slog.String("name", b.Name), slog.Int("failures", b.failureCount))
	}
	b.state = Open
	b.lastFailureTime = time.Now()
}

func (b *Breaker) toHalfOpen() {
	if b.Logger != nil {
		b.Logger.Info("circuit breaker half-open", slog.String("name", b.Name))
	}
	b.state = HalfOpen
	b.halfOpenCalls = 0
	b.successCount = 0
}

func (b *Breaker) toClosed() {
	if b.Logger != nil {
		b.Logger.Info("circuit breaker closed", slog.String("name", b.Name))
	}
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
	b.lastFailureTime = time.Time{}
}

// Allow reports whether a call should proceed. HALF_OPEN permits up to
// HalfOpenMaxCalls probe calls before rejecting further attempts until the
// probes resolve.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkTransition()

	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	default: // HalfOpen
		if b.halfOpenCalls < b.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
}

// RecordSuccess registers a successful call. In HALF_OPEN, enough
// successes close the breaker; in CLOSED it decrements the failure count
// so isolated failures don't accumulate toward the threshold forever.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.SuccessThreshold {
			b.toClosed()
		}
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// RecordFailure registers a failed call. Any failure while HALF_OPEN trips
// back to OPEN; in CLOSED, crossing FailureThreshold trips to OPEN.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.toOpen()
	case Closed:
		if b.failureCount >= b.FailureThreshold {
			b.toOpen()
		}
	}
}

// ResetAt returns the time the breaker will become eligible for
// HALF_OPEN, or the zero Time if it isn't currently OPEN.
func (b *Breaker) ResetAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !b.lastFailureTime.IsZero() {
		return b.lastFailureTime.Add(b.ResetTimeout)
	}
	return time.Time{}
}

// Reset forces the breaker back to CLOSED, discarding any failure/success
// history. Intended for operator intervention, not normal call paths.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
}

// Do runs fn if the breaker allows it, recording the outcome. Returns
// ErrCircuitOpen without invoking fn when the breaker rejects the call.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Status is a snapshot of a breaker's state for reporting/dashboards.
type Status struct {
	Name         string
	State        string
	FailureCount int
	ResetAt      *time.Time
}

func (b *Breaker) status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkTransition()
	s := Status{Name: b.Name, State: b.state.String(), FailureCount: b.failureCount}
	if b.state == Open && !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime.Add(b.ResetTimeout)
		s.ResetAt = &t
	}
	return s
}
