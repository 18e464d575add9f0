// Package breaker isolates callers from a failing durable store. When
// the store degrades, callers get an immediate, typed failure instead of
// a hung connection.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the circuit is open: the call never reached
// the store. Callers surface it to clients as a degraded-mode error.
var ErrOpen = errors.New("circuit open")

// State is the breaker's position.
type State int

const (
	// Closed passes calls through, counting consecutive failures.
	Closed State = iota
	// Open fails every call immediately until the cooldown elapses.
	Open
	// HalfOpen lets exactly one probe call through.
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

// Breaker is a consecutive-failure circuit breaker. Zero value is not
// usable; construct with New.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	cooldown  time.Duration

	// isFailure decides which errors count against the circuit. By
	// default every error counts; the store caller narrows this to
	// unavailability so rule errors like a stale write don't trip it.
	isFailure func(error) bool

	now func() time.Time
}

// New returns a closed breaker that opens after threshold consecutive
// failures and stays open for cooldown before allowing a probe.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		isFailure: func(err error) bool { return err != nil },
		now:       time.Now,
	}
}

// ClassifyFailures replaces the failure predicate. Errors for which fn
// returns false still propagate to the caller but leave the circuit
// untouched.
func (b *Breaker) ClassifyFailures(fn func(error) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isFailure = fn
}

// State returns the breaker's current position, accounting for an
// elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn through the breaker. While open it returns ErrOpen without
// invoking fn. In half-open, only one in-flight probe is admitted;
// concurrent callers fail fast with ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		fallthrough
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.isFailure(err)

	if b.state == HalfOpen {
		b.probing = false
		if failed {
			// Probe failed: restart the cooldown.
			b.state = Open
			b.openedAt = b.now()
			return
		}
		b.state = Closed
		b.failures = 0
		return
	}

	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
	}
}
