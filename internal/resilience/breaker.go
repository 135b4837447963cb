// Package resilience guards calls to flaky sensors and alert transports.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit position.
type State int

const (
	Closed   State = iota // calls pass
	Open                  // calls refused until the reset timeout passes
	HalfOpen              // probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned while the breaker is failing fast.
var ErrOpen = errors.New("circuit breaker open")

// Counts is a point-in-time view of a breaker.
type Counts struct {
	State    State
	Failures int   // consecutive, reset on success or close
	Rejected int64 // calls refused while open
	Trips    int64 // closed or half-open to open transitions
}

// Breaker fails fast after Threshold consecutive failures and lets a trial call
// through once ResetTimeout has passed since the last one.
type Breaker struct {
	cfg    Config
	onTrip func(from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	trials    int
	rejected  int64
	trips     int64
	lastFault time.Time
}

// New creates a breaker with config
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// WithHook sets a callback run on every state change, outside the lock.
func (b *Breaker) WithHook(fn func(from, to State)) *Breaker {
	b.onTrip = fn
	return b
}

// Allow returns nil if a call may proceed, ErrOpen otherwise. Moving from
// Open to HalfOpen happens here, on the first call after the reset timeout.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state != Open {
		b.mu.Unlock()
		return nil
	}
	if b.cfg.Now().Sub(b.lastFault) < b.cfg.ResetTimeout {
		b.rejected++
		b.mu.Unlock()
		return ErrOpen
	}
	from := b.setLocked(HalfOpen)
	b.mu.Unlock()
	b.notify(from, HalfOpen)
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.trials++
		if b.trials >= b.cfg.HalfOpenSuccesses {
			b.setLocked(Closed)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	b.lastFault = b.cfg.Now()
	b.failures++
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.Threshold) {
		b.setLocked(Open)
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a snapshot of the breaker.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{State: b.state, Failures: b.failures, Rejected: b.rejected, Trips: b.trips}
}

// Rejected returns how many calls were refused while open.
func (b *Breaker) Rejected() int64 {
	return b.Counts().Rejected
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.setLocked(Closed)
	b.mu.Unlock()
	b.notify(from, Closed)
}

// Execute runs fn under the breaker. ErrOpen is returned without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) setLocked(to State) State {
	from := b.state
	if from == to {
		return from
	}
	b.state = to
	b.trials = 0
	switch to {
	case Closed:
		b.failures = 0
	case Open:
		b.trips++
	}
	return from
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case Open:
		slog.Warn("circuit opened", "name", b.cfg.Name, "from", from)
	default:
		slog.Info("circuit "+to.String(), "name", b.cfg.Name)
	}
	if b.onTrip != nil {
		b.onTrip(from, to)
	}
}
