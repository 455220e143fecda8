// Package breaker guards the chain RPC client with a three-state circuit
// breaker so a dead gateway cannot stall every cron phase.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
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
	}
	return "unknown"
}

// ErrCircuitOpen is returned when a call is blocked by the breaker. Callers
// distinguish it from downstream RPC errors via errors.Is.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// Notifier receives state-change alerts. The webhook alerter satisfies this.
type Notifier interface {
	Notify(event, detail string)
}

// Breaker counts consecutive failures and trips after a threshold. After the
// reset timeout one probe call is admitted (half-open); its outcome decides
// whether the circuit closes again.
type Breaker struct {
	threshold int
	resetTime time.Duration
	logger    *slog.Logger
	notifier  Notifier

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
}

// New builds a Breaker. notifier may be nil.
func New(threshold int, resetTime time.Duration, logger *slog.Logger, notifier Notifier) *Breaker {
	return &Breaker{
		threshold: threshold,
		resetTime: resetTime,
		logger:    logger,
		notifier:  notifier,
		state:     Closed,
	}
}

// Allow reports whether a call may proceed, performing the open → half-open
// transition inline when the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.openedAt) < b.resetTime {
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.logger.Info("circuit half-open, admitting probe")
	}
	return nil
}

// RecordSuccess resets the failure counter and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.logger.Info("circuit closed after successful probe")
		if b.notifier != nil {
			b.notifier.Notify("breaker_closed", "probe succeeded")
		}
	}
	b.state = Closed
	b.failures = 0
}

// RecordFailure counts a failure, tripping the circuit at the threshold. A
// half-open failure re-opens immediately and restarts the timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.open("probe failed")
		return
	}
	b.failures++
	if b.state == Closed && b.failures >= b.threshold {
		b.open("failure threshold reached")
	}
}

// open must be called with the mutex held.
func (b *Breaker) open(reason string) {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
	b.logger.Error("circuit opened", "reason", reason)
	if b.notifier != nil {
		b.notifier.Notify("breaker_opened", reason)
	}
}

// IsHealthy reports whether calls would currently be admitted. Observing an
// expired open circuit promotes it to half-open (self-healing on
// observation).
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.openedAt) < b.resetTime {
			return false
		}
		b.state = HalfOpen
		b.logger.Info("circuit half-open, admitting probe")
	}
	return true
}

// State returns the current position. For the health endpoint.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
