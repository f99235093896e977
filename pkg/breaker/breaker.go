package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Allow when the breaker is rejecting requests
var ErrOpen = errors.New("circuit breaker open")

// StateChangeFunc observes breaker transitions, e.g. to update a gauge
type StateChangeFunc func(name string, from, to gobreaker.State)

// Config parameterizes one breaker
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before admitting a
	// single half-open probe
	ResetTimeout time.Duration
	OnChange     StateChangeFunc
}

// Breaker is a three-state failure isolator around one named peer. It
// wraps a gobreaker two-step breaker so the caller can report the
// outcome after the attempt instead of wrapping it in a closure, which
// is what the router's enqueue-and-move-on delivery needs.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	cb       *gobreaker.TwoStepCircuitBreaker
	openedAt time.Time
}

// Snapshot describes a breaker for the control surface
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Requests            uint32    `json:"requests"`
	TotalFailures       uint32    `json:"totalFailures"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
	RemainingCooldownMS int64     `json:"remainingCooldownMs"`
}

// New creates a closed breaker for the named peer
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	b := &Breaker{name: name, cfg: cfg}
	b.cb = b.newInner()
	return b
}

func (b *Breaker) newInner() *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1, // exactly one half-open probe
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
			}
			b.mu.Unlock()
			if b.cfg.OnChange != nil {
				b.cfg.OnChange(name, from, to)
			}
		},
	})
}

// Allow admits or rejects a request. On admission the returned done
// function must be called exactly once with the attempt's outcome.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	done, err = cb.Allow()
	if err != nil {
		// Both open-state and excess half-open probes reject the caller
		return nil, ErrOpen
	}
	return done, nil
}

// Reset unconditionally forces the breaker closed with fresh counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.cb.State()
	b.cb = b.newInner()
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if b.cfg.OnChange != nil && from != gobreaker.StateClosed {
		b.cfg.OnChange(b.name, from, gobreaker.StateClosed)
	}
}

// State returns the current breaker state
func (b *Breaker) State() gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb.State()
}

// RemainingCooldown reports how much of the open period is left, zero
// when not open
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cb.State() != gobreaker.StateOpen {
		return 0
	}
	remaining := b.cfg.ResetTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Snapshot captures the breaker for the control surface
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	cb := b.cb
	openedAt := b.openedAt
	b.mu.Unlock()

	counts := cb.Counts()
	state := cb.State()
	snap := Snapshot{
		Name:                b.name,
		State:               state.String(),
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
	if state == gobreaker.StateOpen {
		snap.OpenedAt = openedAt
		snap.RemainingCooldownMS = b.RemainingCooldown().Milliseconds()
	}
	return snap
}
