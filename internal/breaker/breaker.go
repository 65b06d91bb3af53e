// Package breaker implements the per-service circuit breaker (§4.3) on top
// of github.com/sony/gobreaker, the resilience library the teacher's own
// internal/resilience package wraps for exactly this purpose. gobreaker's
// native ReadyToTrip/generation model is adapted to the spec's simpler
// CLOSED/OPEN/HALF_OPEN state machine with an explicit consecutive-failure
// threshold, a cooldown, and a success threshold instead of gobreaker's
// request-ratio default.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/polyagent/supervisor/internal/errkind"
	"github.com/polyagent/supervisor/internal/logging"
)

// State mirrors the spec's three-value state machine (§3).
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config holds the breaker's tunables; defaults match §4.3.
type Config struct {
	FailureThreshold uint32        // default 5
	CooldownMs       time.Duration // default 30s
	SuccessThreshold uint32        // default 1
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.CooldownMs == 0 {
		c.CooldownMs = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// Totals is the Circuit breaker state entity's totals field (§3).
type Totals struct {
	Calls     int64 `json:"calls"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Snapshot is a value-copy of the breaker's observable state (§4.4:
// getCircuitBreakerStates returns snapshots, never live references).
type Snapshot struct {
	Name               string     `json:"name"`
	State              State      `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	LastFailureAt      *time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt           *time.Time `json:"openedAt,omitempty"`
	HalfOpenSuccesses  uint32     `json:"halfOpenSuccesses"`
	Totals             Totals     `json:"totals"`
}

// Breaker is one named circuit breaker. All mutable state is protected by
// mu so two concurrent Execute calls observe a serialisable state machine
// (§5).
type Breaker struct {
	name string
	cfg  Config
	log  logging.Logger
	gb   *gobreaker.CircuitBreaker

	mu                 sync.Mutex
	consecutiveFailures uint32
	lastFailureAt      *time.Time
	openedAt           *time.Time
	halfOpenSuccesses  uint32
	totals             Totals
	forcedState        *State // set by forceOpen/forceClose, nil = automatic
}

// New builds a breaker wrapping a fresh gobreaker.CircuitBreaker configured
// so gobreaker's own state machine degenerates to the spec's: up to
// SuccessThreshold requests (one by default) allowed through in HALF_OPEN,
// tripping decided by our own
// consecutive-failure counter rather than gobreaker's ratio.
func New(name string, cfg Config, log logging.Logger) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{name: name, cfg: cfg, log: log}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0, // never reset Counts on a timer; we manage transitions ourselves
		Timeout:     cfg.CooldownMs,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state change", map[string]interface{}{
				"service": name, "from": from.String(), "to": to.String(),
			})
		},
	}
	b.gb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs op through the breaker. If the breaker is OPEN and the
// cooldown has not elapsed, it fails immediately with errkind.CircuitOpen
// without invoking op; totals.calls still increments (§4.3).
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	b.mu.Lock()
	b.totals.Calls++
	state := b.effectiveState()
	if state == Open && !b.cooldownElapsed() {
		b.mu.Unlock()
		return nil, errkind.New(errkind.CircuitOpen, b.name, "breaker open, cooldown not elapsed")
	}
	b.mu.Unlock()

	result, err := b.gb.Execute(func() (interface{}, error) {
		return op(ctx)
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked()
		return nil, errkind.Wrap(err, errkind.DependencyFailure, b.name)
	}
	b.recordSuccessLocked()
	return result, nil
}

// effectiveState derives the spec's State from gobreaker's internal state
// plus our own forced overrides, called with mu held.
func (b *Breaker) effectiveState() State {
	if b.forcedState != nil {
		return *b.forcedState
	}
	switch b.gb.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

func (b *Breaker) cooldownElapsed() bool {
	if b.openedAt == nil {
		return true
	}
	return time.Since(*b.openedAt) >= b.cfg.CooldownMs
}

func (b *Breaker) recordSuccessLocked() {
	b.totals.Successes++
	state := b.effectiveState()
	switch state {
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	default:
		b.consecutiveFailures = 0
	}
}

func (b *Breaker) recordFailureLocked() {
	b.totals.Failures++
	now := time.Now()
	b.lastFailureAt = &now

	state := b.effectiveState()
	switch state {
	case HalfOpen:
		b.transitionLocked(Open)
	default:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.effectiveState()
	b.forcedState = nil // automatic transitions clear any forced override
	switch to {
	case Open:
		now := time.Now()
		b.openedAt = &now
		b.halfOpenSuccesses = 0
	case Closed:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
		b.openedAt = nil
	}
	if from != to {
		b.log.Info("circuit breaker transition", map[string]interface{}{
			"service": b.name, "from": from, "to": to,
		})
	}
}

// ForceOpen, ForceClose, Reset are administrative overrides (§4.3): they
// log the transition but otherwise behave as automatic transitions would.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	open := Open
	b.forcedState = &open
	now := time.Now()
	b.openedAt = &now
	b.log.Info("circuit breaker forced open", map[string]interface{}{"service": b.name})
}

func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	closedState := Closed
	b.forcedState = &closedState
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.openedAt = nil
	b.log.Info("circuit breaker forced closed", map[string]interface{}{"service": b.name})
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedState = nil
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.openedAt = nil
	b.totals = Totals{}
	b.log.Info("circuit breaker reset", map[string]interface{}{"service": b.name})
}

// Snapshot returns a value copy of the breaker's state, safe to read
// concurrently with Execute (§5: health/metrics builders take copies,
// never live references).
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.effectiveState(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		OpenedAt:            b.openedAt,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		Totals:              b.totals,
	}
}

func (b *Breaker) Name() string { return b.name }
