// Package resilience protects the engine from a misbehaving dependency.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// While open it rejects calls immediately with [ErrOpen], so a history
// database that is down costs nothing on the conversation path and its
// error is logged once instead of once per transcript entry.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take their defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close the
	// breaker again. Default: 1.
	Probes int

	// Now returns the current time. Default: [time.Now].
	Now func() time.Time

	// Logger receives state changes. Default: [slog.Default].
	Logger *slog.Logger
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	probesOK int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. Context errors are returned as-is
// and do not count as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.succeed(probe)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		b.fail(probe, err)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.probesOK = 0
		b.cfg.Logger.Info("circuit half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.probesOK >= b.cfg.Probes {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

// succeed must be called with b.mu held.
func (b *Breaker) succeed(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	b.probesOK++
	if b.probesOK >= b.cfg.Probes {
		b.state = StateClosed
		b.failures = 0
		b.cfg.Logger.Info("circuit closed", "name", b.cfg.Name)
	}
}

// fail must be called with b.mu held.
func (b *Breaker) fail(probe bool, err error) {
	if probe {
		b.trip(err)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.failures = 0
	b.cfg.Logger.Warn("circuit opened", "name", b.cfg.Name, "cooldown", b.cfg.Cooldown, "err", err)
}

// State returns the current state. An open breaker whose cooldown elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}
