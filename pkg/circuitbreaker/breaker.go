// Package circuitbreaker stops listd from calling a dependency that keeps
// failing. After FailureThreshold consecutive failures the breaker opens and
// every call fails fast with ErrOpen until CoolDown has passed. It then lets
// HalfOpenTrials calls through; one success closes it, one failure reopens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// ErrOpen is returned without calling the dependency while the breaker is open
// or its half-open trials are all in flight.
var ErrOpen = errors.New("circuit breaker is open")

type Settings struct {
	FailureThreshold int
	CoolDown         time.Duration
	HalfOpenTrials   int
	// IsFailure decides which errors count against the dependency. Errors
	// such as "not found" usually should not.
	IsFailure func(err error) bool
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		HalfOpenTrials:   1,
	}
}

type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	trials   int
	openedAt time.Time
}

func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.CoolDown <= 0 {
		settings.CoolDown = 30 * time.Second
	}
	if settings.HalfOpenTrials <= 0 {
		settings.HalfOpenTrials = 1
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	b := &Breaker{name: name, settings: settings, now: time.Now}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	_, err := Do(b, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Do runs fn through b and returns its result.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	trial, err := b.admit()
	if err != nil {
		return zero, err
	}

	result, err := fn()
	b.record(trial, b.settings.IsFailure(err))
	return result, err
}

// advance moves an open breaker to half-open once the cool-down has passed.
// Callers hold mu.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.CoolDown {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case StateOpen:
		return false, ErrOpen
	case StateHalfOpen:
		if b.trials >= b.settings.HalfOpenTrials {
			return false, ErrOpen
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trials--
	}
	if !failed {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.transition(StateOpen)
	case b.state == StateClosed && b.failures >= b.settings.FailureThreshold:
		b.transition(StateOpen)
	}
}

// transition changes state and resets counters. Callers hold mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.trials = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}

	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(to))
	if to == StateClosed {
		logger.Info("CircuitBreaker: state changed", "name", b.name, "from", from.String(), "to", to.String())
	} else {
		logger.Warn("CircuitBreaker: state changed", "name", b.name, "from", from.String(), "to", to.String())
	}
}
