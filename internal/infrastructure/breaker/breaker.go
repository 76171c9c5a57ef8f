// Package breaker guards the handler dispatch path. It fails fast once the
// share of failing dispatches within the measurement window crosses a
// threshold, lets a single trial through after a cooldown, and turns slow
// dispatches into failures.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/dentistimo/identity-service/internal/infrastructure/metrics"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

var (
	// ErrOpen is returned without running the call while the breaker is open
	// or its half-open trial is already in flight.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a call outlives the per-call timeout. The call
	// itself keeps running detached.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

// Settings configures a Breaker. Zero values take the defaults below.
type Settings struct {
	Name string
	// FailureThreshold is the failure ratio (0,1] that opens the breaker.
	FailureThreshold float64
	// MinRequests is the request volume required before the ratio is evaluated.
	MinRequests uint32
	// Window is the closed-state measurement period; counts reset at its end.
	Window time.Duration
	// Timeout bounds a single call.
	Timeout time.Duration
	// Cooldown is the time spent open before the half-open trial.
	Cooldown time.Duration
	// OnStateChange observes every transition, in addition to logging.
	OnStateChange func(from, to State)
}

const (
	DefaultFailureThreshold = 0.75
	DefaultMinRequests      = 4
	DefaultWindow           = 10 * time.Second
	DefaultTimeout          = 7500 * time.Millisecond
	DefaultCooldown         = 30 * time.Second
)

func (s Settings) withDefaults() Settings {
	if s.Name == "" {
		s.Name = "dispatch"
	}
	if s.FailureThreshold <= 0 || s.FailureThreshold > 1 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.MinRequests == 0 {
		s.MinRequests = DefaultMinRequests
	}
	if s.Window <= 0 {
		s.Window = DefaultWindow
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultCooldown
	}
	return s
}

// Breaker wraps calls with the circuit breaker and a per-call timeout.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker[struct{}]
	settings Settings
	log      zerolog.Logger
}

func New(s Settings, log zerolog.Logger) *Breaker {
	s = s.withDefaults()
	b := &Breaker{
		settings: s,
		log:      log.With().Str("breaker", s.Name).Logger(),
	}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < s.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= s.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.transition(toState(from), toState(to))
		},
	})
	metrics.BreakerState.WithLabelValues(s.Name).Set(stateValue(StateClosed))
	return b
}

// Do runs fn through the breaker. fn receives a context that is not cancelled
// by the timeout: an abandoned call may still finish its writes.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.call(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.BreakerRejectedTotal.WithLabelValues(b.settings.Name).Inc()
		return ErrOpen
	}
	return err
}

func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("dispatch panicked")
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(detached)
	}()

	timer := time.NewTimer(b.settings.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		metrics.BreakerTimeoutsTotal.WithLabelValues(b.settings.Name).Inc()
		b.log.Warn().Dur("timeout", b.settings.Timeout).Msg("dispatch timed out, abandoning")
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current position.
func (b *Breaker) State() State {
	return toState(b.cb.State())
}

func (b *Breaker) transition(from, to State) {
	metrics.BreakerTransitionsTotal.WithLabelValues(b.settings.Name, string(from), string(to)).Inc()
	metrics.BreakerState.WithLabelValues(b.settings.Name).Set(stateValue(to))

	ev := b.log.Info()
	if to == StateOpen {
		ev = b.log.Warn()
	}
	ev.Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state changed")

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(from, to)
	}
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
