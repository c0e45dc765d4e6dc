package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerOptions configures the connect circuit breaker.
type BreakerOptions struct {
	// MaxFailures is the number of consecutive connect failures before the
	// circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before one probe is allowed.
	Timeout time.Duration
	// Interval clears failure counts while closed. 0 uses the default.
	Interval time.Duration
	// Disabled lets every attempt reach the transport.
	Disabled bool
}

// connectBreaker guards transport connects so that a caller reconnecting
// in a loop fails fast while the robot is unreachable.
type connectBreaker struct {
	cb *gobreaker.CircuitBreaker[transport.Peer]
}

func newConnectBreaker(name string, opts BreakerOptions) *connectBreaker {
	if opts.Disabled {
		return &connectBreaker{}
	}
	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := opts.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[transport.Peer](gobreaker.Settings{
		Name:        "connect:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("[CONN] circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Attempts we abandoned or that never reached the link say
			// nothing about the robot.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, transport.ErrAlreadyConnecting)
		},
	})
	return &connectBreaker{cb: cb}
}

func (b *connectBreaker) connect(fn func() (transport.Peer, error)) (transport.Peer, error) {
	if b.cb == nil {
		return fn()
	}
	p, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("connection: robot unreachable, not retrying yet: %v: %w", err, transport.ErrConnectFailed)
	}
	return p, err
}

// state reports the breaker state for snapshots; "disabled" when off.
func (b *connectBreaker) state() string {
	if b.cb == nil {
		return "disabled"
	}
	return b.cb.State().String()
}
