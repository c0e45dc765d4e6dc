package connection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// DefaultReconnectMax is the backoff cap in seconds.
const DefaultReconnectMax = 30

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Reconnector keeps a manager connected: whenever it observes the manager
// idle it calls Connect again, backing off exponentially while attempts fail.
// It does not interrupt a scan in progress.
type Reconnector struct {
	m            *Manager
	deviceID     string
	reconnectMax int
	sleep        func(context.Context, time.Duration) bool
}

// NewReconnector returns a reconnector for deviceID (ignored by transports
// that do not discover devices). maxSeconds caps the backoff; 0 uses
// DefaultReconnectMax.
func NewReconnector(m *Manager, deviceID string, maxSeconds int) *Reconnector {
	if maxSeconds <= 0 {
		maxSeconds = DefaultReconnectMax
	}
	return &Reconnector{m: m, deviceID: deviceID, reconnectMax: maxSeconds, sleep: sleepCtx}
}

// Run connects immediately if needed and then reconnects after every drop
// until ctx is done or the manager is closed. It returns early when an
// error says retrying cannot help.
func (r *Reconnector) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	unsubscribe := r.m.Subscribe(func(e Event) {
		if sc, ok := e.(StateChanged); ok && sc.To.Kind == Disconnected {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if r.m.State().Kind == Disconnected {
			// On the first attempt, try immediately; subsequent attempts use backoff.
			if attempt > 0 {
				delay := backoffDelay(attempt-1, r.reconnectMax)
				slog.Info("[CONN] reconnect backoff", "attempt", attempt+1, "delay", delay)
				if !r.sleep(ctx, delay) {
					return ctx.Err()
				}
			}

			err := r.m.Connect(ctx, r.deviceID)
			switch {
			case err == nil:
				attempt = 0
			case errors.Is(err, ErrClosed):
				return err
			case errors.Is(err, transport.ErrAlreadyConnecting), errors.Is(err, transport.ErrAlreadyConnected):
				// Someone else got there first.
			case !transport.Retryable(err):
				slog.Error("[CONN] giving up reconnecting", "error", err)
				return err
			default:
				attempt++
				slog.Warn("[CONN] reconnect failed", "error", err, "attempt", attempt)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
