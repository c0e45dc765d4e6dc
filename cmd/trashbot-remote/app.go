package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/trashbot-remote/internal/ble"
	"github.com/chaz8081/trashbot-remote/internal/config"
	"github.com/chaz8081/trashbot-remote/internal/connection"
	"github.com/chaz8081/trashbot-remote/internal/discovery"
	"github.com/chaz8081/trashbot-remote/internal/sim"
	"github.com/chaz8081/trashbot-remote/internal/transport"
	"github.com/chaz8081/trashbot-remote/internal/ws"
)

// errNoDevice is returned when a scan ends without finding a robot.
var errNoDevice = errors.New("no robot found")

// buildTransport creates the transport named by cfg.Transport. "auto" picks
// Bluetooth when the adapter is present and powered, WebSocket otherwise.
func buildTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case "ble":
		return newBLETransport(cfg), nil
	case "websocket":
		return newWebSocketTransport(ctx, cfg)
	case "sim":
		return sim.New(simOptions(cfg)), nil
	case "auto":
		bt := newBLETransport(cfg)
		state := bt.State(ctx)
		if state == transport.PoweredOn {
			slog.Info("[MAIN] using bluetooth")
			return bt, nil
		}
		slog.Info("[MAIN] bluetooth not usable, using websocket", "state", state)
		return newWebSocketTransport(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func newBLETransport(cfg *config.Config) *ble.Transport {
	return ble.NewTransport(ble.NewTinyGoAdapter(), bleOptions(cfg))
}

func bleOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.ServiceUUID = cfg.BLE.ServiceUUID
	opts.WriteCharUUID = cfg.BLE.WriteCharUUID
	opts.ReadCharUUID = cfg.BLE.ReadCharUUID
	opts.NameFilter = cfg.BLE.NameFilter
	opts.Base64 = cfg.BLE.Base64
	return opts
}

// newWebSocketTransport uses the endpoint advertised over mDNS when
// discovery is enabled and falls back to the configured URL.
func newWebSocketTransport(ctx context.Context, cfg *config.Config) (*ws.Transport, error) {
	opts := ws.DefaultOptions()
	opts.URL = cfg.WebSocket.URL
	opts.HandshakeTimeout = cfg.WebSocket.HandshakeTimeout

	if cfg.WebSocket.Discover {
		ep, err := discovery.Lookup(ctx, cfg.WebSocket.DiscoverTimeout)
		switch {
		case err == nil:
			opts.URL = ep.URL
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			slog.Warn("[MAIN] discovery failed, using configured url", "url", opts.URL, "error", err)
		}
	}

	url, err := ws.NormalizeURL(opts.URL)
	if err != nil {
		return nil, err
	}
	opts.URL = url
	return ws.NewTransport(opts), nil
}

func simOptions(cfg *config.Config) sim.Options {
	opts := sim.DefaultOptions()
	opts.Devices = make([]sim.Device, 0, len(cfg.Sim.Devices))
	for _, d := range cfg.Sim.Devices {
		opts.Devices = append(opts.Devices, sim.Device{ID: d.ID, Name: d.Name, RSSI: d.RSSI})
	}
	opts.ScanDelay = cfg.Sim.ScanDelay
	opts.ConnectDelay = cfg.Sim.ConnectDelay
	opts.ConnectFailureRate = cfg.Sim.ConnectFailureRate
	opts.WriteFailureRate = cfg.Sim.WriteFailureRate
	opts.DropInterval = cfg.Sim.DropInterval
	opts.DropRate = cfg.Sim.DropRate
	opts.Seed = cfg.Sim.Seed
	opts.Base64 = cfg.BLE.Base64
	return opts
}

func managerOptions(cfg *config.Config) connection.Options {
	speed := cfg.DefaultSpeed
	opts := connection.Options{
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		DefaultSpeed:   &speed,
		Breaker: connection.BreakerOptions{
			Disabled:    cfg.Breaker.Disabled,
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		},
	}
	if cfg.BLE.Device != "" {
		opts.KnownDevices = []string{cfg.BLE.Device}
	}
	return opts
}

// openManager builds the transport and a manager over it.
func openManager(ctx context.Context, cfg *config.Config) (*connection.Manager, error) {
	t, err := buildTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return connection.New(t, managerOptions(cfg)), nil
}

// resolveDevice returns the id to connect to: empty for transports without
// discovery, the configured device, or the first robot a scan finds.
func resolveDevice(ctx context.Context, m *connection.Manager, device string) (string, error) {
	if !m.Transport().Discoverable() || device != "" {
		return device, nil
	}

	found := make(chan string, 1)
	ended := make(chan struct{})
	unsubscribe := m.Subscribe(func(e connection.Event) {
		switch ev := e.(type) {
		case connection.DeviceFound:
			select {
			case found <- ev.Device.ID:
			default:
			}
		case connection.StateChanged:
			if ev.From.Kind == connection.Scanning && ev.To.Kind != connection.Scanning {
				select {
				case <-ended:
				default:
					close(ended)
				}
			}
		}
	})
	defer unsubscribe()

	if err := m.StartScan(ctx); err != nil {
		return "", err
	}
	slog.Info("[MAIN] scanning for a robot")

	select {
	case id := <-found:
		m.StopScan()
		return id, nil
	case <-ended:
		select {
		case id := <-found:
			return id, nil
		default:
		}
		if err := m.Snapshot().Err; err != nil {
			return "", err
		}
		return "", errNoDevice
	case <-ctx.Done():
		m.StopScan()
		return "", ctx.Err()
	}
}

// connect resolves the device and connects to it.
func connect(ctx context.Context, m *connection.Manager, device string) (string, error) {
	id, err := resolveDevice(ctx, m, device)
	if err != nil {
		return "", err
	}
	if err := m.Connect(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}
