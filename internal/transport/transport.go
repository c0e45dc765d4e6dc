// Package transport defines the capability set shared by the BLE, WebSocket
// and simulated robot links.
package transport

import (
	"context"

	"github.com/chaz8081/trashbot-remote/internal/command"
)

// PowerState is the transport-level radio/link state.
type PowerState int

const (
	Unavailable PowerState = iota
	PoweredOff
	PoweredOn
)

func (s PowerState) String() string {
	switch s {
	case PoweredOn:
		return "powered-on"
	case PoweredOff:
		return "powered-off"
	default:
		return "unavailable"
	}
}

// Err converts a non-ready power state into the matching sentinel.
func (s PowerState) Err() error {
	switch s {
	case PoweredOn:
		return nil
	case PoweredOff:
		return ErrPoweredOff
	default:
		return ErrTransportUnavailable
	}
}

// DiscoveredDevice is a peer reported during a scan session. RSSI and
// Connectable are nil when the platform does not report them.
type DiscoveredDevice struct {
	ID          string
	Name        string
	RSSI        *int
	Connectable *bool
}

// DisplayName returns Name, or ID when the device advertised no name.
func (d DiscoveredDevice) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Peer is an open link to the robot. It is owned by whoever called Connect
// and must only be closed through Transport.Disconnect.
type Peer interface {
	ID() string
	Name() string
}

// CancelFunc releases a scan or subscription registration. It is safe to call
// more than once.
type CancelFunc func()

// Transport is implemented by every robot link.
type Transport interface {
	// Name identifies the transport in logs and snapshots ("ble", "websocket", "sim").
	Name() string
	// Discoverable reports whether Connect needs an id found by Scan.
	Discoverable() bool
	// Codec returns the command encoding used on this link.
	Codec() command.Codec

	// RequestPermissions obtains platform grants needed before Scan.
	RequestPermissions(ctx context.Context) error
	// State reports whether the link hardware is present and powered.
	State(ctx context.Context) PowerState

	// Scan starts discovery and returns immediately. onDeviceFound may be
	// called from any goroutine until the returned CancelFunc is called.
	// Failures after startup are reported once through onError (may be nil).
	Scan(ctx context.Context, onDeviceFound func(DiscoveredDevice), onError func(error)) (CancelFunc, error)
	// Connect opens a link. At most one attempt may be in flight.
	Connect(ctx context.Context, deviceID string) (Peer, error)
	// Disconnect closes peer. Calling it on a closed peer is a no-op.
	Disconnect(ctx context.Context, peer Peer) error
	// Write sends one encoded command.
	Write(ctx context.Context, peer Peer, payload []byte) error
	// Subscribe delivers inbound payloads in arrival order.
	Subscribe(peer Peer, onMessage func([]byte)) (CancelFunc, error)
	// OnDisconnect registers a listener for drops not caused by Disconnect.
	// err is nil when the platform gives no reason.
	OnDisconnect(peer Peer, fn func(err error))
}
