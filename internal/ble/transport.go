package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// Options configures the BLE transport.
type Options struct {
	ServiceUUID   string
	WriteCharUUID string
	ReadCharUUID  string
	NameFilter    string // case-insensitive substring match on advertised names
	Base64        bool   // base64 payloads on both characteristics
	Permissions   transport.PermissionRequester
}

// DefaultOptions returns the robot's default GATT layout.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:   ServiceUUID,
		WriteCharUUID: WriteCharUUID,
		ReadCharUUID:  ReadCharUUID,
		Base64:        true,
		Permissions:   transport.GrantAll{},
	}
}

// Transport implements transport.Transport over a BLE Adapter.
type Transport struct {
	adapter Adapter
	opts    Options
	codec   command.BLECodec

	connecting atomic.Bool

	mu    sync.Mutex
	names map[string]string // advertised names by MAC
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport creates a BLE transport. Empty UUIDs fall back to the defaults.
func NewTransport(adapter Adapter, opts Options) *Transport {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = ServiceUUID
	}
	if opts.WriteCharUUID == "" {
		opts.WriteCharUUID = WriteCharUUID
	}
	if opts.ReadCharUUID == "" {
		opts.ReadCharUUID = ReadCharUUID
	}
	if opts.Permissions == nil {
		opts.Permissions = transport.GrantAll{}
	}
	return &Transport{
		adapter: adapter,
		opts:    opts,
		codec:   command.BLECodec{Base64: opts.Base64},
		names:   make(map[string]string),
	}
}

func (t *Transport) Name() string         { return "ble" }
func (t *Transport) Discoverable() bool   { return true }
func (t *Transport) Codec() command.Codec { return t.codec }

func (t *Transport) RequestPermissions(ctx context.Context) error {
	return transport.RequireAll(ctx, t.opts.Permissions, transport.ScanPermissions)
}

// State prefers a side-effect-free power reading and falls back to enabling
// the adapter.
func (t *Transport) State(_ context.Context) transport.PowerState {
	if pr, ok := t.adapter.(PowerReporter); ok {
		if powered, err := pr.Powered(); err == nil {
			if powered {
				return transport.PoweredOn
			}
			return transport.PoweredOff
		}
	}
	if err := t.adapter.Enable(); err != nil {
		slog.Debug("[BLE] adapter unavailable", "error", err)
		return transport.Unavailable
	}
	return transport.PoweredOn
}

// Scan runs the adapter scan on its own goroutine until the returned cancel
// function is called or ctx ends. Scan errors are reported through onError.
func (t *Transport) Scan(ctx context.Context, onDeviceFound func(transport.DiscoveredDevice), onError func(error)) (transport.CancelFunc, error) {
	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %v: %w", err, transport.ErrTransportUnavailable)
	}

	sctx, cancel := context.WithCancel(ctx)
	var stopped atomic.Bool
	filter := strings.ToLower(t.opts.NameFilter)

	go func() {
		err := t.adapter.Scan(sctx, t.opts.ServiceUUID, func(d Device) {
			if stopped.Load() {
				return
			}
			if filter != "" && !strings.Contains(strings.ToLower(d.Name), filter) {
				return
			}
			t.mu.Lock()
			t.names[d.MAC] = d.Name
			t.mu.Unlock()

			rssi := d.RSSI
			onDeviceFound(transport.DiscoveredDevice{
				ID:   d.MAC,
				Name: d.Name,
				RSSI: &rssi,
			})
		})
		if err != nil && !stopped.Load() {
			slog.Warn("[BLE] scan failed", "error", err)
			if onError != nil {
				onError(fmt.Errorf("%v: %w", err, transport.ErrScanFailed))
			}
		}
	}()

	return func() {
		stopped.Store(true)
		cancel()
	}, nil
}

// Connect performs the GATT connect and discovers the write and notify
// characteristics. Only one attempt may be in flight.
func (t *Transport) Connect(ctx context.Context, deviceID string) (transport.Peer, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("ble: device id required: %w", transport.ErrConnectFailed)
	}
	if !t.connecting.CompareAndSwap(false, true) {
		return nil, transport.ErrAlreadyConnecting
	}
	defer t.connecting.Store(false)

	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %v: %w", err, transport.ErrTransportUnavailable)
	}

	conn, err := t.adapter.Connect(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, transport.ErrConnectFailed)
	}

	writeChar, err := conn.DiscoverCharacteristic(t.opts.ServiceUUID, t.opts.WriteCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("ble: discover write characteristic: %v: %w", err, transport.ErrConnectFailed)
	}
	readChar, err := conn.DiscoverCharacteristic(t.opts.ServiceUUID, t.opts.ReadCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("ble: discover read characteristic: %v: %w", err, transport.ErrConnectFailed)
	}

	t.mu.Lock()
	name := t.names[deviceID]
	t.mu.Unlock()

	p := &peer{
		id:        deviceID,
		name:      name,
		conn:      conn,
		writeChar: writeChar,
		readChar:  readChar,
	}
	conn.OnDisconnect(p.dropped)

	slog.Info("[BLE] connected", "mac", deviceID, "name", name)
	return p, nil
}

func (t *Transport) Disconnect(_ context.Context, tp transport.Peer) error {
	p, err := asPeer(tp)
	if err != nil {
		return err
	}
	if !p.markClosed() {
		return nil
	}
	if err := p.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", p.id, err)
	}
	slog.Info("[BLE] disconnected", "mac", p.id)
	return nil
}

// Write uses write-with-response so a failed write is reported to the caller.
func (t *Transport) Write(ctx context.Context, tp transport.Peer, payload []byte) error {
	p, err := asPeer(tp)
	if err != nil {
		return err
	}
	if p.isClosed() {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ble: write: %v: %w", err, transport.ErrWriteFailed)
	}
	if err := p.writeChar.Write(payload); err != nil {
		return fmt.Errorf("ble: write %s: %v: %w", p.id, err, transport.ErrWriteFailed)
	}
	return nil
}

// Subscribe arms the notification listener on the read characteristic. The
// returned cancel function mutes the callback; tinygo has no portable way to
// disable notifications, so the guard is what stops delivery.
func (t *Transport) Subscribe(tp transport.Peer, onMessage func([]byte)) (transport.CancelFunc, error) {
	p, err := asPeer(tp)
	if err != nil {
		return nil, err
	}
	var active atomic.Bool
	active.Store(true)
	err = p.readChar.Subscribe(func(data []byte) {
		if !active.Load() || p.isClosed() {
			return
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		onMessage(buf)
	})
	if err != nil {
		return nil, fmt.Errorf("ble: subscribe %s: %w", p.id, err)
	}
	return func() { active.Store(false) }, nil
}

func (t *Transport) OnDisconnect(tp transport.Peer, fn func(error)) {
	p, err := asPeer(tp)
	if err != nil {
		return
	}
	p.setDropHandler(fn)
}

func asPeer(tp transport.Peer) (*peer, error) {
	p, ok := tp.(*peer)
	if !ok || p == nil {
		return nil, fmt.Errorf("ble: foreign peer %T: %w", tp, transport.ErrNotConnected)
	}
	return p, nil
}

// peer is one GATT connection.
type peer struct {
	id        string
	name      string
	conn      Connection
	writeChar Characteristic
	readChar  Characteristic

	mu          sync.Mutex
	closed      bool
	dropPending bool
	onDrop      func(error)
}

func (p *peer) ID() string   { return p.id }
func (p *peer) Name() string { return p.name }

// markClosed returns true the first time it is called.
func (p *peer) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.onDrop = nil
	return true
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// dropped handles a link loss we did not ask for. A drop that arrives before
// a handler is registered is replayed on registration.
func (p *peer) dropped() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onDrop
	p.onDrop = nil
	if fn == nil {
		p.dropPending = true
	}
	p.mu.Unlock()

	slog.Warn("[BLE] peer disconnected", "mac", p.id)
	if fn != nil {
		fn(nil)
	}
}

func (p *peer) setDropHandler(fn func(error)) {
	p.mu.Lock()
	if p.dropPending {
		p.dropPending = false
		p.mu.Unlock()
		fn(nil)
		return
	}
	if !p.closed {
		p.onDrop = fn
	}
	p.mu.Unlock()
}
