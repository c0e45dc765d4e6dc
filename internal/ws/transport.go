// Package ws implements the robot link over a WebSocket connection to the
// robot's onboard server.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// DefaultURL is the robot's onboard server on a Raspberry Pi.
const DefaultURL = "ws://raspberrypi.local:8765"

// pendingLimit caps inbound frames held before a subscriber registers.
const pendingLimit = 16

const closeGrace = time.Second

// Options configures the WebSocket transport.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
}

// DefaultOptions returns the default endpoint with a 10 second handshake.
func DefaultOptions() Options {
	return Options{URL: DefaultURL, HandshakeTimeout: 10 * time.Second}
}

// Transport implements transport.Transport over gorilla/websocket. It has a
// single implicit peer: the configured endpoint.
type Transport struct {
	opts   Options
	dialer *websocket.Dialer
	codec  command.JSONCodec

	connecting atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport creates a WebSocket transport. An empty URL falls back to
// DefaultURL.
func NewTransport(opts Options) *Transport {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	return &Transport{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

func (t *Transport) Name() string         { return "websocket" }
func (t *Transport) Discoverable() bool   { return false }
func (t *Transport) Codec() command.Codec { return t.codec }

// URL returns the normalized endpoint.
func (t *Transport) URL() string {
	u, err := NormalizeURL(t.opts.URL)
	if err != nil {
		return t.opts.URL
	}
	return u
}

// RequestPermissions is a no-op; sockets need no platform grant.
func (t *Transport) RequestPermissions(context.Context) error { return nil }

// State reports PoweredOn. Reachability is only known after the handshake.
func (t *Transport) State(context.Context) transport.PowerState { return transport.PoweredOn }

// Scan is a no-op: the endpoint is configured, not discovered.
func (t *Transport) Scan(context.Context, func(transport.DiscoveredDevice), func(error)) (transport.CancelFunc, error) {
	return func() {}, nil
}

// NormalizeURL fills in the ws scheme when addr has none and rejects
// schemes other than ws and wss.
func NormalizeURL(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("ws: empty url")
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		// "host:port" parses as scheme "host"; retry with an explicit scheme.
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return "", fmt.Errorf("ws: invalid url %q: %w", addr, err)
		}
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("ws: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("ws: invalid url %q: missing host", addr)
	}
	return u.String(), nil
}

// Connect dials the configured endpoint. deviceID is ignored.
func (t *Transport) Connect(ctx context.Context, _ string) (transport.Peer, error) {
	if !t.connecting.CompareAndSwap(false, true) {
		return nil, transport.ErrAlreadyConnecting
	}
	defer t.connecting.Store(false)

	endpoint, err := NormalizeURL(t.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, transport.ErrConnectFailed)
	}

	slog.Info("[WS] connecting", "url", endpoint)
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %v (status %d): %w", endpoint, err, resp.StatusCode, transport.ErrConnectFailed)
		}
		return nil, fmt.Errorf("ws: dial %s: %v: %w", endpoint, err, transport.ErrConnectFailed)
	}

	p := &peer{id: endpoint, conn: conn}
	go p.readLoop()

	slog.Info("[WS] connected", "url", endpoint)
	return p, nil
}

// Disconnect sends a normal-closure frame and closes the socket. It is
// idempotent.
func (t *Transport) Disconnect(_ context.Context, tp transport.Peer) error {
	p, err := asPeer(tp)
	if err != nil {
		return err
	}
	if !p.markClosed() {
		return nil
	}

	p.wmu.Lock()
	err = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	p.wmu.Unlock()
	if err != nil {
		slog.Debug("[WS] close frame not sent", "url", p.id, "error", err)
	}

	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("ws: close %s: %w", p.id, err)
	}
	slog.Info("[WS] disconnected", "url", p.id)
	return nil
}

// Write sends payload as one text frame.
func (t *Transport) Write(ctx context.Context, tp transport.Peer, payload []byte) error {
	p, err := asPeer(tp)
	if err != nil {
		return err
	}
	if p.isClosed() {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ws: write: %v: %w", err, transport.ErrWriteFailed)
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(dl)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("ws: write %s: %v: %w", p.id, err, transport.ErrWriteFailed)
	}
	slog.Debug("[WS] sent", "url", p.id, "size", len(payload))
	return nil
}

// Subscribe delivers inbound frames in arrival order. Frames that arrived
// before the first subscription are flushed to it.
func (t *Transport) Subscribe(tp transport.Peer, onMessage func([]byte)) (transport.CancelFunc, error) {
	p, err := asPeer(tp)
	if err != nil {
		return nil, err
	}
	sub := &subscription{fn: onMessage}
	sub.active.Store(true)

	// Hold delivery so readLoop cannot pass the backlog.
	p.dmu.Lock()
	p.mu.Lock()
	p.sub = sub
	backlog := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, msg := range backlog {
		sub.deliver(msg)
	}
	p.dmu.Unlock()

	return func() {
		sub.active.Store(false)
		p.mu.Lock()
		if p.sub == sub {
			p.sub = nil
		}
		p.mu.Unlock()
	}, nil
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
		return nil, fmt.Errorf("ws: foreign peer %T: %w", tp, transport.ErrNotConnected)
	}
	return p, nil
}

type subscription struct {
	fn     func([]byte)
	active atomic.Bool
}

func (s *subscription) deliver(msg []byte) {
	if s.active.Load() {
		s.fn(msg)
	}
}

// peer is one open socket.
type peer struct {
	id   string
	conn *websocket.Conn

	wmu sync.Mutex // gorilla allows one concurrent writer
	dmu sync.Mutex // one subscriber callback at a time, in arrival order

	mu          sync.Mutex
	closed      bool
	sub         *subscription
	pending     [][]byte
	onDrop      func(error)
	dropPending error
	dropped     bool
}

func (p *peer) ID() string   { return p.id }
func (p *peer) Name() string { return p.id }

func (p *peer) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.onDrop = nil
	p.sub = nil
	return true
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peer) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.lost(err)
			return
		}

		if !p.dispatch(data) {
			return
		}
	}
}

// dispatch hands one frame to the subscriber, or holds it until one
// registers. It reports false once the peer is closed.
func (p *peer) dispatch(data []byte) bool {
	p.dmu.Lock()
	defer p.dmu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	sub := p.sub
	if sub == nil {
		if len(p.pending) < pendingLimit {
			p.pending = append(p.pending, data)
		} else {
			slog.Debug("[WS] dropping frame with no subscriber", "url", p.id, "size", len(data))
		}
	}
	p.mu.Unlock()

	if sub != nil {
		sub.deliver(data)
	}
	return true
}

// lost handles a read failure. After our own Disconnect it is silent.
func (p *peer) lost(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.sub = nil
	fn := p.onDrop
	p.onDrop = nil

	var reason error
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = fmt.Errorf("ws: %s: %v: %w", p.id, err, transport.ErrUnsolicitedDisconnect)
	} else {
		reason = fmt.Errorf("ws: %s closed by peer: %w", p.id, transport.ErrUnsolicitedDisconnect)
	}
	if fn == nil {
		p.dropped = true
		p.dropPending = reason
	}
	p.mu.Unlock()

	_ = p.conn.Close()
	slog.Warn("[WS] connection lost", "url", p.id, "error", err)
	if fn != nil {
		fn(reason)
	}
}

func (p *peer) setDropHandler(fn func(error)) {
	p.mu.Lock()
	if p.dropped {
		reason := p.dropPending
		p.dropped = false
		p.dropPending = nil
		p.mu.Unlock()
		fn(reason)
		return
	}
	if !p.closed {
		p.onDrop = fn
	}
	p.mu.Unlock()
}
