// Package connection owns the link to the robot: it runs the scan/connect
// state machine over a transport.Transport and publishes typed events to
// observers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = transport.ErrClosed

// Defaults.
const (
	DefaultScanTimeout = 10 * time.Second
	DefaultSpeed       = 50
)

// Options configures a Manager.
type Options struct {
	// ScanTimeout ends a scan that was not stopped explicitly. 0 uses
	// DefaultScanTimeout; negative disables the timeout.
	ScanTimeout time.Duration
	// ConnectTimeout bounds one connect attempt. 0 waits for the transport.
	ConnectTimeout time.Duration
	// KnownDevices may be connected to without being found by a scan first.
	KnownDevices []string
	// DefaultSpeed is sent with commands until a SPEED command changes it.
	// nil uses DefaultSpeed; an explicit 0 is kept.
	DefaultSpeed *int
	Breaker      BreakerOptions
}

// DefaultOptions returns the stock manager settings.
func DefaultOptions() Options {
	speed := DefaultSpeed
	return Options{ScanTimeout: DefaultScanTimeout, DefaultSpeed: &speed}
}

// PeerInfo describes the connected robot.
type PeerInfo struct {
	ID   string
	Name string
}

// Snapshot is a consistent view of the manager for display.
type Snapshot struct {
	State        State
	Transport    string
	Devices      []transport.DiscoveredDevice // discovery order
	IsScanning   bool
	IsConnecting bool
	IsConnected  bool
	Peer         *PeerInfo
	Error        string // latest error, "" when none
	Err          error
	Retryable    bool // false when Err means the feature is unavailable
	Received     *command.Inbound
	Speed        int
	Breaker      string
}

// Manager is the single owner of the transport and the active peer. All
// methods are safe for concurrent use.
type Manager struct {
	t       transport.Transport
	opts    Options
	breaker *connectBreaker
	events  *dispatcher

	mu      sync.Mutex
	state   State
	closed  bool
	lastErr error
	speed   int
	known   map[string]bool

	devices map[string]transport.DiscoveredDevice
	order   []string

	scanGen    uint64
	scanCancel transport.CancelFunc
	scanTimer  *time.Timer

	connGen       uint64
	connectCancel context.CancelFunc
	peer          transport.Peer
	subCancel     transport.CancelFunc
	received      *command.Inbound
}

// New creates a manager for t. The caller owns the manager and must Close it.
func New(t transport.Transport, opts Options) *Manager {
	if opts.ScanTimeout == 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	speed := DefaultSpeed
	if opts.DefaultSpeed != nil {
		speed = *opts.DefaultSpeed
	}
	known := make(map[string]bool, len(opts.KnownDevices))
	for _, id := range opts.KnownDevices {
		known[id] = true
	}
	return &Manager{
		t:       t,
		opts:    opts,
		breaker: newConnectBreaker(t.Name(), opts.Breaker),
		events:  newDispatcher(),
		speed:   command.ClampSpeed(speed),
		known:   known,
		devices: make(map[string]transport.DiscoveredDevice),
	}
}

// Transport returns the underlying transport.
func (m *Manager) Transport() transport.Transport { return m.t }

// Subscribe registers an observer and returns its unsubscribe function. The
// observer sees only events emitted after Subscribe returns.
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	return m.events.subscribe(o)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TransportState reports whether the transport hardware is present and on.
func (m *Manager) TransportState(ctx context.Context) transport.PowerState {
	return m.t.State(ctx)
}

// Snapshot returns the current view of the manager.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:        m.state,
		Transport:    m.t.Name(),
		IsScanning:   m.state.Kind == Scanning,
		IsConnecting: m.state.Kind == Connecting,
		IsConnected:  m.state.Kind == Connected,
		Err:          m.lastErr,
		Retryable:    m.lastErr == nil || transport.Retryable(m.lastErr),
		Speed:        m.speed,
		Breaker:      m.breaker.state(),
	}
	if m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}
	for _, id := range m.order {
		s.Devices = append(s.Devices, m.devices[id])
	}
	if m.peer != nil {
		s.Peer = &PeerInfo{ID: m.peer.ID(), Name: m.peer.Name()}
	}
	if m.received != nil {
		in := *m.received
		s.Received = &in
	}
	return s
}

// StartScan begins a scan session. Devices are reported through DeviceFound
// events and Snapshot. The session ends on StopScan, on Connect, or after
// the scan timeout. Calling StartScan while scanning is a no-op.
func (m *Manager) StartScan(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state.Kind {
	case Scanning:
		m.mu.Unlock()
		return nil
	case Connecting:
		m.mu.Unlock()
		return transport.ErrAlreadyConnecting
	case Connected, Disconnecting:
		m.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	m.scanGen++
	gen := m.scanGen
	m.devices = make(map[string]transport.DiscoveredDevice)
	m.order = nil
	m.lastErr = nil
	m.setStateLocked(State{Kind: Scanning})
	m.mu.Unlock()

	slog.Info("[CONN] scan started", "transport", m.t.Name())

	if err := m.t.RequestPermissions(ctx); err != nil {
		return m.scanFailed(gen, err)
	}
	if err := m.t.State(ctx).Err(); err != nil {
		return m.scanFailed(gen, fmt.Errorf("connection: %s: %w", m.t.Name(), err))
	}

	// The scan outlives ctx; it ends through StopScan, Connect or the timer.
	cancel, err := m.t.Scan(context.WithoutCancel(ctx),
		func(d transport.DiscoveredDevice) { m.deviceFound(gen, d) },
		func(err error) { m.scanError(gen, err) },
	)
	if err != nil {
		return m.scanFailed(gen, fmt.Errorf("connection: scan: %w", err))
	}

	m.mu.Lock()
	if m.scanGen != gen || m.state.Kind != Scanning {
		// Stopped while the transport was starting up.
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.scanCancel = cancel
	if m.opts.ScanTimeout > 0 {
		m.scanTimer = time.AfterFunc(m.opts.ScanTimeout, func() { m.scanTimedOut(gen) })
	}
	m.mu.Unlock()
	return nil
}

// StopScan ends the current scan session. It is a no-op when not scanning.
func (m *Manager) StopScan() {
	m.mu.Lock()
	if m.state.Kind != Scanning {
		m.mu.Unlock()
		return
	}
	cancel := m.endScanLocked()
	m.setStateLocked(State{Kind: Disconnected})
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("[CONN] scan stopped")
}

func (m *Manager) scanTimedOut(gen uint64) {
	m.mu.Lock()
	if m.scanGen != gen || m.state.Kind != Scanning {
		m.mu.Unlock()
		return
	}
	cancel := m.endScanLocked()
	m.setStateLocked(State{Kind: Disconnected})
	found := len(m.order)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("[CONN] scan timed out", "devices", found)
}

// endScanLocked invalidates the session's callbacks and returns the
// transport cancel function for the caller to run without the lock.
func (m *Manager) endScanLocked() transport.CancelFunc {
	m.scanGen++
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	cancel := m.scanCancel
	m.scanCancel = nil
	return cancel
}

func (m *Manager) deviceFound(gen uint64, d transport.DiscoveredDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanGen != gen || m.state.Kind != Scanning || d.ID == "" {
		return
	}
	if _, seen := m.devices[d.ID]; seen {
		return
	}
	m.devices[d.ID] = d
	m.order = append(m.order, d.ID)
	slog.Debug("[CONN] device found", "id", d.ID, "name", d.Name)
	m.events.emit(DeviceFound{Device: d})
}

func (m *Manager) scanError(gen uint64, err error) {
	m.mu.Lock()
	if m.scanGen != gen || m.state.Kind != Scanning {
		m.mu.Unlock()
		return
	}
	cancel := m.endScanLocked()
	m.failLocked(err)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Warn("[CONN] scan failed", "error", err)
}

// scanFailed handles a failure while starting the scan session gen.
func (m *Manager) scanFailed(gen uint64, err error) error {
	m.mu.Lock()
	if m.scanGen == gen && m.state.Kind == Scanning {
		m.endScanLocked()
		m.failLocked(err)
	}
	m.mu.Unlock()
	slog.Warn("[CONN] scan not started", "error", err)
	return err
}

// Connect opens a link to deviceID. Transports that discover devices require
// an id found by the current scan or listed in Options.KnownDevices; the
// WebSocket transport ignores it. An active scan is stopped first.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state.Kind {
	case Connecting:
		m.mu.Unlock()
		return transport.ErrAlreadyConnecting
	case Connected, Disconnecting:
		m.mu.Unlock()
		return transport.ErrAlreadyConnected
	}

	if m.t.Discoverable() {
		if deviceID == "" {
			m.mu.Unlock()
			return fmt.Errorf("connection: device id required: %w", transport.ErrConnectFailed)
		}
		if _, found := m.devices[deviceID]; !found && !m.known[deviceID] {
			m.mu.Unlock()
			return fmt.Errorf("connection: unknown device %q: %w", deviceID, transport.ErrConnectFailed)
		}
	} else {
		deviceID = ""
	}

	var scanCancel transport.CancelFunc
	if m.state.Kind == Scanning {
		scanCancel = m.endScanLocked()
	}

	m.connGen++
	gen := m.connGen
	cctx, cancel := context.WithCancel(ctx)
	if m.opts.ConnectTimeout > 0 {
		cctx, cancel = withTimeout(cctx, cancel, m.opts.ConnectTimeout)
	}
	m.connectCancel = cancel
	m.lastErr = nil
	m.setStateLocked(State{Kind: Connecting})
	m.mu.Unlock()

	if scanCancel != nil {
		scanCancel()
	}

	slog.Info("[CONN] connecting", "transport", m.t.Name(), "id", deviceID)
	peer, err := m.breaker.connect(func() (transport.Peer, error) {
		p, err := m.t.Connect(cctx, deviceID)
		if err != nil && errors.Is(cctx.Err(), context.Canceled) {
			err = fmt.Errorf("%w: %w", err, context.Canceled)
		}
		return p, err
	})
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()

	m.mu.Lock()
	if m.connGen != gen || m.closed {
		// Disconnect or Close abandoned this attempt.
		m.mu.Unlock()
		if peer != nil {
			_ = m.t.Disconnect(context.Background(), peer)
		}
		return fmt.Errorf("connection: connect abandoned: %w", transport.ErrConnectFailed)
	}
	m.connectCancel = nil

	if err != nil {
		if timedOut && !errors.Is(err, transport.ErrConnectFailed) {
			err = fmt.Errorf("connection: connect timed out after %s: %w", m.opts.ConnectTimeout, transport.ErrConnectFailed)
		}
		m.failLocked(err)
		m.mu.Unlock()
		slog.Warn("[CONN] connect failed", "id", deviceID, "error", err)
		return err
	}

	m.peer = peer
	m.received = nil
	m.setStateLocked(State{Kind: Connected})
	m.mu.Unlock()

	slog.Info("[CONN] connected", "id", peer.ID(), "name", peer.Name())
	m.arm(gen, peer)
	return nil
}

// arm subscribes to inbound messages and drop notifications. It runs without
// the lock because transports may call back synchronously.
func (m *Manager) arm(gen uint64, peer transport.Peer) {
	subCancel, err := m.t.Subscribe(peer, func(payload []byte) { m.messageReceived(gen, payload) })
	if err != nil {
		slog.Warn("[CONN] subscribe failed", "id", peer.ID(), "error", err)
		m.mu.Lock()
		if m.connGen == gen {
			m.lastErr = fmt.Errorf("connection: subscribe: %w", err)
			m.events.emit(ErrorRaised{Err: m.lastErr})
		}
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		if m.connGen == gen && m.peer == peer {
			m.subCancel = subCancel
			subCancel = nil
		}
		m.mu.Unlock()
		if subCancel != nil {
			subCancel()
		}
	}

	m.t.OnDisconnect(peer, func(err error) { m.peerLost(gen, err) })
}

func (m *Manager) messageReceived(gen uint64, payload []byte) {
	in := m.t.Codec().DecodeInbound(payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connGen != gen || m.state.Kind != Connected {
		return
	}
	m.received = &in
	m.events.emit(MessageReceived{Message: in})
}

func (m *Manager) peerLost(gen uint64, err error) {
	m.mu.Lock()
	if m.connGen != gen || m.state.Kind != Connected {
		m.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		err = transport.ErrUnsolicitedDisconnect
	case !errors.Is(err, transport.ErrUnsolicitedDisconnect):
		err = fmt.Errorf("%v: %w", err, transport.ErrUnsolicitedDisconnect)
	}
	m.connGen++
	subCancel := m.subCancel
	m.subCancel = nil
	id := m.peer.ID()
	m.peer = nil
	m.lastErr = err
	m.events.emit(ErrorRaised{Err: err})
	m.setStateLocked(State{Kind: Disconnected})
	m.mu.Unlock()

	if subCancel != nil {
		subCancel()
	}
	slog.Warn("[CONN] peer disconnected", "id", id, "error", err)
}

// Disconnect closes the link. It always ends in Disconnected, even when the
// transport reports a failure, and is a no-op when already disconnected.
// Disconnect while Connecting abandons the attempt; while Scanning it stops
// the scan.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state.Kind {
	case Disconnected, Error, Disconnecting:
		m.mu.Unlock()
		return nil
	case Scanning:
		m.mu.Unlock()
		m.StopScan()
		return nil
	case Connecting:
		m.connGen++
		cancel := m.connectCancel
		m.connectCancel = nil
		m.setStateLocked(State{Kind: Disconnected})
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		slog.Info("[CONN] connect attempt cancelled")
		return nil
	}

	m.connGen++
	peer := m.peer
	subCancel := m.subCancel
	m.subCancel = nil
	m.setStateLocked(State{Kind: Disconnecting})
	m.mu.Unlock()

	if subCancel != nil {
		subCancel()
	}
	err := m.t.Disconnect(ctx, peer)

	m.mu.Lock()
	m.peer = nil
	if err != nil {
		err = fmt.Errorf("connection: disconnect: %w", err)
		m.lastErr = err
		m.events.emit(ErrorRaised{Err: err})
	}
	m.setStateLocked(State{Kind: Disconnected})
	m.mu.Unlock()

	if err != nil {
		slog.Warn("[CONN] disconnect reported an error", "error", err)
		return err
	}
	slog.Info("[CONN] disconnected", "id", peer.ID())
	return nil
}

// SendCommand encodes cmd and writes it to the peer. speed overrides the
// current speed for this command only; SPEED commands carry their own value
// and become the current speed once written. Write failures are also
// published as ErrorRaised and leave the connection up.
func (m *Manager) SendCommand(ctx context.Context, cmd command.Command, speed ...int) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if len(speed) > 0 && (speed[0] < command.MinSpeed || speed[0] > command.MaxSpeed) {
		return fmt.Errorf("command: speed %d out of range: %w", speed[0], command.ErrInvalidCommand)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Kind != Connected || m.peer == nil {
		m.mu.Unlock()
		return transport.ErrNotConnected
	}
	peer := m.peer
	sp := m.speed
	if len(speed) > 0 {
		sp = speed[0]
	}
	m.mu.Unlock()

	payload, err := m.t.Codec().Encode(cmd, sp)
	if err != nil {
		return err
	}

	if err := m.t.Write(ctx, peer, payload); err != nil {
		err = fmt.Errorf("connection: send %s: %w", cmd.Tag(), err)
		m.mu.Lock()
		m.lastErr = err
		m.events.emit(ErrorRaised{Err: err})
		m.mu.Unlock()
		slog.Warn("[CONN] command not delivered", "command", cmd.Tag(), "error", err)
		return err
	}

	slog.Debug("[CONN] command sent", "command", cmd.Tag(), "speed", sp)
	if cmd.IsSpeed() {
		m.mu.Lock()
		m.speed = cmd.Value
		m.mu.Unlock()
	}
	return nil
}

// Close cancels any scan or connect attempt, disconnects the peer and stops
// event delivery. Queued events are delivered before Close returns. It must
// not be called from an Observer.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	scanCancel := m.endScanLocked()
	m.connGen++
	connectCancel := m.connectCancel
	m.connectCancel = nil
	peer := m.peer
	m.peer = nil
	subCancel := m.subCancel
	m.subCancel = nil
	if m.state.Kind != Disconnected {
		m.setStateLocked(State{Kind: Disconnected})
	}
	m.mu.Unlock()

	if scanCancel != nil {
		scanCancel()
	}
	if connectCancel != nil {
		connectCancel()
	}
	if subCancel != nil {
		subCancel()
	}
	var err error
	if peer != nil {
		if derr := m.t.Disconnect(context.Background(), peer); derr != nil {
			err = fmt.Errorf("connection: close: %w", derr)
		}
	}
	m.events.close()
	slog.Debug("[CONN] manager closed")
	return err
}

// failLocked records err, passes through Error and settles in Disconnected.
func (m *Manager) failLocked(err error) {
	m.lastErr = err
	m.setStateLocked(State{Kind: Error, Err: err})
	m.setStateLocked(State{Kind: Disconnected})
}

func (m *Manager) setStateLocked(s State) {
	from := m.state
	m.state = s
	m.events.emit(StateChanged{From: from, To: s})
}

func withTimeout(ctx context.Context, cancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, tcancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		tcancel()
		cancel()
	}
}
