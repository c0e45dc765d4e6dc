// Package sim provides a simulated robot link with configurable latency and
// failure injection. It behaves like the BLE transport: devices are found by
// scanning and commands are tag payloads.
package sim

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/robotsim"
	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// Device is a simulated robot. An empty ID is replaced with a UUID.
type Device struct {
	ID   string
	Name string
	RSSI int
}

// Options configures the simulated link. Rates are probabilities in [0,1].
type Options struct {
	Devices            []Device
	ScanDelay          time.Duration // before each device is reported
	ConnectDelay       time.Duration
	ConnectFailureRate float64
	WriteFailureRate   float64
	DropInterval       time.Duration // how often a random drop is considered
	DropRate           float64
	Seed               uint64 // 0 picks a random seed
	Base64             bool
	Telemetry          bool // reply to every write with robot telemetry
	Power              transport.PowerState
	Permissions        transport.PermissionRequester
}

// DefaultOptions mirrors the demo link: one robot, 2 s connects that fail
// 10% of the time, and a 10% chance of a drop every 5 s.
func DefaultOptions() Options {
	return Options{
		Devices:            []Device{{Name: "TrashBot-Sim", RSSI: -50}},
		ScanDelay:          200 * time.Millisecond,
		ConnectDelay:       2 * time.Second,
		ConnectFailureRate: 0.1,
		DropInterval:       5 * time.Second,
		DropRate:           0.1,
		Base64:             true,
		Telemetry:          true,
		Power:              transport.PoweredOn,
		Permissions:        transport.GrantAll{},
	}
}

// Transport implements transport.Transport in memory.
type Transport struct {
	opts  Options
	codec command.BLECodec
	robot *robotsim.Robot

	connecting atomic.Bool

	mu          sync.Mutex
	rng         *rand.Rand
	power       transport.PowerState
	connects    int
	writes      [][]byte
	current     *peer
	nextConnect error
	nextWrite   error
	scanErr     error
}

var _ transport.Transport = (*Transport)(nil)

// New creates a simulated transport.
func New(opts Options) *Transport {
	devices := make([]Device, len(opts.Devices))
	copy(devices, opts.Devices)
	for i := range devices {
		if devices[i].ID == "" {
			devices[i].ID = uuid.NewString()
		}
	}
	opts.Devices = devices
	if opts.Permissions == nil {
		opts.Permissions = transport.GrantAll{}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Transport{
		opts:  opts,
		codec: command.BLECodec{Base64: opts.Base64},
		robot: robotsim.New(),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		power: opts.Power,
	}
}

func (t *Transport) Name() string         { return "sim" }
func (t *Transport) Discoverable() bool   { return true }
func (t *Transport) Codec() command.Codec { return t.codec }

// Devices returns the simulated devices with their assigned ids.
func (t *Transport) Devices() []Device {
	return append([]Device(nil), t.opts.Devices...)
}

// Robot returns the robot that receives written commands.
func (t *Transport) Robot() *robotsim.Robot { return t.robot }

func (t *Transport) RequestPermissions(ctx context.Context) error {
	return transport.RequireAll(ctx, t.opts.Permissions, transport.ScanPermissions)
}

func (t *Transport) State(context.Context) transport.PowerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.power
}

// SetPower changes the reported power state.
func (t *Transport) SetPower(s transport.PowerState) {
	t.mu.Lock()
	t.power = s
	t.mu.Unlock()
}

// FailNextConnect makes the next Connect fail with err.
func (t *Transport) FailNextConnect(err error) {
	t.mu.Lock()
	t.nextConnect = err
	t.mu.Unlock()
}

// FailNextWrite makes the next Write fail with err.
func (t *Transport) FailNextWrite(err error) {
	t.mu.Lock()
	t.nextWrite = err
	t.mu.Unlock()
}

// FailScan makes scans report err after every device has been reported.
func (t *Transport) FailScan(err error) {
	t.mu.Lock()
	t.scanErr = err
	t.mu.Unlock()
}

// ConnectCount returns the number of Connect calls that reached the link.
func (t *Transport) ConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Written returns every payload accepted by Write, in order.
func (t *Transport) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// WrittenTags decodes Written with the transport codec.
func (t *Transport) WrittenTags() []string {
	var tags []string
	for _, w := range t.Written() {
		cmd, err := t.codec.Decode(w)
		if err != nil {
			tags = append(tags, "?"+string(w))
			continue
		}
		tags = append(tags, cmd.Tag())
	}
	return tags
}

// InjectMessage delivers payload to the current peer's subscriber as if the
// robot had sent it. It reports whether a peer was connected.
func (t *Transport) InjectMessage(payload []byte) bool {
	t.mu.Lock()
	p := t.current
	t.mu.Unlock()
	if p == nil {
		return false
	}
	return p.receive(payload)
}

// DropPeer severs the current link as if the robot went out of range.
func (t *Transport) DropPeer(reason error) bool {
	t.mu.Lock()
	p := t.current
	t.mu.Unlock()
	if p == nil {
		return false
	}
	return p.drop(reason)
}

// Scan reports each configured device after ScanDelay until cancelled.
func (t *Transport) Scan(ctx context.Context, onDeviceFound func(transport.DiscoveredDevice), onError func(error)) (transport.CancelFunc, error) {
	if err := t.State(ctx).Err(); err != nil {
		return nil, fmt.Errorf("sim: scan: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	var stopped atomic.Bool
	devices := t.Devices()

	go func() {
		for _, d := range devices {
			if !sleep(sctx, t.opts.ScanDelay) || stopped.Load() {
				return
			}
			rssi := d.RSSI
			connectable := true
			onDeviceFound(transport.DiscoveredDevice{
				ID:          d.ID,
				Name:        d.Name,
				RSSI:        &rssi,
				Connectable: &connectable,
			})
		}
		t.mu.Lock()
		err := t.scanErr
		t.mu.Unlock()
		if err != nil && !stopped.Load() && onError != nil {
			onError(fmt.Errorf("sim: %v: %w", err, transport.ErrScanFailed))
		}
	}()

	return func() {
		stopped.Store(true)
		cancel()
	}, nil
}

// Connect waits ConnectDelay and then succeeds unless a failure is forced or
// drawn.
func (t *Transport) Connect(ctx context.Context, deviceID string) (transport.Peer, error) {
	if !t.connecting.CompareAndSwap(false, true) {
		return nil, transport.ErrAlreadyConnecting
	}
	defer t.connecting.Store(false)

	dev, ok := t.lookup(deviceID)
	if !ok {
		return nil, fmt.Errorf("sim: unknown device %q: %w", deviceID, transport.ErrConnectFailed)
	}

	t.mu.Lock()
	t.connects++
	forced := t.nextConnect
	t.nextConnect = nil
	t.mu.Unlock()

	slog.Debug("[SIM] connecting", "id", dev.ID, "delay", t.opts.ConnectDelay)
	if !sleep(ctx, t.opts.ConnectDelay) {
		return nil, fmt.Errorf("sim: connect %s: %v: %w", dev.ID, ctx.Err(), transport.ErrConnectFailed)
	}
	if forced != nil {
		return nil, fmt.Errorf("sim: connect %s: %v: %w", dev.ID, forced, transport.ErrConnectFailed)
	}
	if t.roll(t.opts.ConnectFailureRate) {
		return nil, fmt.Errorf("sim: connect %s: link refused: %w", dev.ID, transport.ErrConnectFailed)
	}

	p := newPeer(dev.ID, dev.Name)
	t.mu.Lock()
	t.current = p
	t.mu.Unlock()

	go p.replyLoop()

	if t.opts.DropInterval > 0 && t.opts.DropRate > 0 {
		go t.dropLoop(p)
	}
	slog.Info("[SIM] connected", "id", dev.ID, "name", dev.Name)
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
	t.release(p)
	slog.Info("[SIM] disconnected", "id", p.id)
	return nil
}

func (t *Transport) Write(ctx context.Context, tp transport.Peer, payload []byte) error {
	p, err := asPeer(tp)
	if err != nil {
		return err
	}
	if p.isClosed() {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sim: write: %v: %w", err, transport.ErrWriteFailed)
	}

	t.mu.Lock()
	forced := t.nextWrite
	t.nextWrite = nil
	t.mu.Unlock()
	if forced != nil {
		return fmt.Errorf("sim: write %s: %v: %w", p.id, forced, transport.ErrWriteFailed)
	}
	if t.roll(t.opts.WriteFailureRate) {
		return fmt.Errorf("sim: write %s: no acknowledgement: %w", p.id, transport.ErrWriteFailed)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.mu.Lock()
	t.writes = append(t.writes, buf)
	t.mu.Unlock()

	if t.opts.Telemetry {
		t.reply(p, buf)
	}
	return nil
}

func (t *Transport) reply(p *peer, payload []byte) {
	cmd, err := t.codec.Decode(payload)
	if err != nil {
		slog.Debug("[SIM] unparsable write", "payload", string(payload), "error", err)
		return
	}
	msg, err := t.robot.Apply(cmd, -1).JSON()
	if err != nil {
		slog.Error("[SIM] telemetry not sent", "id", p.id, "error", err)
		return
	}
	if t.opts.Base64 {
		enc := make([]byte, base64.StdEncoding.EncodedLen(len(msg)))
		base64.StdEncoding.Encode(enc, msg)
		msg = enc
	}
	// Notifications arrive asynchronously on real links, but in write order.
	p.enqueue(msg)
}

func (t *Transport) Subscribe(tp transport.Peer, onMessage func([]byte)) (transport.CancelFunc, error) {
	p, err := asPeer(tp)
	if err != nil {
		return nil, err
	}
	if p.isClosed() {
		return nil, transport.ErrNotConnected
	}
	return p.subscribe(onMessage), nil
}

func (t *Transport) OnDisconnect(tp transport.Peer, fn func(error)) {
	p, err := asPeer(tp)
	if err != nil {
		return
	}
	p.setDropHandler(fn)
}

func (t *Transport) lookup(id string) (Device, bool) {
	for _, d := range t.opts.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

func (t *Transport) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < rate
}

func (t *Transport) release(p *peer) {
	t.mu.Lock()
	if t.current == p {
		t.current = nil
	}
	t.mu.Unlock()
}

func (t *Transport) dropLoop(p *peer) {
	ticker := time.NewTicker(t.opts.DropInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if t.roll(t.opts.DropRate) {
				p.drop(fmt.Errorf("sim: signal lost: %w", transport.ErrUnsolicitedDisconnect))
				return
			}
		}
	}
}

func asPeer(tp transport.Peer) (*peer, error) {
	p, ok := tp.(*peer)
	if !ok || p == nil {
		return nil, fmt.Errorf("sim: foreign peer %T: %w", tp, transport.ErrNotConnected)
	}
	return p, nil
}

// sleep waits d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
