package connection

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/sim"
	"github.com/chaz8081/trashbot-remote/internal/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// recorder collects every event the manager publishes.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Manager) *recorder {
	r := &recorder{}
	m.Subscribe(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) states() []Kind {
	var out []Kind
	for _, e := range r.all() {
		if sc, ok := e.(StateChanged); ok {
			out = append(out, sc.To.Kind)
		}
	}
	return out
}

func (r *recorder) has(match func(Event) bool) bool {
	for _, e := range r.all() {
		if match(e) {
			return true
		}
	}
	return false
}

func newSim(devices ...string) *sim.Transport {
	opts := sim.Options{Base64: true, Power: transport.PoweredOn, Seed: 7}
	for _, id := range devices {
		opts.Devices = append(opts.Devices, sim.Device{ID: id, Name: "bot-" + id})
	}
	return sim.New(opts)
}

func newManager(t *testing.T, tr transport.Transport, opts Options) *Manager {
	t.Helper()
	m := New(tr, opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func connected(t *testing.T, tr *sim.Transport, id string) *Manager {
	t.Helper()
	m := newManager(t, tr, Options{KnownDevices: []string{id}})
	require.NoError(t, m.Connect(context.Background(), id))
	return m
}

func TestNewManagerKeepsExplicitZeroSpeed(t *testing.T) {
	zero := 0
	m := newManager(t, newSim(), Options{DefaultSpeed: &zero})
	assert.Equal(t, 0, m.Snapshot().Speed)
}

func TestNewManagerDefaults(t *testing.T) {
	m := newManager(t, newSim(), Options{})
	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.Equal(t, "sim", snap.Transport)
	assert.Equal(t, DefaultSpeed, snap.Speed)
	assert.False(t, snap.IsScanning)
	assert.False(t, snap.IsConnected)
	assert.Nil(t, snap.Peer)
	assert.Empty(t, snap.Error)
	assert.True(t, snap.Retryable)
}

func TestScanCollectsDevicesThenTimesOut(t *testing.T) {
	tr := newSim("a", "b")
	m := newManager(t, tr, Options{ScanTimeout: 100 * time.Millisecond})
	rec := record(m)

	require.NoError(t, m.StartScan(context.Background()))
	assert.True(t, m.Snapshot().IsScanning)

	require.Eventually(t, func() bool { return m.State().Kind == Disconnected }, waitFor, tick)

	snap := m.Snapshot()
	require.Len(t, snap.Devices, 2)
	assert.Equal(t, "a", snap.Devices[0].ID)
	assert.Equal(t, "b", snap.Devices[1].ID)
	assert.Eventually(t, func() bool {
		return rec.has(func(e Event) bool { d, ok := e.(DeviceFound); return ok && d.Device.ID == "b" })
	}, waitFor, tick)
}

func TestScanDeduplicatesDevices(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})
	require.NoError(t, m.StartScan(context.Background()))

	ft.deliverDevice(transport.DiscoveredDevice{ID: "x", Name: "first"})
	ft.deliverDevice(transport.DiscoveredDevice{ID: "x", Name: "again"})
	ft.deliverDevice(transport.DiscoveredDevice{ID: "y"})

	snap := m.Snapshot()
	require.Len(t, snap.Devices, 2)
	assert.Equal(t, "first", snap.Devices[0].Name)
}

func TestStopScanDropsLateCallbacks(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})
	require.NoError(t, m.StartScan(context.Background()))
	ft.deliverDevice(transport.DiscoveredDevice{ID: "early"})

	m.StopScan()
	assert.Equal(t, 1, ft.scanCancelCalls())

	ft.deliverDevice(transport.DiscoveredDevice{ID: "late"})
	snap := m.Snapshot()
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "early", snap.Devices[0].ID)
	assert.Equal(t, Disconnected, snap.State.Kind)
}

func TestStopScanAndTimeoutAreIdempotent(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{ScanTimeout: 30 * time.Millisecond})
	rec := record(m)

	m.StopScan() // not scanning
	require.NoError(t, m.StartScan(context.Background()))
	m.StopScan()
	m.StopScan()
	time.Sleep(80 * time.Millisecond) // timer would have fired

	assert.Equal(t, 1, ft.scanCancelCalls())
	require.Eventually(t, func() bool { return len(rec.states()) == 2 }, waitFor, tick)
	assert.Equal(t, []Kind{Scanning, Disconnected}, rec.states())
}

func TestStartScanWhileScanningIsNoop(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})
	require.NoError(t, m.StartScan(context.Background()))
	ft.deliverDevice(transport.DiscoveredDevice{ID: "kept"})
	require.NoError(t, m.StartScan(context.Background()))
	assert.Len(t, m.Snapshot().Devices, 1)
}

func TestScanPermissionDenied(t *testing.T) {
	tr := sim.New(sim.Options{
		Power:       transport.PoweredOn,
		Permissions: transport.StaticPermissions{transport.FineLocation: true, transport.BluetoothScan: true},
	})
	m := newManager(t, tr, Options{})
	rec := record(m)

	err := m.StartScan(context.Background())
	require.ErrorIs(t, err, transport.ErrPermissionDenied)

	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.ErrorIs(t, snap.Err, transport.ErrPermissionDenied)
	assert.False(t, snap.Retryable)
	require.Eventually(t, func() bool { return len(rec.states()) == 3 }, waitFor, tick)
	assert.Equal(t, []Kind{Scanning, Error, Disconnected}, rec.states())
}

func TestScanPoweredOff(t *testing.T) {
	tr := newSim("a")
	tr.SetPower(transport.PoweredOff)
	m := newManager(t, tr, Options{})

	err := m.StartScan(context.Background())
	require.ErrorIs(t, err, transport.ErrPoweredOff)
	assert.True(t, m.Snapshot().Retryable)
	assert.Equal(t, transport.PoweredOff, m.TransportState(context.Background()))
}

func TestScanUnavailable(t *testing.T) {
	ft := newFakeTransport()
	ft.power = transport.Unavailable
	m := newManager(t, ft, Options{})

	err := m.StartScan(context.Background())
	require.ErrorIs(t, err, transport.ErrTransportUnavailable)
	assert.False(t, m.Snapshot().Retryable)
}

func TestScanErrorAfterStart(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})
	require.NoError(t, m.StartScan(context.Background()))

	ft.failScan(transport.ErrScanFailed)
	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.ErrorIs(t, snap.Err, transport.ErrScanFailed)
	assert.Equal(t, 1, ft.scanCancelCalls())
}

func TestConnectToKnownDevice(t *testing.T) {
	tr := newSim("device-42")
	m := newManager(t, tr, Options{KnownDevices: []string{"device-42"}})

	require.NoError(t, m.Connect(context.Background(), "device-42"))

	snap := m.Snapshot()
	assert.Equal(t, Connected, snap.State.Kind)
	assert.True(t, snap.IsConnected)
	require.NotNil(t, snap.Peer)
	assert.Equal(t, "device-42", snap.Peer.ID)
	assert.Equal(t, "bot-device-42", snap.Peer.Name)
}

func TestConnectToScannedDevice(t *testing.T) {
	tr := newSim("found")
	m := newManager(t, tr, Options{})

	require.NoError(t, m.StartScan(context.Background()))
	require.Eventually(t, func() bool { return len(m.Snapshot().Devices) == 1 }, waitFor, tick)

	require.NoError(t, m.Connect(context.Background(), "found"))
	assert.Equal(t, Connected, m.State().Kind)
}

func TestConnectStopsScan(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})
	rec := record(m)
	require.NoError(t, m.StartScan(context.Background()))
	ft.deliverDevice(transport.DiscoveredDevice{ID: "bot"})

	require.NoError(t, m.Connect(context.Background(), "bot"))
	assert.Equal(t, 1, ft.scanCancelCalls())

	ft.deliverDevice(transport.DiscoveredDevice{ID: "late"})
	assert.Len(t, m.Snapshot().Devices, 1)
	require.Eventually(t, func() bool { return len(rec.states()) == 3 }, waitFor, tick)
	assert.Equal(t, []Kind{Scanning, Connecting, Connected}, rec.states())
}

func TestConnectRequiresDiscoveredOrKnownID(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})

	assert.ErrorIs(t, m.Connect(context.Background(), ""), transport.ErrConnectFailed)
	assert.ErrorIs(t, m.Connect(context.Background(), "stranger"), transport.ErrConnectFailed)
	assert.Empty(t, ft.connectCalls())
	assert.Equal(t, Disconnected, m.State().Kind)
}

func TestConnectIgnoresIDForFixedEndpoint(t *testing.T) {
	ft := newFakeTransport()
	ft.discoverable = false
	m := newManager(t, ft, Options{})

	require.NoError(t, m.Connect(context.Background(), "whatever"))
	assert.Equal(t, []string{""}, ft.connectCalls())
}

func TestConnectTwiceWhileConnecting(t *testing.T) {
	tr := sim.New(sim.Options{
		Devices:      []sim.Device{{ID: "bot"}},
		ConnectDelay: 150 * time.Millisecond,
		Power:        transport.PoweredOn,
	})
	m := newManager(t, tr, Options{KnownDevices: []string{"bot"}})

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background(), "bot") }()
	require.Eventually(t, func() bool { return m.State().Kind == Connecting }, waitFor, time.Millisecond)

	err := m.Connect(context.Background(), "bot")
	assert.ErrorIs(t, err, transport.ErrAlreadyConnecting)

	require.NoError(t, <-first)
	assert.Equal(t, 1, tr.ConnectCount())
}

func TestConnectWhileConnected(t *testing.T) {
	m := connected(t, newSim("bot"), "bot")
	assert.ErrorIs(t, m.Connect(context.Background(), "bot"), transport.ErrAlreadyConnected)
	assert.ErrorIs(t, m.StartScan(context.Background()), transport.ErrAlreadyConnected)
}

func TestConnectFailureSurfacesError(t *testing.T) {
	tr := newSim("bot")
	tr.FailNextConnect(errors.New("out of range"))
	m := newManager(t, tr, Options{KnownDevices: []string{"bot"}})
	rec := record(m)

	err := m.Connect(context.Background(), "bot")
	require.ErrorIs(t, err, transport.ErrConnectFailed)

	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.Contains(t, snap.Error, "out of range")
	assert.True(t, snap.Retryable)
	require.Eventually(t, func() bool { return len(rec.states()) == 3 }, waitFor, tick)
	assert.Equal(t, []Kind{Connecting, Error, Disconnected}, rec.states())

	// The next attempt clears the error.
	require.NoError(t, m.Connect(context.Background(), "bot"))
	assert.Empty(t, m.Snapshot().Error)
}

func TestConnectTimeout(t *testing.T) {
	tr := sim.New(sim.Options{
		Devices:      []sim.Device{{ID: "bot"}},
		ConnectDelay: time.Minute,
		Power:        transport.PoweredOn,
	})
	m := newManager(t, tr, Options{KnownDevices: []string{"bot"}, ConnectTimeout: 30 * time.Millisecond})

	err := m.Connect(context.Background(), "bot")
	require.ErrorIs(t, err, transport.ErrConnectFailed)
	assert.Equal(t, Disconnected, m.State().Kind)
}

func TestDisconnectWhileConnectingCancelsAttempt(t *testing.T) {
	tr := sim.New(sim.Options{
		Devices:      []sim.Device{{ID: "bot"}},
		ConnectDelay: time.Minute,
		Power:        transport.PoweredOn,
	})
	m := newManager(t, tr, Options{KnownDevices: []string{"bot"}})

	result := make(chan error, 1)
	go func() { result <- m.Connect(context.Background(), "bot") }()
	require.Eventually(t, func() bool { return m.State().Kind == Connecting }, waitFor, time.Millisecond)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, m.State().Kind)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, transport.ErrConnectFailed)
	case <-time.After(waitFor):
		t.Fatal("connect attempt was not cancelled")
	}
	assert.Equal(t, Disconnected, m.State().Kind)
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	m := newManager(t, newSim(), Options{})
	rec := record(m)

	require.NoError(t, m.Disconnect(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.states())
}

func TestDisconnect(t *testing.T) {
	tr := newSim("bot")
	m := connected(t, tr, "bot")
	rec := record(m)

	require.NoError(t, m.Disconnect(context.Background()))
	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.Nil(t, snap.Peer)
	assert.Empty(t, snap.Error)
	require.Eventually(t, func() bool { return len(rec.states()) == 2 }, waitFor, tick)
	assert.Equal(t, []Kind{Disconnecting, Disconnected}, rec.states())
	assert.False(t, tr.DropPeer(nil), "peer should already be closed")
}

func TestDisconnectFailureStillDisconnects(t *testing.T) {
	ft := newFakeTransport()
	ft.disconnectErr = errors.New("gatt teardown timeout")
	m := newManager(t, ft, Options{KnownDevices: []string{"bot"}})
	require.NoError(t, m.Connect(context.Background(), "bot"))

	err := m.Disconnect(context.Background())
	assert.Error(t, err)
	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.Contains(t, snap.Error, "gatt teardown timeout")
}

func TestSendCommandInvalidSpeed(t *testing.T) {
	tr := newSim("bot")
	m := connected(t, tr, "bot")

	err := m.SendCommand(context.Background(), command.Speed(150))
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
	assert.ErrorIs(t, err, transport.ErrInvalidCommand)
	assert.Empty(t, tr.Written())

	err = m.SendCommand(context.Background(), command.Simple(command.Forward), 101)
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
	assert.Empty(t, tr.Written())
}

func TestSendCommandNotConnected(t *testing.T) {
	tr := newSim("bot")
	m := newManager(t, tr, Options{})

	err := m.SendCommand(context.Background(), command.Simple(command.Forward))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Empty(t, tr.Written())
}

func TestSendCommandWritesAndTracksSpeed(t *testing.T) {
	tr := newSim("bot")
	m := connected(t, tr, "bot")

	require.NoError(t, m.SendCommand(context.Background(), command.Speed(75)))
	require.NoError(t, m.SendCommand(context.Background(), command.Simple(command.Forward)))
	require.NoError(t, m.SendCommand(context.Background(), command.Simple(command.GrabTrash)))

	assert.Equal(t, []string{"SPEED_75", "FORWARD", "GRAB_TRASH"}, tr.WrittenTags())
	assert.Equal(t, 75, m.Snapshot().Speed)
}

func TestSendCommandWriteFailureStaysConnected(t *testing.T) {
	tr := newSim("bot")
	m := connected(t, tr, "bot")
	rec := record(m)

	tr.FailNextWrite(errors.New("att busy"))
	err := m.SendCommand(context.Background(), command.Simple(command.Left))
	require.ErrorIs(t, err, transport.ErrWriteFailed)

	snap := m.Snapshot()
	assert.Equal(t, Connected, snap.State.Kind)
	assert.Contains(t, snap.Error, "att busy")
	require.Eventually(t, func() bool {
		return rec.has(func(e Event) bool {
			er, ok := e.(ErrorRaised)
			return ok && errors.Is(er.Err, transport.ErrWriteFailed)
		})
	}, waitFor, tick)

	// The user can retry.
	require.NoError(t, m.SendCommand(context.Background(), command.Simple(command.Left)))
}

func TestSendCommandsConcurrently(t *testing.T) {
	tr := newSim("bot")
	m := connected(t, tr, "bot")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.SendCommand(context.Background(), command.Simple(command.Stop)))
		}()
	}
	wg.Wait()
	assert.Len(t, tr.Written(), 20)
}

func TestUnsolicitedDisconnect(t *testing.T) {
	tr := newSim("bot")
	m := connected(t, tr, "bot")
	rec := record(m)

	require.True(t, tr.DropPeer(errors.New("signal lost")))

	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.Nil(t, snap.Peer)
	assert.NotEmpty(t, snap.Error)
	assert.ErrorIs(t, snap.Err, transport.ErrUnsolicitedDisconnect)
	require.Eventually(t, func() bool { return len(rec.states()) == 1 }, waitFor, tick)
	assert.Equal(t, []Kind{Disconnected}, rec.states())

	assert.ErrorIs(t, m.SendCommand(context.Background(), command.Simple(command.Stop)), transport.ErrNotConnected)
}

func TestUnsolicitedDisconnectWithoutReason(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{KnownDevices: []string{"bot"}})
	require.NoError(t, m.Connect(context.Background(), "bot"))

	ft.drop(nil)
	snap := m.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Kind)
	assert.ErrorIs(t, snap.Err, transport.ErrUnsolicitedDisconnect)
}

func TestStaleDropIgnoredAfterReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{KnownDevices: []string{"bot"}})
	require.NoError(t, m.Connect(context.Background(), "bot"))

	ft.mu.Lock()
	staleDrop := ft.onDrop
	ft.mu.Unlock()

	require.NoError(t, m.Disconnect(context.Background()))
	require.NoError(t, m.Connect(context.Background(), "bot"))

	staleDrop(nil)
	assert.Equal(t, Connected, m.State().Kind)
}

func TestMessageReceived(t *testing.T) {
	tr := newSim("bot")
	m := connected(t, tr, "bot")
	rec := record(m)

	require.True(t, tr.InjectMessage([]byte(base64.StdEncoding.EncodeToString([]byte("BIN_FULL")))))
	require.True(t, tr.InjectMessage([]byte(base64.StdEncoding.EncodeToString([]byte(`{"battery":80}`)))))

	snap := m.Snapshot()
	require.NotNil(t, snap.Received)
	assert.Equal(t, `{"battery":80}`, snap.Received.Text)
	assert.Equal(t, float64(80), snap.Received.Fields["battery"])

	require.Eventually(t, func() bool {
		var texts []string
		for _, e := range rec.all() {
			if mr, ok := e.(MessageReceived); ok {
				texts = append(texts, mr.Message.Text)
			}
		}
		return strings.Join(texts, "|") == `BIN_FULL|{"battery":80}`
	}, waitFor, tick)
}

func TestMessageAfterDisconnectIgnored(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{KnownDevices: []string{"bot"}})
	require.NoError(t, m.Connect(context.Background(), "bot"))
	require.NoError(t, m.Disconnect(context.Background()))

	ft.deliverMessage([]byte("late"))
	assert.Nil(t, m.Snapshot().Received)
}

func TestBreakerFailsFast(t *testing.T) {
	tr := sim.New(sim.Options{
		Devices:            []sim.Device{{ID: "bot"}},
		ConnectFailureRate: 1,
		Power:              transport.PoweredOn,
	})
	m := newManager(t, tr, Options{
		KnownDevices: []string{"bot"},
		Breaker:      BreakerOptions{MaxFailures: 2, Timeout: time.Minute},
	})

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, m.Connect(context.Background(), "bot"), transport.ErrConnectFailed)
	}
	assert.Equal(t, "open", m.Snapshot().Breaker)

	err := m.Connect(context.Background(), "bot")
	require.ErrorIs(t, err, transport.ErrConnectFailed)
	assert.Equal(t, 2, tr.ConnectCount(), "open breaker must not reach the transport")
}

func TestBreakerDisabled(t *testing.T) {
	tr := sim.New(sim.Options{
		Devices:            []sim.Device{{ID: "bot"}},
		ConnectFailureRate: 1,
		Power:              transport.PoweredOn,
	})
	m := newManager(t, tr, Options{
		KnownDevices: []string{"bot"},
		Breaker:      BreakerOptions{MaxFailures: 1, Disabled: true},
	})
	for i := 0; i < 3; i++ {
		_ = m.Connect(context.Background(), "bot")
	}
	assert.Equal(t, 3, tr.ConnectCount())
	assert.Equal(t, "disabled", m.Snapshot().Breaker)
}

func TestCloseTearsDown(t *testing.T) {
	tr := newSim("bot")
	m := New(tr, Options{KnownDevices: []string{"bot"}})
	require.NoError(t, m.Connect(context.Background(), "bot"))
	rec := record(m)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, Disconnected, m.State().Kind)
	assert.False(t, tr.DropPeer(nil), "peer should be closed")
	assert.Equal(t, []Kind{Disconnected}, rec.states(), "queued events are delivered before Close returns")

	assert.ErrorIs(t, m.StartScan(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.Connect(context.Background(), "bot"), ErrClosed)
	assert.ErrorIs(t, m.Disconnect(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.SendCommand(context.Background(), command.Simple(command.Stop)), ErrClosed)
}

func TestCloseCancelsScan(t *testing.T) {
	ft := newFakeTransport()
	m := New(ft, Options{})
	require.NoError(t, m.StartScan(context.Background()))
	require.NoError(t, m.Close())

	assert.Equal(t, 1, ft.scanCancelCalls())
	ft.deliverDevice(transport.DiscoveredDevice{ID: "late"})
	assert.Empty(t, m.Snapshot().Devices)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})

	var mu sync.Mutex
	count := 0
	unsubscribe := m.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, m.StartScan(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, waitFor, tick)

	unsubscribe()
	m.StopScan()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEventsArriveInOrder(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, Options{})
	rec := record(m)

	require.NoError(t, m.StartScan(context.Background()))
	for _, id := range []string{"1", "2", "3"} {
		ft.deliverDevice(transport.DiscoveredDevice{ID: id})
	}
	m.StopScan()

	require.Eventually(t, func() bool { return len(rec.all()) == 5 }, waitFor, tick)
	events := rec.all()
	assert.Equal(t, Scanning, events[0].(StateChanged).To.Kind)
	assert.Equal(t, "1", events[1].(DeviceFound).Device.ID)
	assert.Equal(t, "2", events[2].(DeviceFound).Device.ID)
	assert.Equal(t, "3", events[3].(DeviceFound).Device.ID)
	assert.Equal(t, Disconnected, events[4].(StateChanged).To.Kind)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", State{Kind: Connected}.String())
	assert.Equal(t, "error: boom", State{Kind: Error, Err: errors.New("boom")}.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
