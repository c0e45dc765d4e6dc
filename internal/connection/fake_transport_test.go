package connection

import (
	"context"
	"sync"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// fakePeer is the peer handed out by fakeTransport.
type fakePeer struct{ id string }

func (p fakePeer) ID() string   { return p.id }
func (p fakePeer) Name() string { return "fake-" + p.id }

// fakeTransport records calls and lets tests hold on to the callbacks the
// manager registers, so they can be fired at awkward moments.
type fakeTransport struct {
	mu            sync.Mutex
	discoverable  bool
	power         transport.PowerState
	connectErr    error
	disconnectErr error
	connectIDs    []string
	disconnects   int
	scanCancels   int
	onDevice      func(transport.DiscoveredDevice)
	onScanError   func(error)
	onMessage     func([]byte)
	onDrop        func(error)
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{discoverable: true, power: transport.PoweredOn}
}

func (f *fakeTransport) Name() string         { return "fake" }
func (f *fakeTransport) Discoverable() bool   { return f.discoverable }
func (f *fakeTransport) Codec() command.Codec { return command.BLECodec{} }

func (f *fakeTransport) RequestPermissions(context.Context) error { return nil }

func (f *fakeTransport) State(context.Context) transport.PowerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.power
}

func (f *fakeTransport) Scan(_ context.Context, onDevice func(transport.DiscoveredDevice), onError func(error)) (transport.CancelFunc, error) {
	f.mu.Lock()
	f.onDevice = onDevice
	f.onScanError = onError
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.scanCancels++
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) Connect(_ context.Context, id string) (transport.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectIDs = append(f.connectIDs, id)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return fakePeer{id: id}, nil
}

func (f *fakeTransport) Disconnect(context.Context, transport.Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return f.disconnectErr
}

func (f *fakeTransport) Write(context.Context, transport.Peer, []byte) error { return nil }

func (f *fakeTransport) Subscribe(_ transport.Peer, fn func([]byte)) (transport.CancelFunc, error) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeTransport) OnDisconnect(_ transport.Peer, fn func(error)) {
	f.mu.Lock()
	f.onDrop = fn
	f.mu.Unlock()
}

// deliverDevice fires the most recently registered scan callback.
func (f *fakeTransport) deliverDevice(d transport.DiscoveredDevice) {
	f.mu.Lock()
	fn := f.onDevice
	f.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (f *fakeTransport) failScan(err error) {
	f.mu.Lock()
	fn := f.onScanError
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) deliverMessage(b []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	fn := f.onDrop
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) connectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connectIDs...)
}

func (f *fakeTransport) disconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) scanCancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCancels
}
