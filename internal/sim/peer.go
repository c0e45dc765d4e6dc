package sim

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/trashbot-remote/internal/transport"
)

type subscription struct {
	fn     func([]byte)
	active atomic.Bool
}

// peer is one simulated link.
type peer struct {
	id      string
	name    string
	stop    chan struct{}
	replies chan []byte // robot notifications, drained in order by replyLoop

	mu          sync.Mutex
	closed      bool
	sub         *subscription
	onDrop      func(error)
	dropPending bool
	dropReason  error

	// delivery serializes subscriber callbacks so they run in arrival order.
	delivery sync.Mutex
}

// replyQueue bounds notifications waiting for the subscriber.
const replyQueue = 64

func newPeer(id, name string) *peer {
	return &peer{
		id:      id,
		name:    name,
		stop:    make(chan struct{}),
		replies: make(chan []byte, replyQueue),
	}
}

func (p *peer) ID() string   { return p.id }
func (p *peer) Name() string { return p.name }

func (p *peer) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.onDrop = nil
	p.sub = nil
	close(p.stop)
	return true
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peer) subscribe(fn func([]byte)) transport.CancelFunc {
	sub := &subscription{fn: fn}
	sub.active.Store(true)
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	return func() {
		sub.active.Store(false)
		p.mu.Lock()
		if p.sub == sub {
			p.sub = nil
		}
		p.mu.Unlock()
	}
}

func (p *peer) receive(payload []byte) bool {
	p.delivery.Lock()
	defer p.delivery.Unlock()

	p.mu.Lock()
	sub := p.sub
	closed := p.closed
	p.mu.Unlock()
	if closed || sub == nil || !sub.active.Load() {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	sub.fn(buf)
	return true
}

// enqueue queues a notification behind earlier ones. It blocks while the
// queue is full and gives up once the link closes.
func (p *peer) enqueue(msg []byte) {
	select {
	case p.replies <- msg:
	case <-p.stop:
	}
}

// replyLoop delivers queued notifications one at a time until the link closes.
func (p *peer) replyLoop() {
	for {
		select {
		case <-p.stop:
			return
		case msg := <-p.replies:
			p.receive(msg)
		}
	}
}

// drop ends the link without a Disconnect call. reason may be nil.
func (p *peer) drop(reason error) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	p.sub = nil
	close(p.stop)
	fn := p.onDrop
	p.onDrop = nil
	if fn == nil {
		p.dropPending = true
		p.dropReason = reason
	}
	p.mu.Unlock()

	slog.Warn("[SIM] link dropped", "id", p.id, "reason", reason)
	if fn != nil {
		fn(reason)
	}
	return true
}

func (p *peer) setDropHandler(fn func(error)) {
	p.mu.Lock()
	if p.dropPending {
		reason := p.dropReason
		p.dropPending = false
		p.dropReason = nil
		p.mu.Unlock()
		fn(reason)
		return
	}
	if !p.closed {
		p.onDrop = fn
	}
	p.mu.Unlock()
}
