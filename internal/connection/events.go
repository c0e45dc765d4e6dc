package connection

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chaz8081/trashbot-remote/internal/command"
	"github.com/chaz8081/trashbot-remote/internal/transport"
)

// Event is a notification delivered to observers.
type Event interface {
	event()
}

// StateChanged reports a state machine transition.
type StateChanged struct {
	From State
	To   State
}

// DeviceFound reports a device seen for the first time in the current scan.
type DeviceFound struct {
	Device transport.DiscoveredDevice
}

// MessageReceived carries one inbound message from the peer.
type MessageReceived struct {
	Message command.Inbound
}

// ErrorRaised reports a failure that did not necessarily change state, such
// as a failed command write.
type ErrorRaised struct {
	Err error
}

func (StateChanged) event()    {}
func (DeviceFound) event()     {}
func (MessageReceived) event() {}
func (ErrorRaised) event()     {}

// Observer receives events one at a time, in emission order, on the
// manager's dispatch goroutine. Observers must not block for long.
type Observer func(Event)

type observerEntry struct {
	id     string
	fn     Observer
	active atomic.Bool
}

// queued pairs an event with the observers registered when it was emitted.
type queued struct {
	event Event
	to    []*observerEntry
}

// dispatcher delivers events serially on its own goroutine. emit never
// blocks, so it is safe to call with the manager lock held.
type dispatcher struct {
	mu        sync.Mutex
	queue     []queued
	observers []*observerEntry
	closed    bool
	wake      chan struct{}
	done      chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) emit(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if len(d.observers) > 0 {
		d.queue = append(d.queue, queued{event: e, to: append([]*observerEntry(nil), d.observers...)})
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) subscribe(fn Observer) func() {
	entry := &observerEntry{id: uuid.NewString(), fn: fn}
	entry.active.Store(true)

	d.mu.Lock()
	d.observers = append(d.observers, entry)
	d.mu.Unlock()

	return func() {
		entry.active.Store(false)
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, o := range d.observers {
			if o.id == entry.id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// close delivers what is already queued and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			q := d.queue[0]
			d.queue[0] = queued{}
			d.queue = d.queue[1:]
			d.mu.Unlock()

			for _, o := range q.to {
				if o.active.Load() {
					o.fn(q.event)
				}
			}
		}
	}
}
