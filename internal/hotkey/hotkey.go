// Package hotkey drives the robot from global keyboard shortcuts using gohook.
// It supports "hold" mode (a direction key drives while held and stops on
// release) and "toggle" mode (press a direction to drive, press it again to
// stop).
package hotkey

import (
	"fmt"
	"sort"
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/chaz8081/trashbot-remote/internal/command"
)

// Binding ties a key combo to the command it sends.
type Binding struct {
	Keys    []string
	Command command.Command
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Command command.Command
}

// ParseBindings converts a tag -> keys map into bindings ordered by tag.
func ParseBindings(m map[string][]string) ([]Binding, error) {
	tags := make([]string, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	bindings := make([]Binding, 0, len(tags))
	for _, tag := range tags {
		cmd, err := command.Parse(tag)
		if err != nil {
			return nil, fmt.Errorf("hotkey: %w", err)
		}
		if len(m[tag]) == 0 {
			return nil, fmt.Errorf("hotkey: no keys bound to %s", tag)
		}
		bindings = append(bindings, Binding{Keys: m[tag], Command: cmd})
	}
	return bindings, nil
}

// keymap turns key presses into commands. Only one direction is active at
// a time; index -1 means the robot was last told to stop.
type keymap struct {
	mu       sync.Mutex
	mode     string
	bindings []Binding
	active   int
}

func newKeymap(bindings []Binding, mode string) *keymap {
	return &keymap{bindings: bindings, mode: mode, active: -1}
}

func isDrive(c command.Command) bool {
	return c.Group() == command.GroupDirection && c.Name != command.Stop
}

// press returns the command for a key-down on binding i. Auto-repeat of a
// held direction yields nothing.
func (k *keymap) press(i int) (command.Command, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	cmd := k.bindings[i].Command
	if !isDrive(cmd) {
		if cmd.Name == command.Stop {
			k.active = -1
		}
		return cmd, true
	}

	if k.active == i {
		if k.mode == "toggle" {
			k.active = -1
			return command.Simple(command.Stop), true
		}
		return command.Command{}, false
	}
	k.active = i
	return cmd, true
}

// release returns STOP when the held direction key goes up in hold mode.
func (k *keymap) release(i int) (command.Command, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.mode == "toggle" || k.active != i {
		return command.Command{}, false
	}
	k.active = -1
	return command.Simple(command.Stop), true
}

// Listener watches the global keyboard and emits commands.
type Listener struct {
	keys *keymap
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewListener creates a Listener for the given bindings and mode.
// mode must be "hold" or "toggle".
func NewListener(bindings []Binding, mode string) *Listener {
	return &Listener{
		keys: newKeymap(bindings, mode),
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives commands.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

func (l *Listener) emit(cmd command.Command) {
	select {
	case l.ch <- Event{Command: cmd}:
	default: // don't block if channel is full
	}
}

// Start begins listening for the bound keys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for i, b := range l.keys.bindings {
		hook.Register(hook.KeyDown, b.Keys, func(hook.Event) {
			if cmd, ok := l.keys.press(i); ok {
				l.emit(cmd)
			}
		})
		if l.keys.mode != "toggle" && isDrive(b.Command) {
			hook.Register(hook.KeyUp, b.Keys, func(hook.Event) {
				if cmd, ok := l.keys.release(i); ok {
					l.emit(cmd)
				}
			})
		}
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// Stop terminates the listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
