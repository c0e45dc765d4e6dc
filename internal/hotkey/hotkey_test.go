package hotkey

import (
	"testing"

	"github.com/chaz8081/trashbot-remote/internal/command"
)

func testBindings(t *testing.T) []Binding {
	t.Helper()
	bindings, err := ParseBindings(map[string][]string{
		"FORWARD":    {"w"},
		"LEFT":       {"a"},
		"STOP":       {"space"},
		"GRAB_TRASH": {"g"},
		"SPEED_75":   {"3"},
	})
	if err != nil {
		t.Fatalf("ParseBindings() error = %v", err)
	}
	return bindings
}

func indexOf(t *testing.T, bindings []Binding, tag string) int {
	t.Helper()
	for i, b := range bindings {
		if b.Command.Tag() == tag {
			return i
		}
	}
	t.Fatalf("no binding for %s", tag)
	return -1
}

func TestParseBindings(t *testing.T) {
	bindings := testBindings(t)
	if len(bindings) != 5 {
		t.Fatalf("len(bindings) = %d, want 5", len(bindings))
	}
	// Ordered by tag.
	if bindings[0].Command.Tag() != "FORWARD" || bindings[len(bindings)-1].Command.Tag() != "STOP" {
		t.Errorf("bindings not sorted: first %s, last %s", bindings[0].Command, bindings[len(bindings)-1].Command)
	}
	if got := bindings[indexOf(t, bindings, "SPEED_75")].Command; got != command.Speed(75) {
		t.Errorf("SPEED_75 parsed as %v", got)
	}
}

func TestParseBindingsErrors(t *testing.T) {
	if _, err := ParseBindings(map[string][]string{"FLY": {"f"}}); err == nil {
		t.Error("ParseBindings() should reject unknown commands")
	}
	if _, err := ParseBindings(map[string][]string{"STOP": nil}); err == nil {
		t.Error("ParseBindings() should reject empty key lists")
	}
}

func TestHoldMode(t *testing.T) {
	bindings := testBindings(t)
	km := newKeymap(bindings, "hold")
	fwd := indexOf(t, bindings, "FORWARD")
	left := indexOf(t, bindings, "LEFT")

	if cmd, ok := km.press(fwd); !ok || cmd.Name != command.Forward {
		t.Fatalf("press(FORWARD) = %v, %v", cmd, ok)
	}
	if _, ok := km.press(fwd); ok {
		t.Error("auto-repeat of a held key should not resend")
	}
	if cmd, ok := km.press(left); !ok || cmd.Name != command.Left {
		t.Fatalf("press(LEFT) = %v, %v", cmd, ok)
	}
	if _, ok := km.release(fwd); ok {
		t.Error("releasing a superseded key should not stop the robot")
	}
	if cmd, ok := km.release(left); !ok || cmd.Name != command.Stop {
		t.Errorf("release(LEFT) = %v, %v, want STOP", cmd, ok)
	}
	if _, ok := km.release(left); ok {
		t.Error("second release should be ignored")
	}
}

func TestToggleMode(t *testing.T) {
	bindings := testBindings(t)
	km := newKeymap(bindings, "toggle")
	fwd := indexOf(t, bindings, "FORWARD")

	if cmd, ok := km.press(fwd); !ok || cmd.Name != command.Forward {
		t.Fatalf("first press = %v, %v", cmd, ok)
	}
	if _, ok := km.release(fwd); ok {
		t.Error("release should be ignored in toggle mode")
	}
	if cmd, ok := km.press(fwd); !ok || cmd.Name != command.Stop {
		t.Errorf("second press = %v, %v, want STOP", cmd, ok)
	}
	if cmd, ok := km.press(fwd); !ok || cmd.Name != command.Forward {
		t.Errorf("third press = %v, %v, want FORWARD", cmd, ok)
	}
}

func TestNonDriveKeysAlwaysSend(t *testing.T) {
	bindings := testBindings(t)
	km := newKeymap(bindings, "hold")
	grab := indexOf(t, bindings, "GRAB_TRASH")
	speed := indexOf(t, bindings, "SPEED_75")

	for i := 0; i < 2; i++ {
		if cmd, ok := km.press(grab); !ok || cmd.Name != command.GrabTrash {
			t.Errorf("press(GRAB_TRASH) #%d = %v, %v", i, cmd, ok)
		}
	}
	if cmd, ok := km.press(speed); !ok || cmd != command.Speed(75) {
		t.Errorf("press(SPEED_75) = %v, %v", cmd, ok)
	}
}

func TestStopKeyClearsActiveDirection(t *testing.T) {
	bindings := testBindings(t)
	km := newKeymap(bindings, "toggle")
	fwd := indexOf(t, bindings, "FORWARD")
	stop := indexOf(t, bindings, "STOP")

	km.press(fwd)
	if cmd, ok := km.press(stop); !ok || cmd.Name != command.Stop {
		t.Fatalf("press(STOP) = %v, %v", cmd, ok)
	}
	// The robot is stopped, so FORWARD drives again instead of toggling off.
	if cmd, ok := km.press(fwd); !ok || cmd.Name != command.Forward {
		t.Errorf("press(FORWARD) after STOP = %v, %v", cmd, ok)
	}
}

func TestListenerStopIsIdempotent(t *testing.T) {
	l := NewListener(testBindings(t), "hold")
	l.Stop()
	l.Stop()
	select {
	case <-l.done:
	default:
		t.Error("done channel should be closed")
	}
}
