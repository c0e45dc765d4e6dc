// Package robotsim is a software stand-in for the robot's onboard controller.
// It accepts the same commands as the real robot and reports telemetry, so
// the remote can be exercised without hardware.
package robotsim

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/trashbot-remote/internal/command"
)

// Mode is the drive mode.
type Mode string

const (
	Manual Mode = "manual"
	Auto   Mode = "auto"
)

// binCapacity is the number of grabs that fill the bin.
const binCapacity = 10

// Telemetry is the robot's reply to every command.
type Telemetry struct {
	Status    string    `json:"status"`
	Command   string    `json:"command"`
	Direction string    `json:"direction"`
	Speed     int       `json:"speed"`
	Mode      Mode      `json:"mode"`
	Power     bool      `json:"power"`
	BinLevel  int       `json:"bin_level"`
	Grabs     int       `json:"grabs"`
	Time      time.Time `json:"time"`
}

// JSON renders t as one text frame. It fails only for timestamps outside
// years 0-9999.
func (t Telemetry) JSON() ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("robotsim: encode telemetry: %w", err)
	}
	return b, nil
}

// Robot holds simulated drive state. The zero value is a powered-off robot
// in manual mode; use New for a powered robot.
type Robot struct {
	mu        sync.Mutex
	direction command.Name
	speed     int
	mode      Mode
	power     bool
	grabs     int
	binLevel  int
	now       func() time.Time
}

// New returns a powered robot at speed 50, stopped, in manual mode.
func New() *Robot {
	return &Robot{
		direction: command.Stop,
		speed:     50,
		mode:      Manual,
		power:     true,
		now:       time.Now,
	}
}

// Apply executes cmd. speed is the speed the remote sent alongside the
// command; it is ignored for SPEED commands, which carry their own. A
// negative speed keeps the current one (BLE frames carry no speed).
func (r *Robot) Apply(cmd command.Command, speed int) Telemetry {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := "ok"
	if err := cmd.Validate(); err != nil {
		return r.telemetryLocked("rejected: "+err.Error(), cmd.Tag())
	}

	switch cmd.Group() {
	case command.GroupPower:
		r.power = cmd.Name == command.PowerOn
		if !r.power {
			r.direction = command.Stop
		}
	case command.GroupMode:
		if cmd.Name == command.AutoMode {
			r.mode = Auto
		} else {
			r.mode = Manual
			r.direction = command.Stop
		}
	case command.GroupSpeed:
		r.speed = cmd.Value
	default:
		if !r.power {
			status = "ignored: powered off"
			break
		}
		if cmd.Group() == command.GroupDirection && cmd.Name != command.Stop && r.mode == Auto {
			status = "ignored: auto mode"
			break
		}
		r.applyMotionLocked(cmd, speed)
	}
	return r.telemetryLocked(status, cmd.Tag())
}

func (r *Robot) applyMotionLocked(cmd command.Command, speed int) {
	switch cmd.Name {
	case command.GrabTrash:
		r.grabs++
		if r.binLevel < 100 {
			r.binLevel += 100 / binCapacity
		}
	case command.RotateBin:
		r.binLevel = 0
	default:
		r.direction = cmd.Name
		if speed >= 0 {
			r.speed = command.ClampSpeed(speed)
		}
	}
}

// Snapshot returns the current telemetry without changing state.
func (r *Robot) Snapshot() Telemetry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.telemetryLocked("ok", "")
}

func (r *Robot) telemetryLocked(status, tag string) Telemetry {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	mode := r.mode
	if mode == "" {
		mode = Manual
	}
	dir := r.direction
	if dir == "" {
		dir = command.Stop
	}
	return Telemetry{
		Status:    status,
		Command:   tag,
		Direction: string(dir),
		Speed:     r.speed,
		Mode:      mode,
		Power:     r.power,
		BinLevel:  r.binLevel,
		Grabs:     r.grabs,
		Time:      now().UTC(),
	}
}
