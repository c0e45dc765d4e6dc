// Package command defines the closed vocabulary of robot commands and their
// wire encodings for the BLE and WebSocket transports.
package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCommand is returned for unknown command names and for speed
// values outside [MinSpeed, MaxSpeed].
var ErrInvalidCommand = errors.New("invalid command")

// Speed bounds, in percent.
const (
	MinSpeed = 0
	MaxSpeed = 100
)

// Name is the wire tag of a command. For speed commands the tag on the wire
// is "SPEED_<n>"; SpeedName is only the variant marker.
type Name string

const (
	Forward  Name = "FORWARD"
	Backward Name = "BACKWARD"
	Left     Name = "LEFT"
	Right    Name = "RIGHT"
	Stop     Name = "STOP"

	GrabTrash Name = "GRAB_TRASH"
	RotateBin Name = "ROTATE_BIN"

	AutoMode   Name = "AUTO_MODE"
	ManualMode Name = "MANUAL_MODE"

	PowerOn  Name = "POWER_ON"
	PowerOff Name = "POWER_OFF"

	SpeedName Name = "SPEED"
)

const speedPrefix = string(SpeedName) + "_"

// Group classifies a command.
type Group int

const (
	GroupUnknown Group = iota
	GroupDirection
	GroupAction
	GroupMode
	GroupPower
	GroupSpeed
)

func (g Group) String() string {
	switch g {
	case GroupDirection:
		return "direction"
	case GroupAction:
		return "action"
	case GroupMode:
		return "mode"
	case GroupPower:
		return "power"
	case GroupSpeed:
		return "speed"
	default:
		return "unknown"
	}
}

var groups = map[Name]Group{
	Forward:    GroupDirection,
	Backward:   GroupDirection,
	Left:       GroupDirection,
	Right:      GroupDirection,
	Stop:       GroupDirection,
	GrabTrash:  GroupAction,
	RotateBin:  GroupAction,
	AutoMode:   GroupMode,
	ManualMode: GroupMode,
	PowerOn:    GroupPower,
	PowerOff:   GroupPower,
	SpeedName:  GroupSpeed,
}

// Command is a single robot command. Value is only meaningful for speed
// commands and holds the percentage.
type Command struct {
	Name  Name
	Value int
}

// Simple returns the non-parametrized command for name.
func Simple(name Name) Command {
	return Command{Name: name}
}

// Speed returns a speed command. Out-of-range values are not clamped here;
// Validate rejects them.
func Speed(percent int) Command {
	return Command{Name: SpeedName, Value: percent}
}

// SpeedFromPercent rounds a slider position to the nearest integer and clamps
// it into [MinSpeed, MaxSpeed].
func SpeedFromPercent(f float64) Command {
	if math.IsNaN(f) {
		return Speed(MinSpeed)
	}
	return Speed(ClampSpeed(int(math.Round(f))))
}

// ClampSpeed limits n to [MinSpeed, MaxSpeed].
func ClampSpeed(n int) int {
	switch {
	case n < MinSpeed:
		return MinSpeed
	case n > MaxSpeed:
		return MaxSpeed
	}
	return n
}

// Group returns the command's group, or GroupUnknown.
func (c Command) Group() Group {
	return groups[c.Name]
}

// IsSpeed reports whether c is the parametrized speed variant.
func (c Command) IsSpeed() bool {
	return c.Name == SpeedName
}

// Validate checks that c belongs to the vocabulary and that a speed payload
// is in range.
func (c Command) Validate() error {
	if _, ok := groups[c.Name]; !ok {
		return fmt.Errorf("command: unknown name %q: %w", c.Name, ErrInvalidCommand)
	}
	if c.IsSpeed() && (c.Value < MinSpeed || c.Value > MaxSpeed) {
		return fmt.Errorf("command: speed %d outside [%d,%d]: %w", c.Value, MinSpeed, MaxSpeed, ErrInvalidCommand)
	}
	return nil
}

// Tag returns the wire tag, e.g. "FORWARD" or "SPEED_75".
func (c Command) Tag() string {
	if c.IsSpeed() {
		return speedPrefix + strconv.Itoa(c.Value)
	}
	return string(c.Name)
}

func (c Command) String() string {
	return c.Tag()
}

// Parse converts a wire tag back into a Command. Tags are matched
// case-insensitively after trimming whitespace.
func Parse(tag string) (Command, error) {
	t := strings.ToUpper(strings.TrimSpace(tag))
	if rest, ok := strings.CutPrefix(t, speedPrefix); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Command{}, fmt.Errorf("command: bad speed tag %q: %w", tag, ErrInvalidCommand)
		}
		c := Speed(n)
		if err := c.Validate(); err != nil {
			return Command{}, err
		}
		return c, nil
	}
	c := Simple(Name(t))
	if c.IsSpeed() {
		return Command{}, fmt.Errorf("command: speed tag %q has no value: %w", tag, ErrInvalidCommand)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// All returns every non-parametrized command in declaration order.
func All() []Command {
	return []Command{
		Simple(Forward), Simple(Backward), Simple(Left), Simple(Right), Simple(Stop),
		Simple(GrabTrash), Simple(RotateBin),
		Simple(AutoMode), Simple(ManualMode),
		Simple(PowerOn), Simple(PowerOff),
	}
}
