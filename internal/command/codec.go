package command

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Codec converts commands to and from a transport's payload representation.
type Codec interface {
	// Encode serializes cmd. speed is the caller's current speed and is only
	// used by encodings that carry it out-of-band.
	Encode(cmd Command, speed int) ([]byte, error)
	// Decode parses a payload produced by Encode.
	Decode(payload []byte) (Command, error)
	// DecodeInbound turns a payload received from the robot into display text
	// and, when possible, structured fields.
	DecodeInbound(payload []byte) Inbound
}

// Inbound is a message received from the robot.
type Inbound struct {
	Text   string
	Fields map[string]any // set when Text is a JSON object
}

// BLECodec writes the UTF-8 tag, base64-encoded when Base64 is set. Speed is
// carried in-band as SPEED_<n>.
type BLECodec struct {
	Base64 bool
}

var _ Codec = BLECodec{}

func (c BLECodec) Encode(cmd Command, _ int) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	tag := []byte(cmd.Tag())
	if !c.Base64 {
		return tag, nil
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(tag)))
	base64.StdEncoding.Encode(out, tag)
	return out, nil
}

func (c BLECodec) Decode(payload []byte) (Command, error) {
	raw := payload
	if c.Base64 {
		dec, err := base64.StdEncoding.DecodeString(string(payload))
		if err != nil {
			return Command{}, fmt.Errorf("command: base64 payload: %w", ErrInvalidCommand)
		}
		raw = dec
	}
	return Parse(string(raw))
}

// DecodeInbound base64-decodes notifications when configured to, falling back
// to the raw bytes when the payload is not valid base64 text.
func (c BLECodec) DecodeInbound(payload []byte) Inbound {
	raw := payload
	if c.Base64 {
		if dec, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(payload))); err == nil {
			raw = dec
		}
	}
	return inboundText(raw)
}

// Frame is the JSON text frame exchanged over WebSocket.
type Frame struct {
	Direction string `json:"direction"`
	Speed     int    `json:"speed"`
}

// JSONCodec encodes {"direction": "<tag>", "speed": <n>}. For speed commands
// the speed field is the command's own value.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Encode(cmd Command, speed int) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.IsSpeed() {
		speed = cmd.Value
	}
	if speed < MinSpeed || speed > MaxSpeed {
		return nil, fmt.Errorf("command: speed %d outside [%d,%d]: %w", speed, MinSpeed, MaxSpeed, ErrInvalidCommand)
	}
	return json.Marshal(Frame{Direction: cmd.Tag(), Speed: speed})
}

func (c JSONCodec) Decode(payload []byte) (Command, error) {
	cmd, _, err := c.DecodeFrame(payload)
	return cmd, err
}

// DecodeFrame returns the command and the out-of-band speed of a frame.
func (JSONCodec) DecodeFrame(payload []byte) (Command, int, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Command{}, 0, fmt.Errorf("command: frame: %v: %w", err, ErrInvalidCommand)
	}
	cmd, err := Parse(f.Direction)
	if err != nil {
		return Command{}, 0, err
	}
	if f.Speed < MinSpeed || f.Speed > MaxSpeed {
		return Command{}, 0, fmt.Errorf("command: frame speed %d: %w", f.Speed, ErrInvalidCommand)
	}
	return cmd, f.Speed, nil
}

// DecodeInbound surfaces the frame verbatim. Frames that happen to be JSON
// objects also get their fields attached; anything else passes through.
func (JSONCodec) DecodeInbound(payload []byte) Inbound {
	return inboundText(payload)
}

func inboundText(raw []byte) Inbound {
	in := Inbound{}
	if utf8.Valid(raw) {
		in.Text = string(raw)
	} else {
		in.Text = fmt.Sprintf("%X", raw)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			in.Fields = fields
		}
	}
	return in
}
