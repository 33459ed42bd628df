package motion

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a symbolic drive command.
type Command int

const (
	Stop Command = iota
	Forward
	Backward
	TurnLeft
	TurnRight
)

// ErrUnknownCommand is returned by ParseCommand for names outside the set.
var ErrUnknownCommand = errors.New("unknown command")

var commandNames = map[Command]string{
	Stop:      "stop",
	Forward:   "forward",
	Backward:  "backward",
	TurnLeft:  "left",
	TurnRight: "right",
}

var commandAliases = map[string]Command{
	"stop":       Stop,
	"forward":    Forward,
	"backward":   Backward,
	"left":       TurnLeft,
	"turn_left":  TurnLeft,
	"right":      TurnRight,
	"turn_right": TurnRight,
}

// ParseCommand maps a command name (as sent by the web UI) to a Command.
func ParseCommand(s string) (Command, error) {
	c, ok := commandAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return Stop, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return c, nil
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Speeds returns the fixed (left, right) speed pair for the command.
func (c Command) Speeds() (left, right float64) {
	switch c {
	case Forward:
		return 1.0, 1.0
	case Backward:
		return -1.0, -1.0
	case TurnLeft:
		return -0.5, 0.5
	case TurnRight:
		return 0.5, -0.5
	default:
		return 0, 0
	}
}

// MarshalText lets commands appear by name in JSON payloads.
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Command) UnmarshalText(b []byte) error {
	parsed, err := ParseCommand(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
