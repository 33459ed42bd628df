package control

import (
	"github.com/cjeanneret/RoverGo/internal/logic/input"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// Event sources.
const (
	SourceHTTP     = "http"
	SourceWS       = "websocket"
	SourceSocketIO = "socket.io"
	SourceConsole  = "console"
)

// EventKind tells which payload an Event carries.
type EventKind int

const (
	EventCommand EventKind = iota
	EventFrame
	EventSpeeds
)

// Event is one control input from any source.
type Event struct {
	Source  string
	Kind    EventKind
	Command motion.Command
	Frame   input.JoystickFrame
	Left    float64
	Right   float64
}

func CommandEvent(source string, cmd motion.Command) Event {
	return Event{Source: source, Kind: EventCommand, Command: cmd}
}

func FrameEvent(source string, f input.JoystickFrame) Event {
	return Event{Source: source, Kind: EventFrame, Frame: f}
}

// SpeedsEvent carries a raw tank pair (the "tank_drive" message).
func SpeedsEvent(source string, left, right float64) Event {
	return Event{Source: source, Kind: EventSpeeds, Left: left, Right: right}
}

// Intent normalizes the event.
func (e Event) Intent(cfg input.Config) input.Intent {
	switch e.Kind {
	case EventCommand:
		return input.CommandIntent(e.Command)
	case EventFrame:
		return input.Normalize(e.Frame, cfg)
	default:
		return input.SpeedsIntent(e.Left, e.Right)
	}
}
