package web

import (
	"context"
	"errors"
	"fmt"

	socketio "github.com/googollee/go-socket.io"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/input"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// socket.io event names used by the gamepad UI.
const (
	sioNamespace      = "/"
	sioManualCommand  = "manual_command"
	sioControllerData = "controller_data"
	sioStatus         = "rover_status"
	sioHealth         = "rover_health"
	sioError          = "rover_error"
)

type sioCommand struct {
	Command string `json:"command"`
}

// newSocketIOServer wires the socket.io control events to h. The caller
// starts Serve and closes the server on shutdown.
func newSocketIOServer(h *Handlers) *socketio.Server {
	srv := socketio.NewServer(nil)
	srv.OnConnect(sioNamespace, h.sioConnect)
	srv.OnEvent(sioNamespace, sioManualCommand, h.sioManualCommand)
	srv.OnEvent(sioNamespace, sioControllerData, h.sioControllerData)
	srv.OnError(sioNamespace, func(c socketio.Conn, err error) {
		id := "?"
		if c != nil {
			id = c.ID()
		}
		debug.Error(fmt.Errorf("socket.io %s: %w", id, err))
	})
	srv.OnDisconnect(sioNamespace, h.sioDisconnect)
	return srv
}

func (h *Handlers) sioConnect(c socketio.Conn) error {
	debug.Info("socket.io client %s connected from %s", c.ID(), c.RemoteAddr())
	c.Emit(sioStatus, map[string]string{"status": "connected"})
	return nil
}

// sioManualCommand answers a bad or rejected command with rover_error.
func (h *Handlers) sioManualCommand(c socketio.Conn, msg sioCommand) {
	cmd, err := motion.ParseCommand(msg.Command)
	if err != nil {
		debug.Error(fmt.Errorf("socket.io %s: %w", c.ID(), err))
		c.Emit(sioError, map[string]string{"error": err.Error()})
		return
	}
	if err := h.submitSIO(control.CommandEvent(control.SourceSocketIO, cmd)); err != nil {
		debug.Error(fmt.Errorf("socket.io %s: %s: %w", c.ID(), cmd, err))
		c.Emit(sioError, map[string]string{"error": err.Error()})
	}
}

// sioControllerData forwards a gamepad frame. Frames dropped on a full
// queue are not reported; the next frame supersedes them.
func (h *Handlers) sioControllerData(c socketio.Conn, frame input.JoystickFrame) {
	err := h.submitSIO(control.FrameEvent(control.SourceSocketIO, frame))
	if err != nil && !errors.Is(err, control.ErrQueueFull) {
		debug.Error(fmt.Errorf("socket.io %s: controller data: %w", c.ID(), err))
	}
}

func (h *Handlers) sioDisconnect(c socketio.Conn, reason string) {
	debug.Info("socket.io client %s disconnected: %s", c.ID(), reason)
	h.stopFor(control.SourceSocketIO, c.ID())
}

func (h *Handlers) submitSIO(ev control.Event) error {
	if h.Control == nil {
		return errors.New("control not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return h.Control.Submit(ctx, ev)
}
