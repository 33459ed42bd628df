package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/health"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/input"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// MaxBodyBytes caps request bodies and WebSocket messages.
const MaxBodyBytes = 1 << 20

// stopTimeout bounds the stop issued when a control session drops.
const stopTimeout = time.Second

// Submitter accepts control events. *control.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev control.Event) error
}

// DriveState exposes the drive snapshot. *motion.Controller satisfies it.
type DriveState interface {
	Snapshot() motion.Snapshot
}

// HealthSource produces health reports. *health.Monitor satisfies it.
type HealthSource interface {
	Report() health.Report
}

// UIConfig holds the values the browser UI needs (from config).
type UIConfig struct {
	Deadzone      float64 `json:"deadzone"`
	NudgeSpeed    float64 `json:"nudge_speed"`
	ArcadeTrigger float64 `json:"arcade_trigger"`
	StepTable     string  `json:"step_table"`
	Actuator      string  `json:"actuator"`
	LeftPins      [4]int  `json:"left_pins"`
	RightPins     [4]int  `json:"right_pins"`
	SocketIO      bool    `json:"socketio"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster      *StatusBroadcaster
	Control          Submitter
	Drive            DriveState
	Health           HealthSource
	UI               UIConfig
	StopOnDisconnect bool

	sessions *sessionSet
	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies. With a nil
// Control the control endpoints answer 503.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:      deps.Broadcaster,
		Control:          deps.Control,
		Drive:            deps.Drive,
		Health:           deps.Health,
		UI:               deps.UI,
		StopOnDisconnect: deps.StopOnDisconnect,
		sessions:         newSessionSet(),
		staticFS:         staticFS,
	}
}

// commandRequest is the body of POST /api/command.
type commandRequest struct {
	Command string `json:"command"`

	cmd motion.Command
}

func (c *commandRequest) Bind(r *http.Request) error {
	cmd, err := motion.ParseCommand(c.Command)
	if err != nil {
		return err
	}
	c.cmd = cmd
	return nil
}

// driveRequest is the body of POST /api/drive (the "tank_drive" message).
type driveRequest struct {
	LeftSpeed  float64 `json:"left_speed"`
	RightSpeed float64 `json:"right_speed"`
}

func (d *driveRequest) Bind(r *http.Request) error {
	if math.IsNaN(d.LeftSpeed) || math.IsNaN(d.RightSpeed) {
		return errors.New("speeds must be numbers")
	}
	return nil
}

type joystickRequest struct {
	input.JoystickFrame
}

func (j *joystickRequest) Bind(r *http.Request) error { return nil }

type acceptedResponse struct {
	Status  string `json:"status"`
	Command string `json:"command,omitempty"`
}

// HandleCommand handles POST /api/command {"command":"forward"}.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if !h.submit(w, r, control.CommandEvent(control.SourceHTTP, req.cmd)) {
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, acceptedResponse{Status: "accepted", Command: req.cmd.String()})
}

// HandleDrive handles POST /api/drive with raw tank speeds.
func (h *Handlers) HandleDrive(w http.ResponseWriter, r *http.Request) {
	var req driveRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if !h.submit(w, r, control.SpeedsEvent(control.SourceHTTP, req.LeftSpeed, req.RightSpeed)) {
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, acceptedResponse{Status: "accepted"})
}

// HandleJoystick handles POST /api/joystick with one gamepad frame.
func (h *Handlers) HandleJoystick(w http.ResponseWriter, r *http.Request) {
	var req joystickRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if !h.submit(w, r, control.FrameEvent(control.SourceHTTP, req.JoystickFrame)) {
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, acceptedResponse{Status: "accepted"})
}

// submit forwards ev and writes the error response if it fails.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, ev control.Event) bool {
	if h.Control == nil {
		render.Render(w, r, ErrUnavailable(errors.New("control not configured")))
		return false
	}
	if err := h.Control.Submit(r.Context(), ev); err != nil {
		if errors.Is(err, control.ErrQueueFull) {
			render.Render(w, r, ErrBusy(err))
		} else {
			render.Render(w, r, ErrUnavailable(err))
		}
		return false
	}
	return true
}

// HandleState returns the drive snapshot.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.Drive == nil {
		render.Render(w, r, ErrUnavailable(errors.New("drive not configured")))
		return
	}
	render.JSON(w, r, h.Drive.Snapshot())
}

// HandleHealth returns a fresh health report.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		render.Render(w, r, ErrUnavailable(errors.New("health not configured")))
		return
	}
	render.JSON(w, r, h.Health.Report())
}

// HandleConfig returns the UI defaults (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.UI)
}

// ServeIndex serves the control page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// stopFor halts the rover after a control session from source ends.
func (h *Handlers) stopFor(source, id string) {
	if !h.StopOnDisconnect || h.Control == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := h.Control.Submit(ctx, control.CommandEvent(source, motion.Stop)); err != nil {
		debug.Error(fmt.Errorf("stop after %s session %s ended: %w", source, id, err))
		return
	}
	debug.Info("%s session %s ended, motors stopped", source, id)
}
