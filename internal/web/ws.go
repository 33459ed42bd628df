package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/input"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

const (
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is a client message on /ws. Joystick frames are sent flat
// next to the type field.
type wsMessage struct {
	Type       string   `json:"type"`
	Command    string   `json:"command,omitempty"`
	LeftSpeed  *float64 `json:"left_speed,omitempty"`
	RightSpeed *float64 `json:"right_speed,omitempty"`
	input.JoystickFrame
}

// wsReply is a server message on /ws.
type wsReply struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Command string `json:"command,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// wsSession is one connected WebSocket client. Only the writer goroutine
// writes to conn.
type wsSession struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// enqueue queues a message without blocking; a full backlog drops it.
func (s *wsSession) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

type sessionSet struct {
	mu sync.Mutex
	m  map[string]*wsSession
}

func newSessionSet() *sessionSet {
	return &sessionSet{m: make(map[string]*wsSession)}
}

func (s *sessionSet) add(sess *wsSession) {
	s.mu.Lock()
	s.m[sess.id] = sess
	s.mu.Unlock()
}

func (s *sessionSet) remove(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (s *sessionSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// closeAll drops every connection; their handlers then clean up.
func (s *sessionSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.m {
		sess.conn.Close()
	}
}

// broadcast queues v on every session.
func (s *sessionSet) broadcast(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.m {
		sess.enqueue(v)
	}
}

// HandleWS handles GET /ws: the bidirectional control channel.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("websocket upgrade: %w", err))
		return
	}
	conn.SetReadLimit(MaxBodyBytes)

	sess := &wsSession{id: uuid.NewString(), conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.sessions.add(sess)
	debug.Info("WebSocket session %s connected (%d total)", sess.id, h.sessions.len())

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.wsWriter(ctx, conn, sess)
	}()

	sess.enqueue(wsReply{Type: "hello", Session: sess.id})
	h.wsReader(ctx, conn, sess)

	cancel()
	wg.Wait()
	conn.Close()
	h.sessions.remove(sess.id)
	debug.Info("WebSocket session %s disconnected (%d total)", sess.id, h.sessions.len())
	h.stopFor(control.SourceWS, sess.id)
}

func (h *Handlers) wsWriter(ctx context.Context, conn *websocket.Conn, sess *wsSession) {
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				debug.Verbose("websocket %s write: %v", sess.id, err)
				return
			}
		}
	}
}

func (h *Handlers) wsReader(ctx context.Context, conn *websocket.Conn, sess *wsSession) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debug.Verbose("websocket %s read: %v", sess.id, err)
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			debug.Error(fmt.Errorf("websocket %s: invalid JSON: %w", sess.id, err))
			sess.enqueue(wsReply{Type: "error", Error: "invalid JSON"})
			continue
		}
		if reply, ok := h.handleWSMessage(ctx, msg); ok {
			sess.enqueue(reply)
		}
	}
}

// handleWSMessage applies one message and returns the reply to send, if any.
func (h *Handlers) handleWSMessage(ctx context.Context, msg wsMessage) (wsReply, bool) {
	switch msg.Type {
	case "control":
		cmd, err := motion.ParseCommand(msg.Command)
		if err != nil {
			return wsReply{Type: "error", Command: msg.Command, Error: err.Error()}, true
		}
		if err := h.submitWS(ctx, control.CommandEvent(control.SourceWS, cmd)); err != nil {
			return wsReply{Type: "error", Command: msg.Command, Error: err.Error()}, true
		}
		return wsReply{Type: "ack", Command: cmd.String(), Status: "accepted"}, true

	case "tank_drive":
		var l, r float64
		if msg.LeftSpeed != nil {
			l = *msg.LeftSpeed
		}
		if msg.RightSpeed != nil {
			r = *msg.RightSpeed
		}
		// Analog input is unacknowledged; a dropped sample is replaced by the next one.
		if err := h.submitWS(ctx, control.SpeedsEvent(control.SourceWS, l, r)); err != nil && !errors.Is(err, control.ErrQueueFull) {
			return wsReply{Type: "error", Error: err.Error()}, true
		}
		return wsReply{}, false

	case "joystick":
		if err := h.submitWS(ctx, control.FrameEvent(control.SourceWS, msg.JoystickFrame)); err != nil && !errors.Is(err, control.ErrQueueFull) {
			return wsReply{Type: "error", Error: err.Error()}, true
		}
		return wsReply{}, false

	case "request_health":
		if h.Health == nil {
			return wsReply{Type: "error", Error: "health not configured"}, true
		}
		return wsReply{Type: "health", Data: h.Health.Report()}, true

	default:
		return wsReply{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)}, true
	}
}

func (h *Handlers) submitWS(ctx context.Context, ev control.Event) error {
	if h.Control == nil {
		return errors.New("control not configured")
	}
	return h.Control.Submit(ctx, ev)
}
