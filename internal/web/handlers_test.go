package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RoverGo/internal/health"
	"github.com/cjeanneret/RoverGo/internal/logic/control"
	"github.com/cjeanneret/RoverGo/internal/logic/motion"
)

// ---------- Test doubles ----------

type fakeControl struct {
	mu     sync.Mutex
	events []control.Event
	err    error
}

func (f *fakeControl) Submit(ctx context.Context, ev control.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeControl) recorded() []control.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]control.Event(nil), f.events...)
}

type fakeDrive struct{ snap motion.Snapshot }

func (f fakeDrive) Snapshot() motion.Snapshot { return f.snap }

type fakeHealth struct{ rep health.Report }

func (f fakeHealth) Report() health.Report { return f.rep }

// ---------- Helpers ----------

func newTestServer(ctl Submitter) *Server {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>rover</html>")},
		"style.css":  &fstest.MapFile{Data: []byte("body{}")},
	}
	deps := Deps{
		Broadcaster: NewStatusBroadcaster(),
		Control:     ctl,
		Drive: fakeDrive{motion.Snapshot{
			Left:  motion.ChannelSnapshot{Name: "left", TargetSpeed: 0.5, State: motion.Running, StepDelayUs: 3000},
			Right: motion.ChannelSnapshot{Name: "right"},
		}},
		Health:           fakeHealth{health.Report{Load1: 0.42, Actuator: "mock", Simulated: true}},
		UI:               UIConfig{Deadzone: 0.1, NudgeSpeed: 0.5, StepTable: "half", Actuator: "mock"},
		StopOnDisconnect: true,
	}
	return &Server{handlers: NewHandlers(deps, staticFS)}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

// ---------- POST /api/command ----------

func TestHandleCommand_Accepted(t *testing.T) {
	ctl := &fakeControl{}
	w := do(t, newTestServer(ctl).Router(), http.MethodPost, "/api/command", `{"command":"Turn_Left"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["status"] != "accepted" || resp["command"] != "left" {
		t.Errorf("response = %v", resp)
	}
	evs := ctl.recorded()
	if len(evs) != 1 || evs[0].Kind != control.EventCommand || evs[0].Command != motion.TurnLeft || evs[0].Source != control.SourceHTTP {
		t.Errorf("events = %+v", evs)
	}
}

func TestHandleCommand_Rejected(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown_command", `{"command":"jump"}`},
		{"empty_command", `{}`},
		{"invalid_json", `not json`},
		{"oversized", `{"command":"` + strings.Repeat("x", MaxBodyBytes+1) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctl := &fakeControl{}
			w := do(t, newTestServer(ctl).Router(), http.MethodPost, "/api/command", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			var resp ErrResponse
			decode(t, w, &resp)
			if resp.ErrorText == "" {
				t.Error("error body should carry a message")
			}
			if n := len(ctl.recorded()); n != 0 {
				t.Errorf("%d events submitted for a rejected request", n)
			}
		})
	}
}

func TestHandleCommand_SubmitErrors(t *testing.T) {
	cases := []struct {
		name string
		ctl  Submitter
		want int
	}{
		{"queue_full", &fakeControl{err: control.ErrQueueFull}, http.StatusTooManyRequests},
		{"dispatcher_gone", &fakeControl{err: context.Canceled}, http.StatusServiceUnavailable},
		{"no_control", nil, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, newTestServer(tc.ctl).Router(), http.MethodPost, "/api/command", `{"command":"stop"}`)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleCommand_GetNotAllowed(t *testing.T) {
	w := do(t, newTestServer(&fakeControl{}).Router(), http.MethodGet, "/api/command", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// ---------- POST /api/drive and /api/joystick ----------

func TestHandleDrive(t *testing.T) {
	ctl := &fakeControl{}
	w := do(t, newTestServer(ctl).Router(), http.MethodPost, "/api/drive", `{"left_speed":0.7,"right_speed":-0.2}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	evs := ctl.recorded()
	if len(evs) != 1 || evs[0].Kind != control.EventSpeeds || evs[0].Left != 0.7 || evs[0].Right != -0.2 {
		t.Errorf("events = %+v", evs)
	}
}

func TestHandleJoystick(t *testing.T) {
	ctl := &fakeControl{}
	body := `{"leftY":0.8,"rightY":0.8,"buttons":{"A":true}}`
	w := do(t, newTestServer(ctl).Router(), http.MethodPost, "/api/joystick", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	evs := ctl.recorded()
	if len(evs) != 1 || evs[0].Kind != control.EventFrame {
		t.Fatalf("events = %+v", evs)
	}
	f := evs[0].Frame
	if f.LeftY != 0.8 || !f.Buttons.A {
		t.Errorf("frame = %+v", f)
	}
}

// ---------- GET endpoints ----------

func TestHandleState(t *testing.T) {
	w := do(t, newTestServer(nil).Router(), http.MethodGet, "/api/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap struct {
		Left struct {
			State       string  `json:"state"`
			TargetSpeed float64 `json:"target_speed"`
		} `json:"left"`
	}
	decode(t, w, &snap)
	if snap.Left.State != "running" || snap.Left.TargetSpeed != 0.5 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHandleHealth(t *testing.T) {
	w := do(t, newTestServer(nil).Router(), http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var rep map[string]any
	decode(t, w, &rep)
	if rep["load_1m"] != 0.42 || rep["actuator"] != "mock" {
		t.Errorf("report = %v", rep)
	}
}

func TestHandleHealth_NotConfigured(t *testing.T) {
	s := newTestServer(nil)
	s.handlers.Health = nil
	if w := do(t, s.Router(), http.MethodGet, "/api/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHealthAtRoot(t *testing.T) {
	w := do(t, newTestServer(nil).Router(), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rep map[string]any
	decode(t, w, &rep)
	if rep["actuator"] != "mock" {
		t.Errorf("report = %v", rep)
	}
}

func TestCORS_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/command", nil)
	req.Header.Set("Origin", "http://controller.local:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	newTestServer(&fakeControl{}).Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != http.MethodPost {
		t.Errorf("Allow-Methods = %q, want POST", got)
	}
}

func TestCORS_SimpleRequest(t *testing.T) {
	ctl := &fakeControl{}
	req := httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(`{"command":"stop"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://controller.local:3000")
	w := httptest.NewRecorder()
	newTestServer(ctl).Router().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if len(ctl.recorded()) != 1 {
		t.Errorf("events = %+v", ctl.recorded())
	}
}

func TestHandleConfig(t *testing.T) {
	w := do(t, newTestServer(nil).Router(), http.MethodGet, "/api/config", "")
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var cfg UIConfig
	decode(t, w, &cfg)
	if cfg.Deadzone != 0.1 || cfg.StepTable != "half" || cfg.Actuator != "mock" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestServeIndexAndStatic(t *testing.T) {
	r := newTestServer(nil).Router()

	w := do(t, r, http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "rover") {
		t.Errorf("index: %d %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("index Content-Type = %q", ct)
	}

	if w := do(t, r, http.MethodGet, "/static/style.css", ""); w.Code != http.StatusOK {
		t.Errorf("static: %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown path: %d, want 404", w.Code)
	}
}

func TestEmbeddedIndexPresent(t *testing.T) {
	w := do(t, NewServer("", Deps{}).Router(), http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "RoverGo") {
		t.Errorf("embedded index: %d", w.Code)
	}
}

// ---------- GET /status/stream ----------

func TestStatusStream(t *testing.T) {
	s := newTestServer(nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	if line, _ := rd.ReadString('\n'); line != ": connected\n" {
		t.Fatalf("first line = %q", line)
	}

	s.handlers.Broadcaster.BroadcastMsg("[INFO] hello")
	done := make(chan string, 1)
	go func() {
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				done <- strings.TrimPrefix(strings.TrimSpace(line), "data: ")
				return
			}
		}
	}()
	select {
	case data := <-done:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil || evt.Msg != "[INFO] hello" {
			t.Errorf("event = %q (%v)", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event on the stream")
	}
}

// ---------- GET /ws ----------

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWS_ControlSession(t *testing.T) {
	ctl := &fakeControl{}
	s := newTestServer(ctl)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	hello := readReply(t, conn)
	if hello["type"] != "hello" || hello["session"] == "" {
		t.Fatalf("hello = %v", hello)
	}

	conn.WriteJSON(map[string]any{"type": "control", "command": "forward"})
	if ack := readReply(t, conn); ack["type"] != "ack" || ack["command"] != "forward" || ack["status"] != "accepted" {
		t.Errorf("ack = %v", ack)
	}

	conn.WriteJSON(map[string]any{"type": "control", "command": "fly"})
	if e := readReply(t, conn); e["type"] != "error" {
		t.Errorf("unknown command reply = %v", e)
	}

	conn.WriteJSON(map[string]any{"type": "tank_drive", "left_speed": 0.4, "right_speed": 0.4})
	conn.WriteJSON(map[string]any{"type": "joystick", "leftY": 0.9, "rightY": 0.9})
	conn.WriteJSON(map[string]any{"type": "request_health"})
	rep := readReply(t, conn)
	if rep["type"] != "health" {
		t.Fatalf("health reply = %v", rep)
	}
	if data, _ := rep["data"].(map[string]any); data["load_1m"] != 0.42 {
		t.Errorf("health data = %v", rep["data"])
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{"))
	if e := readReply(t, conn); e["type"] != "error" {
		t.Errorf("invalid JSON reply = %v", e)
	}

	evs := ctl.recorded()
	if len(evs) != 3 {
		t.Fatalf("events = %+v, want forward, speeds, frame", evs)
	}
	if evs[0].Command != motion.Forward || evs[1].Kind != control.EventSpeeds || evs[2].Kind != control.EventFrame {
		t.Errorf("events = %+v", evs)
	}
	for _, ev := range evs {
		if ev.Source != control.SourceWS {
			t.Errorf("source = %q", ev.Source)
		}
	}
}

func TestWS_DisconnectStops(t *testing.T) {
	ctl := &fakeControl{}
	s := newTestServer(ctl)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	readReply(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs := ctl.recorded()
		if len(evs) == 1 {
			if evs[0].Kind != control.EventCommand || evs[0].Command != motion.Stop {
				t.Errorf("event = %+v, want stop", evs[0])
			}
			if n := s.handlers.sessions.len(); n != 0 {
				t.Errorf("%d sessions left", n)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no stop submitted after disconnect")
}

func TestWS_DisconnectWithoutStop(t *testing.T) {
	ctl := &fakeControl{}
	s := newTestServer(ctl)
	s.handlers.StopOnDisconnect = false
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	readReply(t, conn)
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	if evs := ctl.recorded(); len(evs) != 0 {
		t.Errorf("events = %+v, want none", evs)
	}
}

func TestPublishHealth_ReachesWSClients(t *testing.T) {
	s := newTestServer(&fakeControl{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	readReply(t, conn)

	ch, unsub := s.handlers.Broadcaster.Subscribe()
	defer unsub()

	s.PublishHealth(health.Report{CPUTemperature: 51.5})

	msg := readReply(t, conn)
	if msg["type"] != "health" {
		t.Fatalf("reply = %v", msg)
	}
	if evt := recv(t, ch); evt.Kind != "health" {
		t.Errorf("SSE event = %+v", evt)
	}
}

func TestServerRun_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(nil)
	s.addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
