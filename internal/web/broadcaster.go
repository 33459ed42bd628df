package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// subscriberBuffer is the per-client backlog; slower clients lose events.
const subscriberBuffer = 64

// StatusEvent is one message on the status stream. Log lines carry Msg;
// telemetry events carry Kind and Data.
type StatusEvent struct {
	Time  string          `json:"t"`
	Level string          `json:"l,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusBroadcaster fans status events out to every SSE client.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe registers a client. The returned func must be called when the
// client goes away; it closes the channel.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of connected clients.
func (b *StatusBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a log line to all clients as
// {"t":"...","l":"info","msg":"..."}.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// Publish sends a typed telemetry event, e.g. kind "health" with a report.
func (b *StatusBroadcaster) Publish(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.send(StatusEvent{Kind: kind, Data: data})
	return nil
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = b.now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastWriter adapts the broadcaster to io.Writer so the debug logger
// can tee its output to the status stream.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		w.b.Broadcast(levelOf(line), line)
	}
	return len(p), nil
}

// levelOf derives the event level from the logger's tags.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return "error"
	case strings.Contains(line, "[WARN]"):
		return "warn"
	case strings.Contains(line, "[LIVE]"):
		return "live"
	}
	return "info"
}
