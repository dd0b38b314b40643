package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/microstep/internal/logic/angle"
)

// subscriberBuffer is the per-client queue depth. Slow clients lose events.
const subscriberBuffer = 64

// Event levels.
const (
	LevelInfo     = "info"
	LevelError    = "error"
	LevelPosition = "position"
)

// Position is a JSON snapshot of the rotor position.
type Position struct {
	Sector  int     `json:"sector"`
	Ticks   int     `json:"ticks"`
	Degrees float64 `json:"degrees"` // display only
	Aligned bool    `json:"aligned"`
}

// NewPosition converts a rotor angle for the wire.
func NewPosition(a angle.RotorAngle) Position {
	return Position{
		Sector:  a.Sector(),
		Ticks:   a.Ticks(),
		Degrees: a.Degrees(),
		Aligned: a.IsAligned(),
	}
}

// StatusEvent is one SSE message: a log line or a position update.
type StatusEvent struct {
	Time  string    `json:"t"`
	Level string    `json:"l,omitempty"`
	Msg   string    `json:"msg,omitempty"`
	Pos   *Position `json:"pos,omitempty"`
}

// StatusBroadcaster fans status events out to SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON-encoded events and a cleanup
// function, safe to call more than once.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of connected clients.
func (b *StatusBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a log line to every client without blocking.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is Broadcast at info level.
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast(LevelInfo, msg)
}

// BroadcastPosition sends a position update.
func (b *StatusBroadcaster) BroadcastPosition(p Position) {
	b.publish(StatusEvent{Level: LevelPosition, Pos: &p})
}

func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339Nano)
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

// BroadcastWriter adapts the broadcaster to io.Writer so debug output
// can be mirrored to web clients. Multi-line writes become one event
// per line.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.BroadcastMsg(msg)
		}
	}
	return len(p), nil
}
