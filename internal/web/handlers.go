package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/microstep/internal/debug"
	"github.com/cjeanneret/microstep/internal/logic/angle"
	"github.com/cjeanneret/microstep/internal/logic/motion"
	"github.com/cjeanneret/microstep/internal/logic/sequence"
)

// maxMoveBodyBytes caps the POST /move body.
const maxMoveBodyBytes = 4 << 10

// positionInterval throttles position events while moving.
const positionInterval = 100 * time.Millisecond

// MoveRequest is the POST /move body. Zero RPM, microsteps or an empty
// direction fall back to the form defaults.
type MoveRequest struct {
	Op          string  `json:"op"` // align | spin | seek
	Revolutions float64 `json:"revolutions"`
	Continuous  bool    `json:"continuous"`
	RPM         float64 `json:"rpm"`
	Degrees     float64 `json:"degrees"`
	Direction   string  `json:"direction"`
	Microsteps  int     `json:"microsteps"`
}

// RunMoveFunc executes one move. It is called from a goroutine started by
// POST /move and must return when ctx is cancelled.
type RunMoveFunc func(ctx context.Context, step sequence.Step) error

// FormConfig holds the defaults shown in the control form (from config).
type FormConfig struct {
	RPM           float64 `json:"rpm"`
	Microsteps    int     `json:"microsteps"`
	MaxMicrosteps int     `json:"max_microsteps"`
	Direction     string  `json:"direction"`
	Strategy      string  `json:"strategy"`
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	Position Position `json:"position"`
	Running  bool     `json:"running"`
	Move     string   `json:"move,omitempty"`
	Clients  int      `json:"clients"` // connected /status/stream clients
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	RunMove      RunMoveFunc
	FormDefaults FormConfig

	// BaseContext parents every move; cancelling it stops the running move.
	BaseContext context.Context

	mu       sync.Mutex
	running  bool
	current  string
	cancel   context.CancelFunc
	done     chan struct{}
	position angle.RotorAngle
	lastPush time.Time

	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runMove is nil, POST /move returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runMove RunMoveFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		RunMove:      runMove,
		FormDefaults: formDefaults,
		BaseContext:  context.Background(),
		position:     angle.Zero(),
		staticFS:     staticFS,
	}
}

// UpdatePosition records the latest committed rotor position. It is
// meant to be the controller observer and never blocks.
func (h *Handlers) UpdatePosition(a angle.RotorAngle) {
	h.mu.Lock()
	h.position = a
	push := time.Since(h.lastPush) >= positionInterval
	if push {
		h.lastPush = time.Now()
	}
	h.mu.Unlock()

	if push {
		h.Broadcaster.BroadcastPosition(NewPosition(a))
	}
}

// Position returns the last recorded rotor position.
func (h *Handlers) Position() angle.RotorAngle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}

// Wait blocks until the running move, if any, has returned.
func (h *Handlers) Wait() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ValidateMove resolves defaults and checks a request, returning the step
// to run.
func ValidateMove(req MoveRequest, defaults FormConfig) (sequence.Step, error) {
	step := sequence.Step{
		Op:          sequence.Op(strings.ToLower(strings.TrimSpace(req.Op))),
		Revolutions: req.Revolutions,
		RPM:         req.RPM,
		Degrees:     req.Degrees,
		Microsteps:  req.Microsteps,
	}
	if step.Op == sequence.OpPause {
		return sequence.Step{}, errors.New("op must be align, spin or seek")
	}
	if step.RPM == 0 {
		step.RPM = defaults.RPM
	}
	if step.Microsteps == 0 {
		step.Microsteps = defaults.Microsteps
	}
	if req.Continuous {
		step.Revolutions = math.Inf(1)
	}
	if defaults.MaxMicrosteps > 0 && step.Microsteps > defaults.MaxMicrosteps {
		return sequence.Step{}, fmt.Errorf("microsteps must be <= %d, got %d", defaults.MaxMicrosteps, step.Microsteps)
	}
	if step.Microsteps > 0 && !angle.IsPowerOfTwo(step.Microsteps) {
		return sequence.Step{}, fmt.Errorf("microsteps must be a power of two, got %d", step.Microsteps)
	}

	d, err := motion.ResolveDirection(req.Direction, defaults.Direction, step.Op == sequence.OpSpin)
	if err != nil {
		return sequence.Step{}, err
	}
	step.Direction = d

	if err := (sequence.Program{Repeat: 1, Steps: []sequence.Step{step}}).Validate(); err != nil {
		return sequence.Step{}, err
	}
	return step, nil
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// HandleStatus returns the last committed position and whether a move runs.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	resp := StatusResponse{
		Position: NewPosition(h.position),
		Running:  h.running,
		Move:     h.current,
	}
	h.mu.Unlock()
	resp.Clients = h.Broadcaster.Subscribers()
	writeJSON(w, http.StatusOK, resp)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleMove handles POST /move: validates the request and starts the
// move in the background. One move runs at a time.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMoveBodyBytes)
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	step, err := ValidateMove(req, h.FormDefaults)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunMove == nil {
		http.Error(w, "motor not configured", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		http.Error(w, "move already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(h.BaseContext)
	done := make(chan struct{})
	h.running = true
	h.current = step.String()
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	go h.run(ctx, cancel, done, step)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "move": step.String()})
}

func (h *Handlers) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, step sequence.Step) {
	defer func() {
		cancel()
		h.mu.Lock()
		h.running = false
		h.current = ""
		h.cancel = nil
		pos := h.position
		h.mu.Unlock()
		h.Broadcaster.BroadcastPosition(NewPosition(pos))
		close(done)
	}()

	err := h.RunMove(ctx, step)
	switch {
	case err == nil:
		h.Broadcaster.Broadcast(LevelInfo, "Move complete: "+step.String())
	case errors.Is(err, context.Canceled):
		h.Broadcaster.Broadcast(LevelInfo, "Move stopped: "+step.String())
	default:
		h.Broadcaster.Broadcast(LevelError, "Move failed: "+err.Error())
		debug.Error(fmt.Errorf("move %s: %w", step, err))
	}
}

// HandleStop handles POST /stop: cancels the running move. The rotor
// stops on the next sector boundary.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel == nil {
		http.Error(w, "no move in progress", http.StatusConflict)
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
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
	debug.Verbose("status stream opened (%d clients)", h.Broadcaster.Subscribers())

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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
