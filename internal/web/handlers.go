package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/FaceCheck/internal/access"
	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/cjeanneret/FaceCheck/internal/hw/camera"
	"github.com/cjeanneret/FaceCheck/internal/logic/capture"
	"github.com/cjeanneret/FaceCheck/internal/socket"
)

// maxBodyBytes limits every request body.
const maxBodyBytes = 1 << 20

// Cameras is the capture coordinator as seen by the handlers.
type Cameras interface {
	Start(ctx context.Context, side capture.Side) error
	Stop(side capture.Side)
	Capture(side capture.Side) []capture.Shot
	SetResolution(ctx context.Context, side capture.Side, r camera.Resolution) error
	SetSync(on bool)
	Status() capture.Status
}

// Socket is the backend socket client as seen by the handlers.
type Socket interface {
	State() socket.State
	Endpoint() string
	LastMessage() (any, bool)
	Send(payload any) error
}

// Deps holds what the handlers operate on. Socket may be nil.
type Deps struct {
	Broadcaster  *StatusBroadcaster
	Cameras      Cameras
	Socket       Socket
	Gate         access.Gate
	StartTimeout time.Duration
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS

	lastMu sync.Mutex
	last   [2]*camera.StillImage
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	if deps.StartTimeout <= 0 {
		deps.StartTimeout = 10 * time.Second
	}
	return &Handlers{Deps: deps, staticFS: staticFS}
}

// ShotView is a captured image as returned by the capture endpoint.
type ShotView struct {
	Side       string    `json:"side"`
	ID         string    `json:"id"`
	MIMEType   string    `json:"mime_type"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
	DataURL    string    `json:"data_url"`
}

// SocketView is the socket state as returned by GET /api/socket.
type SocketView struct {
	State       socket.State `json:"state"`
	Connected   bool         `json:"connected"`
	Endpoint    string       `json:"endpoint,omitempty"`
	LastMessage any          `json:"last_message,omitempty"`
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

// HandleCameras handles GET /api/cameras.
func (h *Handlers) HandleCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cameras.Status())
}

// HandleStart handles POST /api/cameras/{side}/start.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	side, ok := pathSide(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.StartTimeout)
	defer cancel()

	if err := h.Cameras.Start(ctx, side); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, capture.ErrStartCancelled) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Cameras.Status())
}

// HandleStop handles POST /api/cameras/{side}/stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	side, ok := pathSide(w, r)
	if !ok {
		return
	}
	h.Cameras.Stop(side)
	writeJSON(w, http.StatusOK, h.Cameras.Status())
}

// HandleCapture handles POST /api/cameras/{side}/capture. It answers 204
// when no camera could produce an image.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	side, ok := pathSide(w, r)
	if !ok {
		return
	}
	shots := h.Cameras.Capture(side)
	if len(shots) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	views := make([]ShotView, 0, len(shots))
	h.lastMu.Lock()
	for _, s := range shots {
		img := s.Image
		h.last[s.Side] = &img
		views = append(views, ShotView{
			Side:       s.Side.String(),
			ID:         img.ID,
			MIMEType:   img.MIMEType,
			Width:      img.Width,
			Height:     img.Height,
			CapturedAt: img.CapturedAt,
			DataURL:    img.DataURL(),
		})
	}
	h.lastMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"shots": views})
}

// RememberShots records shots taken outside HTTP (kiosk button) so that
// GET /api/cameras/{side}/last returns them.
func (h *Handlers) RememberShots(shots []capture.Shot) {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()
	for _, s := range shots {
		img := s.Image
		h.last[s.Side] = &img
	}
}

// HandleLast handles GET /api/cameras/{side}/last.
func (h *Handlers) HandleLast(w http.ResponseWriter, r *http.Request) {
	side, ok := pathSide(w, r)
	if !ok {
		return
	}
	h.lastMu.Lock()
	img := h.last[side]
	h.lastMu.Unlock()

	if img == nil || img.Empty() {
		writeError(w, http.StatusNotFound, "no image captured yet")
		return
	}
	w.Header().Set("Content-Type", img.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img.Data)
}

// HandleResolution handles PUT /api/cameras/{side}/resolution.
func (h *Handlers) HandleResolution(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(w) {
		return
	}
	side, ok := pathSide(w, r)
	if !ok {
		return
	}
	var body struct {
		Resolution string `json:"resolution"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := camera.ParseResolution(body.Resolution)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.StartTimeout)
	defer cancel()
	if err := h.Cameras.SetResolution(ctx, side, res); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Cameras.Status())
}

// HandleSync handles PUT /api/sync.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(w) {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	h.Cameras.SetSync(*body.Enabled)
	writeJSON(w, http.StatusOK, h.Cameras.Status())
}

// HandleSocket handles GET /api/socket.
func (h *Handlers) HandleSocket(w http.ResponseWriter, r *http.Request) {
	view := SocketView{State: socket.Idle}
	if h.Socket != nil {
		view.State = h.Socket.State()
		view.Connected = view.State == socket.Connected
		view.Endpoint = h.Socket.Endpoint()
		view.LastMessage, _ = h.Socket.LastMessage()
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleSocketSend handles POST /api/socket/send. The body is a JSON value;
// a JSON string is forwarded as plain text.
func (h *Handlers) HandleSocketSend(w http.ResponseWriter, r *http.Request) {
	if h.Socket == nil {
		writeError(w, http.StatusServiceUnavailable, "socket not configured")
		return
	}
	var payload any
	if !decodeBody(w, r, &payload) {
		return
	}
	if h.Socket.State() != socket.Connected {
		writeError(w, http.StatusConflict, "socket not connected")
		return
	}
	if err := h.Socket.Send(payload); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
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

func (h *Handlers) allowed(w http.ResponseWriter) bool {
	if h.Gate.Allows() {
		return true
	}
	debug.Live("settings change refused for role %q", h.Gate.Role)
	writeError(w, http.StatusForbidden, "role not allowed to change camera settings")
	return false
}

func pathSide(w http.ResponseWriter, r *http.Request) (capture.Side, bool) {
	side, err := capture.ParseSide(r.PathValue("side"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return 0, false
	}
	return side, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid JSON")
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
