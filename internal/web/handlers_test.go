package web

import (
	"bytes"
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

	"github.com/cjeanneret/FaceCheck/internal/access"
	"github.com/cjeanneret/FaceCheck/internal/hw/camera"
	"github.com/cjeanneret/FaceCheck/internal/logic/capture"
	"github.com/cjeanneret/FaceCheck/internal/socket"
)

// ---------- Handler helpers ----------

type fakeSocket struct {
	mu    sync.Mutex
	state socket.State
	last  any
	sent  []any
	err   error
}

func (f *fakeSocket) State() socket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSocket) Endpoint() string { return "ws://backend/ws" }

func (f *fakeSocket) LastMessage() (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.last != nil
}

func (f *fakeSocket) Send(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

type testEnv struct {
	coord    *capture.Coordinator
	provider *camera.Synthetic
	sock     *fakeSocket
	server   *Server
	mux      http.Handler
}

func newTestEnv(t *testing.T, role string) *testEnv {
	t.Helper()
	p := camera.NewSynthetic(camera.SyntheticConfig{})
	coord := capture.NewCoordinator(t.Context(), p, capture.CoordinatorConfig{Sync: true})
	t.Cleanup(coord.Close)

	sock := &fakeSocket{}
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	srv := &Server{
		addr: ":0",
		handlers: NewHandlers(Deps{
			Broadcaster: NewStatusBroadcaster(),
			Cameras:     coord,
			Socket:      sock,
			Gate:        access.NewGate(role, nil),
		}, staticFS),
	}
	return &testEnv{coord: coord, provider: p, sock: sock, server: srv, mux: srv.Mux()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) capture.Status {
	t.Helper()
	var st capture.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

// ---------- Cameras ----------

func TestHandleCameras(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodGet, "/api/cameras", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	st := decodeStatus(t, w)
	if st.Front.Active || st.Back.Active {
		t.Error("cameras should start idle")
	}
	if !st.Sync {
		t.Error("sync should be on")
	}
	if st.Front.Resolution != camera.Res720p {
		t.Errorf("front resolution = %q", st.Front.Resolution)
	}
}

func TestHandleStartStop(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/api/cameras/front/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body %s", w.Code, w.Body)
	}
	if st := decodeStatus(t, w); !st.Front.Active || st.Back.Active {
		t.Errorf("after start: front=%v back=%v", st.Front.Active, st.Back.Active)
	}

	w = env.do(t, http.MethodPost, "/api/cameras/front/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop: status = %d", w.Code)
	}
	if st := decodeStatus(t, w); st.Front.Active {
		t.Error("front should be stopped")
	}
	if env.provider.LiveStreams() != 0 {
		t.Errorf("live streams = %d, want 0", env.provider.LiveStreams())
	}
}

func TestHandleStart_DeviceUnavailable(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.Fail(camera.FacingEnvironment, camera.ErrPermissionDenied)

	w := env.do(t, http.MethodPost, "/api/cameras/back/start", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if !strings.Contains(resp["error"], "permission") {
		t.Errorf("error = %q", resp["error"])
	}

	st := decodeStatus(t, env.do(t, http.MethodGet, "/api/cameras", ""))
	if st.Back.LastError == "" {
		t.Error("last_error should be reported")
	}
}

func TestHandleUnknownSide(t *testing.T) {
	env := newTestEnv(t, "")
	for _, path := range []string{"/api/cameras/left/start", "/api/cameras/left/capture"} {
		if w := env.do(t, http.MethodPost, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestHandleCapture(t *testing.T) {
	env := newTestEnv(t, "")
	if err := env.coord.StartAll(t.Context()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/cameras/front/capture", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Shots []ShotView `json:"shots"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Shots) != 2 {
		t.Fatalf("shots = %d, want 2 with sync on", len(resp.Shots))
	}
	if resp.Shots[0].Side != "front" || resp.Shots[0].Width != 1280 {
		t.Errorf("first shot = %+v", resp.Shots[0])
	}
	if !strings.HasPrefix(resp.Shots[0].DataURL, "data:image/jpeg;base64,") {
		t.Errorf("data url prefix = %.30q", resp.Shots[0].DataURL)
	}

	last := env.do(t, http.MethodGet, "/api/cameras/back/last", "")
	if last.Code != http.StatusOK {
		t.Fatalf("last: status = %d", last.Code)
	}
	if ct := last.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("last Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(last.Body.Bytes(), []byte{0xFF, 0xD8}) {
		t.Error("last image is not a JPEG")
	}
}

func TestHandleCapture_NotReady(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodPost, "/api/cameras/back/capture", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/cameras/back/last", ""); w.Code != http.StatusNotFound {
		t.Errorf("last: status = %d, want 404", w.Code)
	}
}

func TestRememberShots(t *testing.T) {
	env := newTestEnv(t, "")
	env.server.Handlers().RememberShots([]capture.Shot{{
		Side:  capture.Front,
		Image: camera.StillImage{Data: []byte{0xFF, 0xD8, 0xFF}, MIMEType: camera.MIMETypeJPEG, Width: 1, Height: 1},
	}})
	if w := env.do(t, http.MethodGet, "/api/cameras/front/last", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// ---------- Settings ----------

func TestHandleResolution(t *testing.T) {
	env := newTestEnv(t, "admin")
	if err := env.coord.Start(t.Context(), capture.Front); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w := env.do(t, http.MethodPut, "/api/cameras/front/resolution", `{"resolution":"1080p"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	st := decodeStatus(t, w)
	if st.Front.Resolution != camera.Res1080p || !st.Front.Active {
		t.Errorf("front = %+v", st.Front)
	}
	if env.provider.LiveStreams() != 1 {
		t.Errorf("live streams = %d, want 1", env.provider.LiveStreams())
	}
}

func TestHandleResolution_Invalid(t *testing.T) {
	env := newTestEnv(t, "admin")
	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown", `{"resolution":"4k"}`, http.StatusBadRequest},
		{"not json", `resolution=720p`, http.StatusBadRequest},
		{"oversized", `{"resolution":"` + strings.Repeat("x", 2<<20) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPut, "/api/cameras/back/resolution", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestSettingsGate(t *testing.T) {
	env := newTestEnv(t, "staff")

	if w := env.do(t, http.MethodPut, "/api/cameras/front/resolution", `{"resolution":"480p"}`); w.Code != http.StatusForbidden {
		t.Errorf("resolution: status = %d, want 403", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/api/sync", `{"enabled":false}`); w.Code != http.StatusForbidden {
		t.Errorf("sync: status = %d, want 403", w.Code)
	}
	if env.coord.Resolution(capture.Front) != camera.Res720p || !env.coord.Sync() {
		t.Error("refused requests must not change settings")
	}
	if w := env.do(t, http.MethodPost, "/api/cameras/front/start", ""); w.Code != http.StatusOK {
		t.Errorf("lifecycle is not gated: status = %d", w.Code)
	}
}

func TestHandleSync(t *testing.T) {
	env := newTestEnv(t, "atasan")

	w := env.do(t, http.MethodPut, "/api/sync", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeStatus(t, w).Sync || env.coord.Sync() {
		t.Error("sync should be off")
	}
	if w := env.do(t, http.MethodPut, "/api/sync", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing enabled: status = %d, want 400", w.Code)
	}
}

// ---------- Socket ----------

func TestHandleSocket(t *testing.T) {
	env := newTestEnv(t, "")
	env.sock.state = socket.Connected
	env.sock.last = map[string]any{"employee": "E-17"}

	w := env.do(t, http.MethodGet, "/api/socket", "")
	var view struct {
		State       string         `json:"state"`
		Connected   bool           `json:"connected"`
		LastMessage map[string]any `json:"last_message"`
	}
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != "connected" || !view.Connected || view.LastMessage["employee"] != "E-17" {
		t.Errorf("view = %+v", view)
	}
}

func TestHandleSocketSend(t *testing.T) {
	env := newTestEnv(t, "")

	if w := env.do(t, http.MethodPost, "/api/socket/send", `"hello"`); w.Code != http.StatusConflict {
		t.Errorf("disconnected: status = %d, want 409", w.Code)
	}
	if len(env.sock.sent) != 0 {
		t.Fatal("nothing should be sent while disconnected")
	}

	env.sock.state = socket.Connected
	if w := env.do(t, http.MethodPost, "/api/socket/send", `"hello"`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/socket/send", `{"type":"checkin"}`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if s, ok := env.sock.sent[0].(string); !ok || s != "hello" {
		t.Errorf("first payload = %#v, want string", env.sock.sent[0])
	}
	if m, ok := env.sock.sent[1].(map[string]any); !ok || m["type"] != "checkin" {
		t.Errorf("second payload = %#v", env.sock.sent[1])
	}

	env.sock.err = errors.New("broken pipe")
	if w := env.do(t, http.MethodPost, "/api/socket/send", `1`); w.Code != http.StatusBadGateway {
		t.Errorf("send error: status = %d, want 502", w.Code)
	}
}

func TestHandleSocket_NotConfigured(t *testing.T) {
	h := NewHandlers(Deps{Broadcaster: NewStatusBroadcaster()}, fstest.MapFS{})

	w := httptest.NewRecorder()
	h.HandleSocket(w, httptest.NewRequest(http.MethodGet, "/api/socket", nil))
	if !strings.Contains(w.Body.String(), `"state":"idle"`) {
		t.Errorf("body = %s", w.Body)
	}

	w = httptest.NewRecorder()
	h.HandleSocketSend(w, httptest.NewRequest(http.MethodPost, "/api/socket/send", strings.NewReader(`"x"`)))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ---------- Status stream ----------

func TestHandleStatusStream(t *testing.T) {
	env := newTestEnv(t, "")
	h := env.server.Handlers()

	ctx, cancel := context.WithCancel(t.Context())
	req := httptest.NewRequest(http.MethodGet, "/status/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.HandleStatusStream(w, req)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for h.Broadcaster.Clients() == 0 {
		select {
		case <-deadline:
			t.Fatal("stream never subscribed")
		case <-time.After(time.Millisecond):
		}
	}
	h.Broadcaster.Publish("session", capture.SessionEvent{Session: "front", Kind: capture.EventStarted})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.HasPrefix(body, ": connected") {
		t.Errorf("stream should open with a comment, got %.40q", body)
	}
	if !strings.Contains(body, `"kind":"session"`) || !strings.Contains(body, `"session":"front"`) {
		t.Errorf("event missing from stream: %s", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestEmbeddedIndex(t *testing.T) {
	srv := NewServer(":0", Deps{Broadcaster: NewStatusBroadcaster()})
	w := httptest.NewRecorder()
	srv.Handlers().ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "FaceCheck") {
		t.Errorf("embedded index: status = %d", w.Code)
	}
}
