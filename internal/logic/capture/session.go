package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"weak"

	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/cjeanneret/FaceCheck/internal/hw/camera"
)

var (
	// ErrDeviceUnavailable wraps every acquisition failure reported by the provider.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrStartCancelled is returned by a Start that was overtaken by Stop.
	ErrStartCancelled = errors.New("camera start cancelled by stop")
	// ErrClosed is returned by Start once the session is closed.
	ErrClosed = errors.New("capture session closed")
)

// EventKind identifies a session state change.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventStopped  EventKind = "stopped"
	EventFailed   EventKind = "failed"
	EventCaptured EventKind = "captured"
)

// SessionEvent is reported to the session observer.
type SessionEvent struct {
	Session string    `json:"session"`
	Kind    EventKind `json:"kind"`
	Error   string    `json:"error,omitempty"`
	Width   int       `json:"width,omitempty"`
	Height  int       `json:"height,omitempty"`
}

// Snapshot is a consistent view of the observable session state.
type Snapshot struct {
	Name       string                  `json:"name"`
	Active     bool                    `json:"active"`
	Starting   bool                    `json:"starting"`
	LastError  string                  `json:"last_error,omitempty"`
	Constraint camera.DeviceConstraint `json:"-"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithObserver registers fn to receive session events. fn runs outside the
// session lock and must not block.
func WithObserver(fn func(SessionEvent)) SessionOption {
	return func(s *Session) { s.observer = fn }
}

// WithJPEGQuality sets the still image quality (1-100).
func WithJPEGQuality(q int) SessionOption {
	return func(s *Session) { s.quality = q }
}

type pendingStart struct {
	done chan struct{}
	err  error
}

// Session owns at most one live device stream and renders stills from the
// surface it is bound to.
//
// Every Stop bumps the generation counter; an acquisition that resolves with
// an older generation releases its stream immediately.
type Session struct {
	name     string
	provider camera.Provider
	quality  int
	observer func(SessionEvent)

	mu         sync.Mutex
	gen        uint64
	stream     camera.Stream
	constraint camera.DeviceConstraint
	surface    weak.Pointer[camera.Surface]
	active     bool
	lastErr    string
	pending    *pendingStart
	closed     bool
	unhook     func() bool
}

// NewSession creates a session. The session is closed, releasing its device,
// when scope is done.
func NewSession(scope context.Context, name string, p camera.Provider, opts ...SessionOption) *Session {
	s := &Session{
		name:     name,
		provider: p,
		quality:  camera.DefaultJPEGQuality,
	}
	for _, opt := range opts {
		opt(s)
	}
	if scope != nil {
		unhook := context.AfterFunc(scope, s.Close)
		s.mu.Lock()
		s.unhook = unhook
		s.mu.Unlock()
	}
	return s
}

// Name returns the session label.
func (s *Session) Name() string {
	return s.name
}

// Bind sets the rendering target. The session only keeps a weak reference:
// a surface nobody else holds can be collected.
func (s *Session) Bind(surface *camera.Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.surface.Value(); prev != nil && prev != surface && s.stream != nil {
		prev.DetachIf(s.stream)
	}
	s.surface = weak.Make(surface)
	if s.active {
		s.attachLocked()
	}
}

// Surface returns the bound surface if it is still alive.
func (s *Session) Surface() *camera.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.Value()
}

// Start acquires a device matching c, or reuses the live stream the session
// already holds. Concurrent calls share one acquisition.
//
// A failure is recorded in LastError and returned wrapped in ErrDeviceUnavailable.
func (s *Session) Start(ctx context.Context, c camera.DeviceConstraint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	var stale camera.Stream
	if s.stream != nil {
		if camera.Live(s.stream) {
			s.attachLocked()
			s.active = true
			s.mu.Unlock()
			debug.Session(s.name, "reusing live stream")
			return nil
		}
		stale = s.stream
		s.detachLocked(stale)
		s.stream = nil
		s.active = false
	}

	if p := s.pending; p != nil {
		s.mu.Unlock()
		return waitPending(ctx, p)
	}

	s.gen++
	gen := s.gen
	p := &pendingStart{done: make(chan struct{})}
	s.pending = p
	s.mu.Unlock()

	if stale != nil {
		debug.Session(s.name, "releasing ended stream")
		camera.StopStream(stale)
	}

	debug.Session(s.name, debug.Fmt("acquiring %s", c))
	stream, err := s.provider.Open(ctx, c)
	if err == nil && stream == nil {
		err = camera.ErrNoDevice
	}
	p.err = s.settle(gen, p, c, stream, err)
	close(p.done)
	return p.err
}

func waitPending(ctx context.Context, p *pendingStart) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle applies the outcome of an acquisition started at generation gen.
func (s *Session) settle(gen uint64, p *pendingStart, c camera.DeviceConstraint, stream camera.Stream, err error) error {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}

	if gen != s.gen || s.closed {
		s.mu.Unlock()
		if stream != nil {
			camera.StopStream(stream)
			debug.Session(s.name, "released stream acquired after stop")
		}
		return ErrStartCancelled
	}

	if err != nil {
		s.active = false
		s.lastErr = err.Error()
		s.mu.Unlock()
		debug.Error(fmt.Errorf("session %s: start: %w", s.name, err))
		s.emit(SessionEvent{Kind: EventFailed, Error: err.Error()})
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.constraint = c
	s.active = true
	s.lastErr = ""
	s.attachLocked()
	s.mu.Unlock()

	debug.Session(s.name, "active")
	s.emit(SessionEvent{Kind: EventStarted})
	return nil
}

// Stop releases the device, stopping every track, and detaches the surface.
// Safe to call from any state and any number of times. A Start still waiting
// for its device will release it as soon as it arrives.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen++
	st := s.stream
	wasActive := s.active
	s.detachLocked(st)
	s.stream = nil
	s.pending = nil
	s.active = false
	s.mu.Unlock()

	if st != nil {
		camera.StopStream(st)
	}
	if st != nil || wasActive {
		debug.Session(s.name, "stopped")
		s.emit(SessionEvent{Kind: EventStopped})
	}
}

// Close stops the session for good and drops the surface reference.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unhook := s.unhook
	s.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	s.Stop()

	s.mu.Lock()
	s.surface = weak.Pointer[camera.Surface]{}
	s.mu.Unlock()
}

// CaptureFrame renders the frame shown on the bound surface, at the surface's
// native resolution, into a JPEG still. It reports false, without touching
// session state, when the session is inactive or the surface is not ready.
func (s *Session) CaptureFrame() (camera.StillImage, bool) {
	s.mu.Lock()
	active := s.active
	surface := s.surface.Value()
	s.mu.Unlock()

	if !active || surface == nil {
		return camera.StillImage{}, false
	}
	w, h := surface.IntrinsicSize()
	if w == 0 || h == 0 {
		return camera.StillImage{}, false
	}

	frame, err := surface.Frame()
	if err != nil {
		debug.Verbose("session %s: no frame: %v", s.name, err)
		return camera.StillImage{}, false
	}
	still, err := camera.EncodeStill(frame, w, h, s.quality)
	if err != nil {
		debug.Error(fmt.Errorf("session %s: %w", s.name, err))
		return camera.StillImage{}, false
	}

	debug.Shot(s.name, w, h, len(still.Data))
	s.emit(SessionEvent{Kind: EventCaptured, Width: w, Height: h})
	return still, true
}

// IsActive reports whether the session holds a live stream.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastError returns the cause of the last failed Start, or "".
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Constraint returns the constraint of the current (or last) stream.
func (s *Session) Constraint() camera.DeviceConstraint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraint
}

// Snapshot returns the observable state in one read.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:       s.name,
		Active:     s.active,
		Starting:   s.pending != nil,
		LastError:  s.lastErr,
		Constraint: s.constraint,
	}
}

func (s *Session) attachLocked() {
	if surface := s.surface.Value(); surface != nil && s.stream != nil && surface.Stream() != s.stream {
		surface.Attach(s.stream)
	}
}

func (s *Session) detachLocked(st camera.Stream) {
	if st == nil {
		return
	}
	if surface := s.surface.Value(); surface != nil {
		surface.DetachIf(st)
	}
}

func (s *Session) emit(evt SessionEvent) {
	if s.observer == nil {
		return
	}
	evt.Session = s.name
	s.observer(evt)
}
