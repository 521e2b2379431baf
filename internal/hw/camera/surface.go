package camera

import (
	"errors"
	"image"
	"sync"
)

// ErrNoStream is returned by Surface.Frame when nothing is attached.
var ErrNoStream = errors.New("no stream attached")

// Surface is a rendering target for a stream, like a video element in a page.
// It holds the attached stream but never owns it: stopping the stream is the
// job of whoever acquired it.
type Surface struct {
	name string

	mu     sync.RWMutex
	stream Stream
}

// NewSurface creates an empty surface.
func NewSurface(name string) *Surface {
	return &Surface{name: name}
}

// Name returns the surface label.
func (s *Surface) Name() string {
	return s.name
}

// Attach makes st the stream rendered by the surface, replacing any previous one.
func (s *Surface) Attach(st Stream) {
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
}

// Detach clears the attached stream.
func (s *Surface) Detach() {
	s.mu.Lock()
	s.stream = nil
	s.mu.Unlock()
}

// DetachIf clears the attached stream only if it is st.
func (s *Surface) DetachIf(st Stream) {
	s.mu.Lock()
	if s.stream == st {
		s.stream = nil
	}
	s.mu.Unlock()
}

// Stream returns the attached stream, or nil.
func (s *Surface) Stream() Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream
}

// IntrinsicSize is the native resolution of what the surface currently shows.
// It is 0x0 when nothing live is attached.
func (s *Surface) IntrinsicSize() (width, height int) {
	settings, ok := VideoSettings(s.Stream())
	if !ok {
		return 0, 0
	}
	return settings.Width, settings.Height
}

// Frame returns the frame currently shown by the surface.
func (s *Surface) Frame() (image.Image, error) {
	st := s.Stream()
	if st == nil {
		return nil, ErrNoStream
	}
	return st.Frame()
}
