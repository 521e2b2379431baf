package capture

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/FaceCheck/internal/hw/camera"
)

// gatedProvider blocks every Open until release is closed.
type gatedProvider struct {
	inner   *camera.Synthetic
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{
		inner:   camera.NewSynthetic(camera.SyntheticConfig{}),
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g *gatedProvider) Open(ctx context.Context, c camera.DeviceConstraint) (camera.Stream, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Open(ctx, c)
}

// eventLog records session events.
type eventLog struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (l *eventLog) record(evt SessionEvent) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) count(k EventKind) int {
	n := 0
	for _, got := range l.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, p camera.Provider, opts ...SessionOption) (*Session, *camera.Surface) {
	t.Helper()
	s := NewSession(t.Context(), "front", p, opts...)
	surf := camera.NewSurface("front")
	s.Bind(surf)
	t.Cleanup(func() {
		s.Close()
		runtime.KeepAlive(surf)
	})
	return s, surf
}

func TestSession_CaptureBeforeStart(t *testing.T) {
	s, surf := newTestSession(t, camera.NewSynthetic(camera.SyntheticConfig{}))
	if _, ok := s.CaptureFrame(); ok {
		t.Error("CaptureFrame before Start should report no image")
	}
	if s.IsActive() {
		t.Error("new session should not be active")
	}
	if surf.Stream() != nil {
		t.Error("surface should have nothing attached")
	}
}

func TestSession_StartAndCaptureSizedToSurface(t *testing.T) {
	p := camera.NewSynthetic(camera.SyntheticConfig{})
	s, surf := newTestSession(t, p)

	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsActive() {
		t.Fatal("session should be active after Start")
	}
	if s.LastError() != "" {
		t.Errorf("LastError = %q, want empty", s.LastError())
	}

	img, ok := s.CaptureFrame()
	if !ok {
		t.Fatal("CaptureFrame should produce an image")
	}
	if img.Empty() {
		t.Error("image should not be empty")
	}
	w, h := surf.IntrinsicSize()
	if img.Width != w || img.Height != h {
		t.Errorf("image = %dx%d, want surface size %dx%d", img.Width, img.Height, w, h)
	}
	if img.MIMEType != camera.MIMETypeJPEG {
		t.Errorf("MIMEType = %q", img.MIMEType)
	}
}

func TestSession_CaptureFollowsConstraintResolution(t *testing.T) {
	s, surf := newTestSession(t, camera.NewSynthetic(camera.SyntheticConfig{}))
	if err := s.Start(t.Context(), camera.Constraint(camera.FacingUser, camera.Res720p)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	img, ok := s.CaptureFrame()
	if !ok {
		t.Fatal("expected image")
	}
	if img.Width != 1280 || img.Height != 720 {
		t.Errorf("image = %dx%d, want 1280x720", img.Width, img.Height)
	}
	if surf.Stream() == nil {
		t.Error("surface should show the stream")
	}
}

func TestSession_CaptureDoesNotChangeState(t *testing.T) {
	s, surf := newTestSession(t, camera.NewSynthetic(camera.SyntheticConfig{}))
	if err := s.Start(t.Context(), camera.Constraint(camera.FacingUser, camera.Res480p)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := s.Snapshot()
	a, _ := s.CaptureFrame()
	b, _ := s.CaptureFrame()
	if after := s.Snapshot(); after != before {
		t.Errorf("snapshot changed: %+v -> %+v", before, after)
	}
	if a.ID == b.ID {
		t.Error("each capture should produce a distinct image")
	}
	if surf.Stream() == nil {
		t.Error("surface should still show the stream")
	}
}

func TestSession_CaptureWithoutSurface(t *testing.T) {
	s := NewSession(t.Context(), "front", camera.NewSynthetic(camera.SyntheticConfig{}))
	defer s.Close()
	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := s.CaptureFrame(); ok {
		t.Error("capture without a bound surface should report no image")
	}
}

func TestSession_DoesNotKeepSurfaceAlive(t *testing.T) {
	s := NewSession(t.Context(), "front", camera.NewSynthetic(camera.SyntheticConfig{}))
	defer s.Close()
	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	func() {
		s.Bind(camera.NewSurface("front"))
	}()
	for i := 0; i < 10 && s.Surface() != nil; i++ {
		runtime.GC()
	}

	if s.Surface() != nil {
		t.Fatal("an unreferenced surface should be collected")
	}
	if _, ok := s.CaptureFrame(); ok {
		t.Error("capture after the surface was collected should report no image")
	}
	if !s.IsActive() {
		t.Error("losing the surface should not stop the session")
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	p := camera.NewSynthetic(camera.SyntheticConfig{})
	var log eventLog
	s, surf := newTestSession(t, p, WithObserver(log.record))

	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()

	if s.IsActive() {
		t.Error("session should be inactive after Stop")
	}
	if p.LiveStreams() != 0 {
		t.Errorf("live streams = %d, want 0", p.LiveStreams())
	}
	if surf.Stream() != nil {
		t.Error("Stop should detach the surface")
	}
	if n := log.count(EventStopped); n != 1 {
		t.Errorf("stopped events = %d, want 1", n)
	}
}

func TestSession_StopFromIdle(t *testing.T) {
	s, _ := newTestSession(t, camera.NewSynthetic(camera.SyntheticConfig{}))
	s.Stop()
	if s.IsActive() {
		t.Error("Stop on a fresh session must leave it idle")
	}
}

func TestSession_StopAfterStartsLeavesNoHandle(t *testing.T) {
	sequences := [][]camera.DeviceConstraint{
		{camera.Constraint(camera.FacingUser, camera.Res480p)},
		{camera.Constraint(camera.FacingUser, camera.Res480p), camera.Constraint(camera.FacingUser, camera.Res1080p)},
		{
			camera.Constraint(camera.FacingEnvironment, camera.Res720p),
			camera.Constraint(camera.FacingUser, camera.Res720p),
			camera.Constraint(camera.FacingEnvironment, camera.Res480p),
		},
	}
	for i, seq := range sequences {
		p := camera.NewSynthetic(camera.SyntheticConfig{})
		s, _ := newTestSession(t, p)
		for _, c := range seq {
			if err := s.Start(t.Context(), c); err != nil {
				t.Fatalf("seq %d: Start(%s): %v", i, c, err)
			}
			if p.LiveStreams() > 1 {
				t.Fatalf("seq %d: %d live streams, want at most 1", i, p.LiveStreams())
			}
		}
		if p.Opened() != 1 {
			t.Errorf("seq %d: opened = %d, want 1 (live stream reused)", i, p.Opened())
		}
		s.Stop()
		if p.LiveStreams() != 0 {
			t.Errorf("seq %d: live streams after Stop = %d, want 0", i, p.LiveStreams())
		}
	}
}

func TestSession_StartFailureSetsLastError(t *testing.T) {
	p := camera.NewSynthetic(camera.SyntheticConfig{})
	p.Fail(camera.FacingUser, camera.ErrPermissionDenied)
	var log eventLog
	s, _ := newTestSession(t, p, WithObserver(log.record))

	err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
	if !errors.Is(err, camera.ErrPermissionDenied) {
		t.Errorf("err = %v, want it to wrap ErrPermissionDenied", err)
	}
	if s.IsActive() {
		t.Error("session should stay inactive on failure")
	}
	if s.LastError() != camera.ErrPermissionDenied.Error() {
		t.Errorf("LastError = %q", s.LastError())
	}
	if log.count(EventFailed) != 1 {
		t.Errorf("failed events = %d, want 1", log.count(EventFailed))
	}

	// The consumer may retry.
	p.Fail(camera.FacingUser, nil)
	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if s.LastError() != "" {
		t.Errorf("LastError after success = %q, want empty", s.LastError())
	}
}

func TestSession_StopDuringPendingStart(t *testing.T) {
	g := newGatedProvider()
	s, surf := newTestSession(t, g)

	done := make(chan error, 1)
	go func() {
		done <- s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser})
	}()
	<-g.entered
	if !s.Snapshot().Starting {
		t.Error("session should report a pending start")
	}

	s.Stop()
	close(g.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStartCancelled) {
			t.Errorf("Start err = %v, want ErrStartCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Start")
	}

	if s.IsActive() {
		t.Error("session must stay inactive after stop overtook start")
	}
	if g.inner.Opened() != 1 {
		t.Errorf("opened = %d, want 1", g.inner.Opened())
	}
	if g.inner.LiveStreams() != 0 {
		t.Errorf("live streams = %d, want 0 (late handle released)", g.inner.LiveStreams())
	}
	if surf.Stream() != nil {
		t.Error("late stream must not be attached to the surface")
	}
}

func TestSession_ConcurrentStartsShareAcquisition(t *testing.T) {
	g := newGatedProvider()
	s, _ := newTestSession(t, g)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser})
	}()
	<-g.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser})
	}()
	time.Sleep(20 * time.Millisecond)
	close(g.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Start %d: %v", i, err)
		}
	}
	if n := g.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
	if g.inner.LiveStreams() != 1 {
		t.Errorf("live streams = %d, want 1", g.inner.LiveStreams())
	}
}

func TestSession_ReacquiresEndedStream(t *testing.T) {
	p := camera.NewSynthetic(camera.SyntheticConfig{})
	s, surf := newTestSession(t, p)
	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Device unplugged: the track ends without the session noticing.
	camera.StopStream(surf.Stream())

	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if p.Opened() != 2 {
		t.Errorf("opened = %d, want 2", p.Opened())
	}
	if p.LiveStreams() != 1 {
		t.Errorf("live streams = %d, want 1", p.LiveStreams())
	}
	if _, ok := s.CaptureFrame(); !ok {
		t.Error("capture should work on the new stream")
	}
}

func TestSession_ScopeDoneReleasesDevice(t *testing.T) {
	p := camera.NewSynthetic(camera.SyntheticConfig{})
	scope, cancel := context.WithCancel(context.Background())
	s := NewSession(scope, "back", p)
	surf := camera.NewSurface("back")
	s.Bind(surf)

	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingEnvironment}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for p.LiveStreams() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("device not released after scope was cancelled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.IsActive() {
		t.Error("session should be inactive after scope ended")
	}
	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingEnvironment}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after close err = %v, want ErrClosed", err)
	}
	if surf.Stream() != nil {
		t.Error("surface should be detached")
	}
}

func TestSession_BindAfterStartAttaches(t *testing.T) {
	s := NewSession(t.Context(), "front", camera.NewSynthetic(camera.SyntheticConfig{}))
	defer s.Close()
	if err := s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := camera.NewSurface("first")
	s.Bind(first)
	if first.Stream() == nil {
		t.Fatal("binding an active session should attach its stream")
	}

	second := camera.NewSurface("second")
	s.Bind(second)
	if first.Stream() != nil {
		t.Error("rebinding should detach the previous surface")
	}
	if second.Stream() == nil {
		t.Error("rebinding should attach the new surface")
	}
	if s.Surface() != second {
		t.Error("Surface() should return the bound surface")
	}
}

func TestSession_EventOrder(t *testing.T) {
	var log eventLog
	s, _ := newTestSession(t, camera.NewSynthetic(camera.SyntheticConfig{}), WithObserver(log.record))
	_ = s.Start(t.Context(), camera.DeviceConstraint{Facing: camera.FacingUser})
	s.CaptureFrame()
	s.Stop()

	want := []EventKind{EventStarted, EventCaptured, EventStopped}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}
