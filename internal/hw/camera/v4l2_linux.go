//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/blackjack/webcam"
	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/google/uuid"
)

// ErrNoFrame is returned when a device has not delivered a frame yet.
var ErrNoFrame = errors.New("no frame received yet")

// V4L2 opens Linux video devices (/dev/videoN) through blackjack/webcam.
// Linux exposes no facing metadata, so each facing maps to a device path.
type V4L2 struct {
	devices     map[Facing]string
	bufferCount uint32
}

// NewV4L2 creates a provider for the given facing -> device path mapping.
func NewV4L2(devices map[Facing]string) *V4L2 {
	return &V4L2{devices: devices, bufferCount: 4}
}

// Open implements Provider.
func (p *V4L2) Open(ctx context.Context, c DeviceConstraint) (Stream, error) {
	path, ok := p.devices[c.Facing]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: no device configured for facing %s", ErrNoDevice, c.Facing)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	debug.Verbose("v4l2: opening %s (%s)", path, c)
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, classifyOpenError(path, err)
	}

	format, w, h, err := negotiateFormat(cam, c)
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNoDevice, path, err)
	}
	if err := cam.SetBufferCount(p.bufferCount); err != nil {
		debug.Verbose("v4l2: set buffer count on %s: %v", path, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, classifyOpenError(path, err)
	}
	if err := ctx.Err(); err != nil {
		cam.StopStreaming()
		cam.Close()
		return nil, err
	}

	debug.Info("v4l2: streaming %s as %s %dx%d", path, fourccString(format), w, h)
	st := &v4l2Stream{
		id:     uuid.NewString(),
		cam:    cam,
		format: format,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	st.track = &v4l2Track{
		id:       uuid.NewString(),
		settings: TrackSettings{Width: w, Height: h, Facing: c.Facing},
		stream:   st,
	}
	st.track.live.Store(true)
	go st.loop()
	return st, nil
}

func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %s: %v", ErrDeviceBusy, path, err)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, path, err)
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return fmt.Errorf("%w: %s: %v", ErrNoDevice, path, err)
	default:
		return fmt.Errorf("open %s: %w", path, err)
	}
}

// negotiateFormat prefers MJPEG (cheap to decode) then YUYV, at the supported
// frame size closest to the ideal one.
func negotiateFormat(cam *webcam.Webcam, c DeviceConstraint) (uint32, int, int, error) {
	supported := cam.GetSupportedFormats()
	var chosen webcam.PixelFormat
	found := false
	for _, want := range []uint32{fourccMJPG, fourccYUYV} {
		if _, ok := supported[webcam.PixelFormat(want)]; ok {
			chosen = webcam.PixelFormat(want)
			found = true
			break
		}
	}
	if !found {
		return 0, 0, 0, errors.New("device offers neither MJPG nor YUYV")
	}

	w, h := closestFrameSize(cam.GetSupportedFrameSizes(chosen), c.Width, c.Height)
	f, aw, ah, err := cam.SetImageFormat(chosen, uint32(w), uint32(h))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("set image format: %w", err)
	}
	return uint32(f), int(aw), int(ah), nil
}

func closestFrameSize(sizes []webcam.FrameSize, idealW, idealH int) (int, int) {
	if idealW <= 0 || idealH <= 0 {
		idealW, idealH = DefaultResolution.Dimensions()
	}
	bestW, bestH := idealW, idealH
	bestDist := -1
	for _, s := range sizes {
		w := clampStep(idealW, int(s.MinWidth), int(s.MaxWidth), int(s.StepWidth))
		h := clampStep(idealH, int(s.MinHeight), int(s.MaxHeight), int(s.StepHeight))
		dist := abs(w-idealW) + abs(h-idealH)
		if bestDist < 0 || dist < bestDist {
			bestW, bestH, bestDist = w, h, dist
		}
	}
	return bestW, bestH
}

func clampStep(v, lo, hi, step int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	if step > 1 {
		v = lo + (v-lo)/step*step
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type v4l2Stream struct {
	id     string
	cam    *webcam.Webcam
	format uint32
	track  *v4l2Track

	mu     sync.Mutex
	latest []byte

	quit chan struct{}
	done chan struct{}
}

func (s *v4l2Stream) ID() string      { return s.id }
func (s *v4l2Stream) Tracks() []Track { return []Track{s.track} }

func (s *v4l2Stream) Frame() (image.Image, error) {
	if !s.track.Live() {
		return nil, ErrTrackEnded
	}
	s.mu.Lock()
	buf := append([]byte(nil), s.latest...)
	s.mu.Unlock()
	if len(buf) == 0 {
		return nil, ErrNoFrame
	}
	return decodeFrame(s.format, buf, s.track.settings.Width, s.track.settings.Height)
}

// loop keeps the latest driver buffer so Frame never blocks on the device.
func (s *v4l2Stream) loop() {
	defer close(s.done)
	var frames uint64
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		err := s.cam.WaitForFrame(1)
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			debug.Error(fmt.Errorf("v4l2: wait for frame: %w", err))
			s.track.live.Store(false)
			return
		}

		buf, err := s.cam.ReadFrame()
		if err != nil {
			debug.Error(fmt.Errorf("v4l2: read frame: %w", err))
			s.track.live.Store(false)
			return
		}
		if len(buf) == 0 {
			continue
		}
		s.mu.Lock()
		s.latest = append(s.latest[:0], buf...)
		s.mu.Unlock()
		if debug.IsEnabled(debug.LevelTrace) {
			frames++
			debug.Trace("v4l2: frame %d on %s (%d bytes)", frames, s.track.id, len(buf))
		}
	}
}

type v4l2Track struct {
	id       string
	settings TrackSettings
	stream   *v4l2Stream
	live     atomic.Bool
	stopOnce sync.Once
}

func (t *v4l2Track) ID() string              { return t.id }
func (t *v4l2Track) Settings() TrackSettings { return t.settings }
func (t *v4l2Track) Live() bool              { return t.live.Load() }

// Stop waits for the frame loop to exit, which can take up to the one second
// WaitForFrame timeout, then releases the device.
func (t *v4l2Track) Stop() {
	t.stopOnce.Do(func() {
		t.live.Store(false)
		close(t.stream.quit)
		<-t.stream.done
		if err := t.stream.cam.StopStreaming(); err != nil {
			debug.Verbose("v4l2: stop streaming: %v", err)
		}
		if err := t.stream.cam.Close(); err != nil {
			debug.Verbose("v4l2: close: %v", err)
		}
		debug.Trace("v4l2: track %s released", t.id)
	})
}
