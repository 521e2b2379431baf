package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrTrackEnded is returned when reading a frame from a stopped track.
var ErrTrackEnded = errors.New("track ended")

// SyntheticConfig configures the synthetic provider.
type SyntheticConfig struct {
	Facings       []Facing      // available devices (default: user and environment)
	Latency       time.Duration // simulated permission/open delay
	DefaultWidth  int           // used when the constraint has no ideal width (default: 640)
	DefaultHeight int           // used when the constraint has no ideal height (default: 480)
}

// Synthetic is a Provider that generates test-pattern frames.
// Used for development without cameras and in tests.
type Synthetic struct {
	cfg SyntheticConfig

	mu     sync.Mutex
	fail   map[Facing]error
	opened int
	live   int
}

// NewSynthetic creates a synthetic provider.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if len(cfg.Facings) == 0 {
		cfg.Facings = []Facing{FacingUser, FacingEnvironment}
	}
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = 640
	}
	if cfg.DefaultHeight <= 0 {
		cfg.DefaultHeight = 480
	}
	return &Synthetic{cfg: cfg, fail: make(map[Facing]error)}
}

// Fail makes every following Open for f return err. A nil err clears it.
func (p *Synthetic) Fail(f Facing, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, f)
		return
	}
	p.fail[f] = err
}

// Opened returns how many streams were opened so far.
func (p *Synthetic) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// LiveStreams returns how many opened streams still have a live track.
func (p *Synthetic) LiveStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Open implements Provider.
func (p *Synthetic) Open(ctx context.Context, c DeviceConstraint) (Stream, error) {
	if p.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.Latency):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail[c.Facing]; err != nil {
		return nil, err
	}
	if !p.hasFacing(c.Facing) {
		return nil, fmt.Errorf("%w: facing %s", ErrNoDevice, c.Facing)
	}

	settings := TrackSettings{Width: c.Width, Height: c.Height, Facing: c.Facing}
	if settings.Width <= 0 {
		settings.Width = p.cfg.DefaultWidth
	}
	if settings.Height <= 0 {
		settings.Height = p.cfg.DefaultHeight
	}

	p.opened++
	p.live++
	st := &syntheticStream{id: uuid.NewString()}
	st.track = &syntheticTrack{
		id:       uuid.NewString(),
		settings: settings,
		onStop:   p.released,
	}
	st.track.live.Store(true)

	debug.Verbose("synthetic: opened stream %s (%dx%d, %s)", st.id, settings.Width, settings.Height, c.Facing)
	return st, nil
}

func (p *Synthetic) hasFacing(f Facing) bool {
	for _, have := range p.cfg.Facings {
		if have == f {
			return true
		}
	}
	return false
}

func (p *Synthetic) released() {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
}

type syntheticTrack struct {
	id       string
	settings TrackSettings
	live     atomic.Bool
	onStop   func()
}

func (t *syntheticTrack) ID() string              { return t.id }
func (t *syntheticTrack) Settings() TrackSettings { return t.settings }
func (t *syntheticTrack) Live() bool              { return t.live.Load() }

func (t *syntheticTrack) Stop() {
	if t.live.CompareAndSwap(true, false) {
		debug.Trace("synthetic: track %s stopped", t.id)
		if t.onStop != nil {
			t.onStop()
		}
	}
}

type syntheticStream struct {
	id     string
	track  *syntheticTrack
	frames atomic.Uint64
}

func (s *syntheticStream) ID() string      { return s.id }
func (s *syntheticStream) Tracks() []Track { return []Track{s.track} }

func (s *syntheticStream) Frame() (image.Image, error) {
	if !s.track.Live() {
		return nil, ErrTrackEnded
	}
	return testPattern(s.track.settings, s.frames.Add(1)), nil
}

var patternBars = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
}

// testPattern draws colour bars with a moving marker and a label.
func testPattern(ts TrackSettings, n uint64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, ts.Width, ts.Height))
	barW := ts.Width / len(patternBars)
	if barW == 0 {
		barW = 1
	}
	for i, c := range patternBars {
		r := image.Rect(i*barW, 0, (i+1)*barW, ts.Height)
		if i == len(patternBars)-1 {
			r.Max.X = ts.Width
		}
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
	}

	// Marker sweeps the bottom edge so consecutive frames differ.
	markerW := ts.Width / 16
	if markerW < 1 {
		markerW = 1
	}
	x := int(n*uint64(markerW)) % ts.Width
	draw.Draw(img, image.Rect(x, ts.Height*7/8, x+markerW, ts.Height), image.Black, image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 20),
	}
	d.DrawString(fmt.Sprintf("%s %dx%d #%d", ts.Facing, ts.Width, ts.Height, n))
	return img
}
