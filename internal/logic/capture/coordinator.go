package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/cjeanneret/FaceCheck/internal/hw/camera"
)

// Side names one of the two coordinated cameras.
type Side int

const (
	Front Side = iota
	Back
)

func (s Side) String() string {
	switch s {
	case Front:
		return "front"
	case Back:
		return "back"
	default:
		return "unknown"
	}
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Front {
		return Back
	}
	return Front
}

// ParseSide parses "front" or "back".
func ParseSide(str string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "front":
		return Front, nil
	case "back":
		return Back, nil
	default:
		return 0, fmt.Errorf("unknown camera side %q (want front or back)", str)
	}
}

func (s Side) valid() bool {
	return s == Front || s == Back
}

// SideConfig is the initial setup of one camera.
type SideConfig struct {
	Facing     camera.Facing
	Resolution camera.Resolution
}

// CoordinatorConfig configures both cameras and the initial sync policy.
type CoordinatorConfig struct {
	Front SideConfig
	Back  SideConfig
	Sync  bool
}

// Shot is one image produced by a capture trigger.
type Shot struct {
	Side  Side
	Image camera.StillImage
}

// SideStatus is the reported state of one camera.
type SideStatus struct {
	Side       string            `json:"side"`
	Facing     camera.Facing     `json:"facing"`
	Resolution camera.Resolution `json:"resolution"`
	Snapshot
}

// Status is the reported state of the coordinator.
type Status struct {
	Front SideStatus `json:"front"`
	Back  SideStatus `json:"back"`
	Sync  bool       `json:"sync"`
}

// Coordinator drives a front and a back Session. Their lifecycles are
// independent; the sync policy only mirrors capture triggers.
type Coordinator struct {
	sessions [2]*Session
	surfaces [2]*camera.Surface
	facing   [2]camera.Facing
	restart  [2]sync.Mutex // serializes SetResolution per side

	mu     sync.Mutex
	res    [2]camera.Resolution
	syncOn bool
}

// NewCoordinator creates both sessions, each bound to its own preview surface.
// Sessions are closed when scope is done.
func NewCoordinator(scope context.Context, p camera.Provider, cfg CoordinatorConfig, opts ...SessionOption) *Coordinator {
	c := &Coordinator{syncOn: cfg.Sync}
	for side, sc := range [2]SideConfig{Front: cfg.Front, Back: cfg.Back} {
		side := Side(side)
		if sc.Facing == "" {
			sc.Facing = camera.FacingUser
			if side == Back {
				sc.Facing = camera.FacingEnvironment
			}
		}
		if !sc.Resolution.Valid() {
			sc.Resolution = camera.DefaultResolution
		}
		c.facing[side] = sc.Facing
		c.res[side] = sc.Resolution
		c.surfaces[side] = camera.NewSurface(side.String())
		c.sessions[side] = NewSession(scope, side.String(), p, opts...)
		c.sessions[side].Bind(c.surfaces[side])
	}
	return c
}

// Session returns the session of side.
func (c *Coordinator) Session(side Side) *Session {
	if !side.valid() {
		return nil
	}
	return c.sessions[side]
}

// Surface returns the surface currently bound to side.
func (c *Coordinator) Surface(side Side) *camera.Surface {
	if !side.valid() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.surfaces[side]
}

// Bind replaces the preview surface of side. The coordinator keeps it alive.
func (c *Coordinator) Bind(side Side, surface *camera.Surface) {
	if !side.valid() {
		return
	}
	c.mu.Lock()
	c.surfaces[side] = surface
	c.mu.Unlock()
	c.sessions[side].Bind(surface)
}

// Resolution returns the selected resolution of side.
func (c *Coordinator) Resolution(side Side) camera.Resolution {
	if !side.valid() {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res[side]
}

// Constraint returns the constraint the next Start of side will use.
func (c *Coordinator) Constraint(side Side) camera.DeviceConstraint {
	if !side.valid() {
		return camera.DeviceConstraint{}
	}
	return camera.Constraint(c.facing[side], c.Resolution(side))
}

// Start starts the session of side with its current constraint.
func (c *Coordinator) Start(ctx context.Context, side Side) error {
	if !side.valid() {
		return fmt.Errorf("invalid side %d", int(side))
	}
	return c.sessions[side].Start(ctx, c.Constraint(side))
}

// Stop stops the session of side.
func (c *Coordinator) Stop(side Side) {
	if !side.valid() {
		return
	}
	c.sessions[side].Stop()
}

// StartAll starts both sessions concurrently and joins their errors.
func (c *Coordinator) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for _, side := range []Side{Front, Back} {
		wg.Add(1)
		go func(side Side) {
			defer wg.Done()
			if err := c.Start(ctx, side); err != nil {
				errs[side] = fmt.Errorf("%s: %w", side, err)
			}
		}(side)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops both sessions.
func (c *Coordinator) StopAll() {
	c.Stop(Front)
	c.Stop(Back)
}

// Close closes both sessions.
func (c *Coordinator) Close() {
	c.sessions[Front].Close()
	c.sessions[Back].Close()
}

// SetResolution changes the resolution selector of side. A running stream
// cannot be resized, so an active (or starting) session goes through exactly
// one Stop and one Start with the new constraint. An idle session only
// records the new value.
func (c *Coordinator) SetResolution(ctx context.Context, side Side, r camera.Resolution) error {
	if !side.valid() {
		return fmt.Errorf("invalid side %d", int(side))
	}
	if !r.Valid() {
		return fmt.Errorf("unsupported resolution %q", r)
	}

	c.restart[side].Lock()
	defer c.restart[side].Unlock()

	c.mu.Lock()
	if c.res[side] == r {
		c.mu.Unlock()
		return nil
	}
	c.res[side] = r
	c.mu.Unlock()

	sess := c.sessions[side]
	snap := sess.Snapshot()
	if !snap.Active && !snap.Starting {
		debug.Live("%s resolution set to %s (idle)", side, r)
		return nil
	}

	debug.Live("%s resolution set to %s, restarting", side, r)
	sess.Stop()
	return sess.Start(ctx, camera.Constraint(c.facing[side], r))
}

// SetSync sets the sync policy for later capture calls.
func (c *Coordinator) SetSync(on bool) {
	c.mu.Lock()
	c.syncOn = on
	c.mu.Unlock()
	debug.Live("sync capture: %v", on)
}

// Sync reports the sync policy.
func (c *Coordinator) Sync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncOn
}

// CaptureFront captures the front camera (and the back one when synced).
func (c *Coordinator) CaptureFront() []Shot {
	return c.Capture(Front)
}

// CaptureBack captures the back camera (and the front one when synced).
func (c *Coordinator) CaptureBack() []Shot {
	return c.Capture(Back)
}

// Capture captures side and, with sync on, the other side too. The primary
// shot comes first. A side that cannot capture is left out; this is never an
// error.
func (c *Coordinator) Capture(side Side) []Shot {
	if !side.valid() {
		return nil
	}
	synced := c.Sync()

	var shots []Shot
	if img, ok := c.sessions[side].CaptureFrame(); ok {
		shots = append(shots, Shot{Side: side, Image: img})
	}
	if synced {
		other := side.Other()
		if img, ok := c.sessions[other].CaptureFrame(); ok {
			shots = append(shots, Shot{Side: other, Image: img})
		}
	}
	return shots
}

// Active reports whether the session of side is active.
func (c *Coordinator) Active(side Side) bool {
	if !side.valid() {
		return false
	}
	return c.sessions[side].IsActive()
}

// Status reports both sessions and the sync policy.
func (c *Coordinator) Status() Status {
	side := func(s Side) SideStatus {
		return SideStatus{
			Side:       s.String(),
			Facing:     c.facing[s],
			Resolution: c.Resolution(s),
			Snapshot:   c.sessions[s].Snapshot(),
		}
	}
	return Status{Front: side(Front), Back: side(Back), Sync: c.Sync()}
}
