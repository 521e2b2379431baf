package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

// Acquisition failures reported by a Provider. Implementations wrap one of
// these so callers can tell them apart with errors.Is.
var (
	ErrNoDevice         = errors.New("no matching camera device")
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceBusy       = errors.New("camera device busy")
)

// Facing is the preferred camera direction.
type Facing string

const (
	FacingUser        Facing = "user"        // front camera, towards the operator
	FacingEnvironment Facing = "environment" // back camera, away from the operator
)

// ParseFacing parses "user" or "environment" (case-insensitive).
func ParseFacing(s string) (Facing, error) {
	switch f := Facing(strings.ToLower(strings.TrimSpace(s))); f {
	case FacingUser, FacingEnvironment:
		return f, nil
	default:
		return "", fmt.Errorf("unknown facing %q (want user or environment)", s)
	}
}

// Resolution is one of the enumerated capture resolutions offered to the operator.
type Resolution string

const (
	Res480p  Resolution = "480p"
	Res720p  Resolution = "720p"
	Res1080p Resolution = "1080p"
)

// DefaultResolution is used when a camera has no resolution configured.
const DefaultResolution = Res720p

// Resolutions returns the selectable resolutions, smallest first.
func Resolutions() []Resolution {
	return []Resolution{Res480p, Res720p, Res1080p}
}

// ParseResolution parses a resolution label such as "720p".
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if _, _, ok := r.dimensions(); !ok {
		return "", fmt.Errorf("unknown resolution %q (want 480p, 720p or 1080p)", s)
	}
	return r, nil
}

// Valid reports whether r is one of the enumerated resolutions.
func (r Resolution) Valid() bool {
	_, _, ok := r.dimensions()
	return ok
}

// Dimensions returns the ideal width and height for r, or 0,0 if r is unknown.
func (r Resolution) Dimensions() (width, height int) {
	w, h, _ := r.dimensions()
	return w, h
}

func (r Resolution) dimensions() (int, int, bool) {
	switch r {
	case Res480p:
		return 640, 480, true
	case Res720p:
		return 1280, 720, true
	case Res1080p:
		return 1920, 1080, true
	default:
		return 0, 0, false
	}
}

// DeviceConstraint describes the device a session asks for.
// Width and Height are ideal values; 0 leaves the choice to the provider.
type DeviceConstraint struct {
	Facing Facing
	Width  int
	Height int
}

// Constraint builds the constraint for a facing at one of the enumerated resolutions.
func Constraint(f Facing, r Resolution) DeviceConstraint {
	w, h := r.Dimensions()
	return DeviceConstraint{Facing: f, Width: w, Height: h}
}

func (c DeviceConstraint) String() string {
	if c.Width == 0 || c.Height == 0 {
		return fmt.Sprintf("facing=%s", c.Facing)
	}
	return fmt.Sprintf("facing=%s ideal=%dx%d", c.Facing, c.Width, c.Height)
}

// TrackSettings are the values a device actually applied to a track.
type TrackSettings struct {
	Width  int
	Height int
	Facing Facing
}

// Track is one live media track of a Stream.
type Track interface {
	ID() string
	Settings() TrackSettings
	// Live reports whether the track is still producing data.
	Live() bool
	// Stop ends the track and releases its part of the device. Safe to call twice.
	Stop()
}

// Stream is an owned device handle, the equivalent of a browser MediaStream.
type Stream interface {
	ID() string
	Tracks() []Track
	// Frame returns the most recent video frame.
	Frame() (image.Image, error)
}

// Provider opens camera devices.
type Provider interface {
	Open(ctx context.Context, c DeviceConstraint) (Stream, error)
}

// Live reports whether any track of s is still live.
func Live(s Stream) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tracks() {
		if t.Live() {
			return true
		}
	}
	return false
}

// StopStream stops every track of s.
func StopStream(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// VideoSettings returns the settings of the first live track of s.
func VideoSettings(s Stream) (TrackSettings, bool) {
	if s == nil {
		return TrackSettings{}, false
	}
	for _, t := range s.Tracks() {
		if t.Live() {
			return t.Settings(), true
		}
	}
	return TrackSettings{}, false
}
