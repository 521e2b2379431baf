//go:build !linux

package camera

import (
	"context"
	"fmt"
)

// V4L2 is only available on Linux; elsewhere every Open fails.
type V4L2 struct {
	devices map[Facing]string
}

// NewV4L2 creates a provider that reports no devices on this platform.
func NewV4L2(devices map[Facing]string) *V4L2 {
	return &V4L2{devices: devices}
}

// Open implements Provider.
func (p *V4L2) Open(ctx context.Context, c DeviceConstraint) (Stream, error) {
	return nil, fmt.Errorf("%w: v4l2 devices need linux (facing %s)", ErrNoDevice, c.Facing)
}
