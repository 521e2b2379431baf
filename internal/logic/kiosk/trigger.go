// Package kiosk runs the physical check-in station: a push button that
// triggers a capture and one LED per camera showing whether it is live.
package kiosk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/cjeanneret/FaceCheck/internal/hw/gpio"
	"github.com/cjeanneret/FaceCheck/internal/logic/capture"
)

// Capturer is the part of the capture coordinator the kiosk drives.
type Capturer interface {
	Capture(side capture.Side) []capture.Shot
	Active(side capture.Side) bool
}

// Config wires the kiosk pins (BCM numbering). A pin <= 0 disables that LED.
type Config struct {
	ButtonPin    int
	FrontLEDPin  int
	BackLEDPin   int
	Side         capture.Side // side captured on a press
	PollInterval time.Duration
	OnShots      func([]capture.Shot)
}

// Trigger polls an active-low button and captures once per press.
type Trigger struct {
	drv      gpio.Driver
	capturer Capturer
	cfg      Config

	pressed bool
	leds    [2]gpio.Level
	ledSet  [2]bool
	presses atomic.Int64
}

// New configures the pins and returns an idle trigger.
func New(drv gpio.Driver, c Capturer, cfg Config) (*Trigger, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if err := drv.SetupPin(cfg.ButtonPin, gpio.InputPullUp); err != nil {
		return nil, fmt.Errorf("kiosk button pin %d: %w", cfg.ButtonPin, err)
	}
	for _, pin := range []int{cfg.FrontLEDPin, cfg.BackLEDPin} {
		if pin <= 0 {
			continue
		}
		if err := drv.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("kiosk led pin %d: %w", pin, err)
		}
	}
	return &Trigger{drv: drv, capturer: c, cfg: cfg}, nil
}

// Run polls until ctx is done, then switches the LEDs off.
func (t *Trigger) Run(ctx context.Context) error {
	debug.Info("Kiosk trigger on pin %d (capturing %s)", t.cfg.ButtonPin, t.cfg.Side)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.ledsOff()
			return nil
		case <-ticker.C:
			t.poll()
		}
	}
}

// Presses returns how many presses were handled. Safe to call while Run is polling.
func (t *Trigger) Presses() int {
	return int(t.presses.Load())
}

func (t *Trigger) poll() {
	level, err := t.drv.ReadPin(t.cfg.ButtonPin)
	if err != nil {
		debug.Error(fmt.Errorf("kiosk: read button: %w", err))
	} else {
		down := level == gpio.Low
		if down && !t.pressed {
			t.press()
		}
		t.pressed = down
	}

	t.setLED(capture.Front, t.cfg.FrontLEDPin, t.capturer.Active(capture.Front))
	t.setLED(capture.Back, t.cfg.BackLEDPin, t.capturer.Active(capture.Back))
}

func (t *Trigger) press() {
	n := t.presses.Add(1)
	shots := t.capturer.Capture(t.cfg.Side)
	debug.Live("kiosk press #%d: %d shot(s)", n, len(shots))
	if len(shots) > 0 && t.cfg.OnShots != nil {
		t.cfg.OnShots(shots)
	}
}

func (t *Trigger) setLED(side capture.Side, pin int, on bool) {
	if pin <= 0 {
		return
	}
	level := gpio.Level(on)
	if t.ledSet[side] && t.leds[side] == level {
		return
	}
	if err := t.drv.WritePin(pin, level); err != nil {
		debug.Error(fmt.Errorf("kiosk: %s led: %w", side, err))
		return
	}
	t.leds[side] = level
	t.ledSet[side] = true
}

func (t *Trigger) ledsOff() {
	t.setLED(capture.Front, t.cfg.FrontLEDPin, false)
	t.setLED(capture.Back, t.cfg.BackLEDPin, false)
}
