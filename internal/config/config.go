package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/FaceCheck/internal/access"
	"github.com/cjeanneret/FaceCheck/internal/hw/camera"
	"github.com/cjeanneret/FaceCheck/internal/logic/capture"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// CameraConfig describes one camera.
type CameraConfig struct {
	Facing     string `yaml:"facing"`     // "user" or "environment"
	Resolution string `yaml:"resolution"` // "480p", "720p" or "1080p"
	Device     string `yaml:"device"`     // V4L2 device path, e.g. /dev/video0
}

// CamerasConfig holds both cameras and the capture policy.
type CamerasConfig struct {
	Front          CameraConfig `yaml:"front"`
	Back           CameraConfig `yaml:"back"`
	SyncCapture    *bool        `yaml:"sync_capture"`     // default true
	JPEGQuality    int          `yaml:"jpeg_quality"`     // 1-100 (default: 92)
	StartTimeoutMs int          `yaml:"start_timeout_ms"` // device open deadline (default: 10000)
}

// ReconnectConfig enables automatic socket reconnection.
type ReconnectConfig struct {
	Enabled        bool `yaml:"enabled"`
	InitialDelayMs int  `yaml:"initial_delay_ms"` // default: 1000
	MaxDelayMs     int  `yaml:"max_delay_ms"`     // default: 30000
}

// SocketConfig describes the backend websocket.
type SocketConfig struct {
	URL       string          `yaml:"url"` // empty = no socket
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// AccessConfig is the role allow-list for settings changes.
type AccessConfig struct {
	Role         string   `yaml:"role"`          // default: admin
	AllowedRoles []string `yaml:"allowed_roles"` // default: [admin, atasan]
}

// KioskConfig wires the shutter button and status LEDs (BCM numbering).
type KioskConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ButtonPin      int    `yaml:"button_pin"`
	FrontLEDPin    int    `yaml:"front_led_pin"` // 0 = no LED
	BackLEDPin     int    `yaml:"back_led_pin"`  // 0 = no LED
	CaptureSide    string `yaml:"capture_side"`  // default: front
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel  int  `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockDevices bool `yaml:"mock_devices"` // synthetic cameras instead of V4L2
	MockGPIO    bool `yaml:"mock_gpio"`    // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Cameras  CamerasConfig  `yaml:"cameras"`
	Socket   SocketConfig   `yaml:"socket"`
	Access   AccessConfig   `yaml:"access"`
	Kiosk    KioskConfig    `yaml:"kiosk"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files inside a directory named
// "configs", without any ".." segment.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == filepath.Separator }) {
		if seg == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	cams := &c.Cameras
	if cams.Front.Facing == "" {
		cams.Front.Facing = string(camera.FacingUser)
	}
	if cams.Back.Facing == "" {
		cams.Back.Facing = string(camera.FacingEnvironment)
	}
	for _, side := range []struct {
		name string
		cc   *CameraConfig
	}{{"front", &cams.Front}, {"back", &cams.Back}} {
		name, cc := side.name, side.cc
		f, err := camera.ParseFacing(cc.Facing)
		if err != nil {
			return fmt.Errorf("cameras.%s.facing: %w", name, err)
		}
		cc.Facing = string(f)
		if cc.Resolution == "" {
			cc.Resolution = string(camera.DefaultResolution)
		}
		r, err := camera.ParseResolution(cc.Resolution)
		if err != nil {
			return fmt.Errorf("cameras.%s.resolution: %w", name, err)
		}
		cc.Resolution = string(r)
	}
	if cams.Front.Device != "" && cams.Front.Device == cams.Back.Device {
		return fmt.Errorf("cameras.front and cameras.back use the same device %s", cams.Front.Device)
	}
	// Devices are looked up by facing.
	if (cams.Front.Device != "" || cams.Back.Device != "") && cams.Front.Facing == cams.Back.Facing {
		return fmt.Errorf("cameras.front and cameras.back both face %s; devices need distinct facings", cams.Front.Facing)
	}
	if cams.SyncCapture == nil {
		on := true
		cams.SyncCapture = &on
	}
	if cams.JPEGQuality == 0 {
		cams.JPEGQuality = camera.DefaultJPEGQuality
	}
	if cams.JPEGQuality < 1 || cams.JPEGQuality > 100 {
		return fmt.Errorf("cameras.jpeg_quality must be between 1 and 100, got %d", cams.JPEGQuality)
	}
	if cams.StartTimeoutMs <= 0 {
		cams.StartTimeoutMs = 10000
	}

	if u := c.Socket.URL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("socket.url must start with ws:// or wss://, got %q", u)
	}
	rc := &c.Socket.Reconnect
	if rc.InitialDelayMs <= 0 {
		rc.InitialDelayMs = 1000
	}
	if rc.MaxDelayMs <= 0 {
		rc.MaxDelayMs = 30000
	}
	if rc.MaxDelayMs < rc.InitialDelayMs {
		return fmt.Errorf("socket.reconnect.max_delay_ms (%d) must be >= initial_delay_ms (%d)", rc.MaxDelayMs, rc.InitialDelayMs)
	}

	if c.Access.Role == "" {
		c.Access.Role = access.DefaultRole
	}
	if len(c.Access.AllowedRoles) == 0 {
		c.Access.AllowedRoles = append([]string(nil), access.DefaultAllowed...)
	}

	if c.Kiosk.CaptureSide == "" {
		c.Kiosk.CaptureSide = capture.Front.String()
	}
	side, err := capture.ParseSide(c.Kiosk.CaptureSide)
	if err != nil {
		return fmt.Errorf("kiosk.capture_side: %w", err)
	}
	c.Kiosk.CaptureSide = side.String()
	if c.Kiosk.PollIntervalMs <= 0 {
		c.Kiosk.PollIntervalMs = 20
	}
	if c.Kiosk.Enabled && c.Kiosk.ButtonPin <= 0 {
		return fmt.Errorf("kiosk.button_pin is required when the kiosk is enabled")
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// Facing returns the configured facing of a camera ("front" or "back").
func (c *Config) Facing(side string) camera.Facing {
	if side == "back" {
		return camera.Facing(c.Cameras.Back.Facing)
	}
	return camera.Facing(c.Cameras.Front.Facing)
}

// Resolution returns the configured resolution of a camera ("front" or "back").
func (c *Config) Resolution(side string) camera.Resolution {
	if side == "back" {
		return camera.Resolution(c.Cameras.Back.Resolution)
	}
	return camera.Resolution(c.Cameras.Front.Resolution)
}

// Devices maps each configured facing to its V4L2 device path.
func (c *Config) Devices() map[camera.Facing]string {
	devices := make(map[camera.Facing]string)
	for _, cc := range []CameraConfig{c.Cameras.Front, c.Cameras.Back} {
		if cc.Device != "" {
			devices[camera.Facing(cc.Facing)] = cc.Device
		}
	}
	return devices
}

// SyncCapture reports whether a capture on one camera also captures the other.
func (c *Config) SyncCapture() bool {
	return c.Cameras.SyncCapture == nil || *c.Cameras.SyncCapture
}

// StartTimeout returns the device open deadline.
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Cameras.StartTimeoutMs) * time.Millisecond
}

// ReconnectInitialDelay returns the first socket reconnect delay.
func (c *Config) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.Socket.Reconnect.InitialDelayMs) * time.Millisecond
}

// ReconnectMaxDelay returns the socket reconnect delay cap.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Socket.Reconnect.MaxDelayMs) * time.Millisecond
}

// PollInterval returns the kiosk button polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Kiosk.PollIntervalMs) * time.Millisecond
}
