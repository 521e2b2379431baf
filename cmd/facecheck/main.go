package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/FaceCheck/internal/access"
	"github.com/cjeanneret/FaceCheck/internal/config"
	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/cjeanneret/FaceCheck/internal/hw/camera"
	"github.com/cjeanneret/FaceCheck/internal/hw/gpio"
	"github.com/cjeanneret/FaceCheck/internal/logic/capture"
	"github.com/cjeanneret/FaceCheck/internal/logic/kiosk"
	"github.com/cjeanneret/FaceCheck/internal/socket"
	"github.com/cjeanneret/FaceCheck/internal/web"
)

// Overrides holds CLI values that replace config entries. Empty means "use config".
type Overrides struct {
	FrontResolution string
	BackResolution  string
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	outDir := flag.String("out", "captures", "directory for images taken without the web server")
	frontRes := flag.String("front_res", "", "override front camera resolution (480p, 720p, 1080p)")
	backRes := flag.String("back_res", "", "override back camera resolution (480p, 720p, 1080p)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := Overrides{FrontResolution: *frontRes, BackResolution: *backRes}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())

	broadcaster := web.NewStatusBroadcaster()

	debug.Step(1, "Initializing cameras")
	debug.Value("Mock devices", cfg.Defaults.MockDevices)
	provider := newProvider(cfg)
	coord := capture.NewCoordinator(ctx, provider, coordinatorConfig(cfg),
		capture.WithJPEGQuality(cfg.Cameras.JPEGQuality),
		capture.WithObserver(func(evt capture.SessionEvent) {
			broadcaster.Publish("session", evt)
		}),
	)
	defer coord.Close()
	debug.PrintStruct("Front camera", cfg.Cameras.Front)
	debug.PrintStruct("Back camera", cfg.Cameras.Back)

	var sock *socket.Client
	if cfg.Socket.URL != "" {
		debug.Step(2, "Connecting backend socket")
		sock = socket.New(socket.WebsocketDialer{}, socketOptions(cfg)...)
		events, unsubscribe := sock.Subscribe()
		defer unsubscribe()
		go func() {
			for evt := range events {
				broadcaster.Publish("socket", evt)
			}
		}()
		sock.Connect(cfg.Socket.URL)
		defer sock.Disconnect()
	}

	var srv *web.Server
	if port := webPort.port(); port > 0 {
		deps := web.Deps{
			Broadcaster:  broadcaster,
			Cameras:      coord,
			Gate:         access.NewGate(cfg.Access.Role, cfg.Access.AllowedRoles),
			StartTimeout: cfg.StartTimeout(),
		}
		if sock != nil {
			deps.Socket = sock
		}
		srv = web.NewServer(fmt.Sprintf(":%d", port), deps)
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	var trigger *kiosk.Trigger
	if cfg.Kiosk.Enabled {
		debug.Step(3, "Initializing kiosk")
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			log.Fatalf("init GPIO failed: %v", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()

		side, _ := capture.ParseSide(cfg.Kiosk.CaptureSide)
		trigger, err = kiosk.New(gpioDriver, coord, kiosk.Config{
			ButtonPin:    cfg.Kiosk.ButtonPin,
			FrontLEDPin:  cfg.Kiosk.FrontLEDPin,
			BackLEDPin:   cfg.Kiosk.BackLEDPin,
			Side:         side,
			PollInterval: cfg.PollInterval(),
			OnShots:      kioskShots(srv, *outDir),
		})
		if err != nil {
			log.Fatalf("init kiosk failed: %v", err)
		}
		startAll(ctx, coord, cfg)
	}

	switch {
	case srv != nil:
		if trigger != nil {
			go trigger.Run(ctx)
		}
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
	case trigger != nil:
		if err := trigger.Run(ctx); err != nil {
			log.Fatalf("kiosk: %v", err)
		}
	default:
		if err := captureOnce(ctx, coord, cfg, *outDir); err != nil {
			log.Fatalf("capture failed: %v", err)
		}
	}
}

// captureOnce starts both cameras, captures the front one (and the back one
// when sync is on) and writes the images to outDir.
func captureOnce(ctx context.Context, coord *capture.Coordinator, cfg *config.Config, outDir string) error {
	startAll(ctx, coord, cfg)

	debug.Section("Capture")
	shots := coord.CaptureFront()
	if len(shots) == 0 && !coord.Sync() {
		shots = coord.CaptureBack()
	}
	if len(shots) == 0 {
		return fmt.Errorf("no camera produced an image")
	}
	paths, err := writeShots(outDir, shots)
	if err != nil {
		return err
	}
	for _, p := range paths {
		debug.Info("Saved %s", p)
	}
	debug.Summary(fmt.Sprintf("Captured %d image(s) in %s", len(paths), outDir))
	return nil
}

func startAll(ctx context.Context, coord *capture.Coordinator, cfg *config.Config) {
	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout())
	defer cancel()
	if err := coord.StartAll(startCtx); err != nil {
		log.Printf("camera start: %v", err)
	}
}

// kioskShots records kiosk captures in the web handlers when the server runs,
// and writes them to outDir otherwise.
func kioskShots(srv *web.Server, outDir string) func([]capture.Shot) {
	if srv != nil {
		return srv.Handlers().RememberShots
	}
	return func(shots []capture.Shot) {
		paths, err := writeShots(outDir, shots)
		if err != nil {
			debug.Error(err)
			return
		}
		for _, p := range paths {
			debug.Info("Saved %s", p)
		}
	}
}

// writeShots writes each shot as <side>-<id>.jpg under dir.
func writeShots(dir string, shots []capture.Shot) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	paths := make([]string, 0, len(shots))
	for _, s := range shots {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.jpg", s.Side, s.Image.ID))
		if err := os.WriteFile(path, s.Image.Data, 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// newProvider returns the synthetic cameras in mock mode, V4L2 devices otherwise.
func newProvider(cfg *config.Config) camera.Provider {
	if cfg.Defaults.MockDevices {
		return camera.NewSynthetic(camera.SyntheticConfig{})
	}
	return camera.NewV4L2(cfg.Devices())
}

func coordinatorConfig(cfg *config.Config) capture.CoordinatorConfig {
	return capture.CoordinatorConfig{
		Front: capture.SideConfig{Facing: cfg.Facing("front"), Resolution: cfg.Resolution("front")},
		Back:  capture.SideConfig{Facing: cfg.Facing("back"), Resolution: cfg.Resolution("back")},
		Sync:  cfg.SyncCapture(),
	}
}

func socketOptions(cfg *config.Config) []socket.Option {
	if !cfg.Socket.Reconnect.Enabled {
		return nil
	}
	return []socket.Option{socket.WithReconnect(socket.Backoff{
		Initial: cfg.ReconnectInitialDelay(),
		Max:     cfg.ReconnectMaxDelay(),
	})}
}

// validateCLIOverrides checks that non-empty CLI overrides name a known resolution.
func validateCLIOverrides(o Overrides) error {
	for name, v := range map[string]string{"front_res": o.FrontResolution, "back_res": o.BackResolution} {
		if v == "" {
			continue
		}
		if _, err := camera.ParseResolution(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-empty values are applied.
func applyOverrides(cfg *config.Config, o Overrides) {
	if r, err := camera.ParseResolution(o.FrontResolution); err == nil {
		cfg.Cameras.Front.Resolution = string(r)
	}
	if r, err := camera.ParseResolution(o.BackResolution); err == nil {
		cfg.Cameras.Back.Resolution = string(r)
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
