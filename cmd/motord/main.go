package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/config"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/gpio"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/handset"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/stepper"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/logic/motion"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/logic/scheduler"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/metrics"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "serve the command API on port; -web= for default 8080, -web 8980 for custom port, 0 to disable")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	busType := flag.String("bus", "", "override bus.type (sim, port, gpio)")
	debugLevel := flag.Int("debug", -1, "override defaults.debug_level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := applyOverrides(cfg, *busType, *debugLevel, webPort); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Bus", cfg.Bus.Type)

	// GPIO is only opened when something is wired to it.
	var gpioDriver gpio.Driver
	if cfg.Bus.Type == config.BusGPIO || cfg.Handset.Enabled {
		debug.Step(1, "Initializing GPIO driver")
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		gpioDriver, err = gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			log.Fatalf("init GPIO failed: %v", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()
	}

	debug.Step(2, "Opening motor controller")
	mountBus, err := newBus(cfg, gpioDriver, time.Now)
	if err != nil {
		log.Fatalf("open bus failed: %v", err)
	}
	defer func() {
		if err := mountBus.Close(); err != nil {
			log.Printf("closing bus failed: %v", err)
		}
	}()

	debug.Step(3, "Building motion controller")
	settings := motion.SettingsFromConfig(cfg)
	debug.PrintStruct("Rate band", settings.Band)
	ctl, err := motion.NewController(mountBus, settings)
	if err != nil {
		log.Fatalf("init controller failed: %v", err)
	}

	sched, err := scheduler.New(cfg.TickPeriod(), ctl)
	if err != nil {
		log.Fatalf("init scheduler failed: %v", err)
	}

	var collector *metrics.Collector
	if cfg.Web.Metrics {
		debug.Step(4, "Registering metrics")
		collector, err = metrics.NewCollector(nil)
		if err != nil {
			log.Fatalf("init metrics failed: %v", err)
		}
		ctl.AddObserver(collector)
		sched.AddListener(func(d time.Duration) {
			collector.ObserveTick(d)
			collector.SetPosition(ctl.Position())
		})
	}

	if cfg.Handset.Enabled {
		debug.Step(5, "Starting handset poller")
		poller, err := handset.New(gpioDriver, handsetPins(cfg), cfg.HandsetPoll(), ctl.HandsetHandler)
		if err != nil {
			log.Fatalf("init handset failed: %v", err)
		}
		go func() {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("handset: %v", err)
			}
		}()
	}

	var srv *web.Server
	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		srv = web.NewServer(webAddr, ctl, broadcaster, uiConfig(cfg, settings), metricsHTTP(collector))
		ctl.AddObserver(srv.Handlers())
	}

	debug.Section("Running")
	done := sched.Start(ctx)

	if srv != nil {
		if err := srv.Run(ctx); err != nil {
			log.Printf("web server: %v", err)
			cancel()
		}
	}

	<-done
	if err := ctl.ToggleAllStop(true); err != nil {
		log.Printf("stopping motors failed: %v", err)
	}
	debug.Section("Stopped")
}

// newBus opens the controller card selected by cfg.Bus.Type. g is required
// for the gpio bus only.
func newBus(cfg *config.Config, g gpio.Driver, now func() time.Time) (bus.Bus, error) {
	switch cfg.Bus.Type {
	case config.BusSim:
		return bus.NewSim(bus.SimConfig{
			StepClockHz: cfg.Mount.StepClockHz,
			HAMax:       int64(cfg.Mount.HAMaxSteps),
			DecMax:      int64(cfg.Mount.DecMaxSteps),
			StartHA:     cfg.Bus.SimStartHA,
			StartDec:    cfg.Bus.SimStartDec,
			Now:         now,
		}), nil
	case config.BusPort:
		p, err := bus.OpenPort(cfg.Bus.PortDevice, cfg.Bus.PortBase)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BusGPIO:
		if g == nil {
			return nil, fmt.Errorf("gpio bus needs a GPIO driver")
		}
		gb := cfg.GPIOBus
		b, err := bus.NewGPIO(g, bus.GPIOConfig{
			HA:  stepperConfig(gb.HAStepper),
			Dec: stepperConfig(gb.DecStepper),
			Limits: bus.LimitPins{
				North: gb.LimitPins.North,
				South: gb.LimitPins.South,
				East:  gb.LimitPins.East,
				West:  gb.LimitPins.West,
			},
			StepClockHz: cfg.Mount.StepClockHz,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", cfg.Bus.Type)
	}
}

func stepperConfig(s config.StepperConfig) stepper.Config {
	return stepper.Config{
		StepPin:   s.StepPin,
		DirPin:    s.DirPin,
		EnablePin: s.EnablePin,
		InvertDir: s.InvertDir,
	}
}

func handsetPins(cfg *config.Config) handset.Pins {
	return handset.Pins{
		North: cfg.Handset.North,
		South: cfg.Handset.South,
		East:  cfg.Handset.East,
		West:  cfg.Handset.West,
		Fast:  cfg.Handset.Fast,
	}
}

func uiConfig(cfg *config.Config, s motion.Settings) web.UIConfig {
	return web.UIConfig{
		HAMaxSteps:   cfg.Mount.HAMaxSteps,
		DecMaxSteps:  cfg.Mount.DecMaxSteps,
		FastestRate:  s.Band.Fastest,
		SlowestRate:  s.Band.Slowest,
		SiderealRate: s.SiderealRate,
	}
}

// metricsHTTP keeps a nil collector from becoming a non-nil interface.
func metricsHTTP(c *metrics.Collector) http.Handler {
	if c == nil {
		return nil
	}
	return c.Handler()
}

// applyOverrides mutates cfg with CLI overrides. An empty bus and a
// negative debug level mean "use config". The web port falls back to
// web.port when -web was not given.
func applyOverrides(cfg *config.Config, busType string, debugLevel int, webPort *webPortFlag) error {
	if busType != "" {
		switch busType {
		case config.BusSim, config.BusPort, config.BusGPIO:
			cfg.Bus.Type = busType
		default:
			return fmt.Errorf("bus must be one of sim, port, gpio; got %q", busType)
		}
	}
	if debugLevel >= 0 {
		if debugLevel > 4 {
			return fmt.Errorf("debug must be between 0 and 4, got %d", debugLevel)
		}
		cfg.Defaults.DebugLevel = debugLevel
	}
	if !webPort.set {
		if cfg.Web.Port < 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be 0-65535, got %d", cfg.Web.Port)
		}
		webPort.val = cfg.Web.Port
	}
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
	set         bool
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	w.set = true
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v < 0 || v > 65535 {
		return fmt.Errorf("port must be 0-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
