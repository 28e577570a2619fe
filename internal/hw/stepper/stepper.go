package stepper

import (
	"context"
	"sync"
	"time"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/gpio"
)

// Config holds the pins of one axis driver.
type Config struct {
	StepPin   int
	DirPin    int
	EnablePin int  // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	InvertDir bool // swap the DIR level for the positive direction
}

// Axis drives one A4988-style step/dir driver.
type Axis struct {
	gpio gpio.Driver
	cfg  Config
}

// NewAxis sets up the pins of an axis driver and enables it.
func NewAxis(g gpio.Driver, cfg Config) *Axis {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low)
	}
	return &Axis{gpio: g, cfg: cfg}
}

// SetDirection sets the DIR pin. Positive is East for HA, South for Dec.
func (a *Axis) SetDirection(positive bool) error {
	level := gpio.Level(positive != a.cfg.InvertDir)
	return a.gpio.WritePin(a.cfg.DirPin, level)
}

func (a *Axis) stepHigh() error { return a.gpio.WritePin(a.cfg.StepPin, gpio.High) }
func (a *Axis) stepLow() error  { return a.gpio.WritePin(a.cfg.StepPin, gpio.Low) }

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (a *Axis) Enable() error {
	if a.cfg.EnablePin <= 0 {
		return nil
	}
	return a.gpio.WritePin(a.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel.
func (a *Axis) Disable() error {
	if a.cfg.EnablePin <= 0 {
		return nil
	}
	return a.gpio.WritePin(a.cfg.EnablePin, gpio.High)
}

// Compass bits, matching the controller card's direction nibble.
const (
	dirNorth uint8 = 0x01
	dirSouth uint8 = 0x02
	dirEast  uint8 = 0x04
	dirWest  uint8 = 0x08
)

// Generator emulates the controller card's pulse engine in software: it
// emits step pulses on the HA and Dec drivers at the commanded rate and
// counts them down on a 24-bit counter.
type Generator struct {
	ha, dec *Axis
	clockHz float64
	sleep   func(time.Duration)

	mu      sync.Mutex
	rate    uint16
	dir     uint8
	powered bool
	counter uint32
	wake    chan struct{}
}

// NewGenerator creates a pulse generator. Step frequency is clockHz/rate.
func NewGenerator(ha, dec *Axis, clockHz float64) *Generator {
	return &Generator{
		ha:      ha,
		dec:     dec,
		clockHz: clockHz,
		sleep:   time.Sleep,
		powered: true,
		counter: 0xFFFFFF,
		wake:    make(chan struct{}, 1),
	}
}

// Set updates the commanded rate, direction and power state.
func (g *Generator) Set(rate uint16, dir uint8, powered bool) {
	g.mu.Lock()
	changedPower := powered != g.powered
	g.rate, g.dir, g.powered = rate, dir&0x0F, powered
	g.mu.Unlock()

	if changedPower {
		for _, a := range []*Axis{g.ha, g.dec} {
			if powered {
				_ = a.Enable()
			} else {
				_ = a.Disable()
			}
		}
	}
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Counter returns the 24-bit down counter.
func (g *Generator) Counter() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}

// ResetCounter reloads the down counter.
func (g *Generator) ResetCounter(v uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter = v & 0xFFFFFF
}

// period returns the full step period for rate, or 0 when idle.
func (g *Generator) period() (time.Duration, uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rate == 0 || g.dir == 0 || !g.powered {
		return 0, 0
	}
	return time.Duration(float64(time.Second) * float64(g.rate) / g.clockHz), g.dir
}

// Step emits one pulse on every axis named in the direction bits. It
// returns false when the generator is idle.
func (g *Generator) Step() (bool, error) {
	period, dir := g.period()
	if period == 0 {
		return false, nil
	}

	var axes []*Axis
	if dir&(dirEast|dirWest) != 0 {
		if err := g.ha.SetDirection(dir&dirEast != 0); err != nil {
			return false, err
		}
		axes = append(axes, g.ha)
	}
	if dir&(dirNorth|dirSouth) != 0 {
		if err := g.dec.SetDirection(dir&dirSouth != 0); err != nil {
			return false, err
		}
		axes = append(axes, g.dec)
	}

	for _, a := range axes {
		if err := a.stepHigh(); err != nil {
			return false, err
		}
	}
	g.sleep(period / 2)
	for _, a := range axes {
		if err := a.stepLow(); err != nil {
			return false, err
		}
	}
	g.sleep(period - period/2)

	g.mu.Lock()
	g.counter = (g.counter - 1) & 0xFFFFFF
	g.mu.Unlock()
	return true, nil
}

// Run emits pulses until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	for {
		stepped, err := g.Step()
		if err != nil {
			debug.Error(err)
			return err
		}
		if stepped {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.wake:
		}
	}
}
