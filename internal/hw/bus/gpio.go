package bus

import (
	"context"
	"sync"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/gpio"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/stepper"
)

// LimitPins maps the four limit switches to GPIO inputs. Switches are
// normally open to ground with the internal pull-up enabled, so a closed
// switch reads LOW.
type LimitPins struct {
	North, South, East, West int
}

// GPIOConfig configures a card-less setup where the Pi drives two
// step/dir drivers directly.
type GPIOConfig struct {
	HA, Dec     stepper.Config
	Limits      LimitPins
	StepClockHz float64
}

// GPIOBus emulates the controller card registers on top of GPIO.
type GPIOBus struct {
	gpio   gpio.Driver
	gen    *stepper.Generator
	limits LimitPins

	mu      sync.Mutex
	rate    uint16
	control uint8
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewGPIO sets up pins and starts the pulse generator goroutine.
func NewGPIO(g gpio.Driver, cfg GPIOConfig) (*GPIOBus, error) {
	for _, pin := range []int{cfg.Limits.North, cfg.Limits.South, cfg.Limits.East, cfg.Limits.West} {
		if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
			return nil, err
		}
	}
	gen := stepper.NewGenerator(stepper.NewAxis(g, cfg.HA), stepper.NewAxis(g, cfg.Dec), cfg.StepClockHz)

	ctx, cancel := context.WithCancel(context.Background())
	b := &GPIOBus{
		gpio:    g,
		gen:     gen,
		limits:  cfg.Limits,
		control: ControlTrackDisable,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		_ = gen.Run(ctx)
	}()
	debug.Info("Using GPIO pulse generator at %.0f Hz clock", cfg.StepClockHz)
	return b, nil
}

func (b *GPIOBus) apply() {
	b.gen.Set(b.rate, b.control&ControlDirMask, b.control&ControlPowerOff == 0)
}

func (b *GPIOBus) WriteRate(rate uint16) error {
	debug.Register("write", "rate", rate)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = rate
	b.apply()
	return nil
}

func (b *GPIOBus) WriteControl(control uint8) error {
	debug.Register("write", "control", control)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.control = control
	b.apply()
	return nil
}

func (b *GPIOBus) ReadLimits() (uint8, error) {
	var l uint8
	for _, sw := range []struct {
		pin int
		bit uint8
	}{
		{b.limits.North, North},
		{b.limits.South, South},
		{b.limits.East, East},
		{b.limits.West, West},
	} {
		level, err := b.gpio.ReadPin(sw.pin)
		if err != nil {
			return 0, err
		}
		if level == gpio.Low {
			l |= sw.bit
		}
	}
	return l, nil
}

func (b *GPIOBus) ReadCounter() (uint32, error) {
	return b.gen.Counter(), nil
}

func (b *GPIOBus) ResetCounter(value uint32) error {
	b.gen.ResetCounter(value)
	return nil
}

// Close stops the generator and disables both drivers.
func (b *GPIOBus) Close() error {
	b.mu.Lock()
	b.rate = 0
	b.control = ControlPowerOff
	b.apply()
	b.mu.Unlock()
	b.cancel()
	<-b.done
	return nil
}
