// Package handset samples the hand paddle buttons wired to GPIO inputs.
//
// Buttons pull their pin to ground, so a pressed button reads LOW. The
// sampled state is a byte using the controller's compass bits plus Fast.
package handset

import (
	"context"
	"fmt"
	"time"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/gpio"
)

// Fast is the button bit for the speed modifier.
const Fast uint8 = 0x10

// Pins maps each button to its BCM pin.
type Pins struct {
	North int
	South int
	East  int
	West  int
	Fast  int
}

// HandlerFunc receives the previous and new button state on every change.
type HandlerFunc func(prev, next uint8)

type button struct {
	pin int
	bit uint8
}

// Poller samples the buttons at a fixed period and reports debounced
// changes. A change must read the same on two consecutive samples.
type Poller struct {
	driver  gpio.Driver
	buttons []button
	period  time.Duration
	handler HandlerFunc

	state   uint8 // last reported state
	pending uint8 // last raw sample
}

// New configures the button pins as pulled-up inputs.
func New(driver gpio.Driver, pins Pins, period time.Duration, handler HandlerFunc) (*Poller, error) {
	if period <= 0 {
		return nil, fmt.Errorf("handset: poll period must be positive, got %v", period)
	}
	p := &Poller{
		driver: driver,
		buttons: []button{
			{pins.North, bus.North},
			{pins.South, bus.South},
			{pins.East, bus.East},
			{pins.West, bus.West},
			{pins.Fast, Fast},
		},
		period:  period,
		handler: handler,
	}
	for _, b := range p.buttons {
		if err := driver.SetupPin(b.pin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("handset: setup pin %d: %w", b.pin, err)
		}
	}
	debug.Verbose("Handset on pins N=%d S=%d E=%d W=%d Fast=%d, polling every %v",
		pins.North, pins.South, pins.East, pins.West, pins.Fast, period)
	return p, nil
}

// Sample reads the raw button state.
func (p *Poller) Sample() (uint8, error) {
	var s uint8
	for _, b := range p.buttons {
		level, err := p.driver.ReadPin(b.pin)
		if err != nil {
			return 0, fmt.Errorf("handset: read pin %d: %w", b.pin, err)
		}
		if level == gpio.Low {
			s |= b.bit
		}
	}
	return s, nil
}

// Poll takes one sample and calls the handler if the debounced state
// changed.
func (p *Poller) Poll() error {
	s, err := p.Sample()
	if err != nil {
		return err
	}
	stable := s == p.pending
	p.pending = s
	if !stable || s == p.state {
		return nil
	}
	prev := p.state
	p.state = s
	debug.Trace("Handset %02x -> %02x", prev, s)
	if p.handler != nil {
		p.handler(prev, s)
	}
	return nil
}

// State returns the last reported state.
func (p *Poller) State() uint8 { return p.state }

// Run polls until ctx is cancelled. Read errors are logged and polling
// continues.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Poll(); err != nil {
				debug.Error(err)
			}
		}
	}
}
