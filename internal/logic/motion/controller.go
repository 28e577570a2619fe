package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/config"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/logic/geometry"
)

// Command errors. A command that fails leaves the controller unchanged.
var (
	ErrAllStop        = errors.New("motion: all-stop engaged")
	ErrNotInitialized = errors.New("motion: axis not initialized")
	ErrBusy           = errors.New("motion: already moving")
	ErrInvalidTarget  = errors.New("motion: invalid target")
	ErrAtTarget       = errors.New("motion: already at target")
	ErrLimit          = errors.New("motion: blocked by limit")
	ErrOrdering       = errors.New("motion: no safe goto ordering")
)

// Settings holds the controller's tuning, all rates in register units and
// all distances in steps.
type Settings struct {
	Band            RateBand
	SiderealRate    uint16
	GuideRate       uint16
	InitRate        uint16
	HandsetFast     uint16
	HandsetSlow     uint16
	SiderealPerTick float64 // HA steps the sky drifts West per tick
	ClockPerTick    float64 // step clock pulses per tick

	HAMax             int32
	DecMax            int32
	AxisTolerance     int32
	FlopThreshold     int32
	SlowdownSteps     int32
	CalibrationWindow int32
	TrackingTolerance int32

	Table geometry.LimitTable
}

// SettingsFromConfig derives controller settings and builds the altitude
// limit table.
func SettingsFromConfig(cfg *config.Config) Settings {
	m := geometry.NewMount(cfg)
	return Settings{
		Band:              RateBand{Fastest: cfg.Rates.Fastest, Slowest: cfg.Rates.Slowest},
		SiderealRate:      cfg.SiderealRate(),
		GuideRate:         cfg.GuideRate(),
		InitRate:          cfg.Rates.Init,
		HandsetFast:       cfg.Rates.HandsetFast,
		HandsetSlow:       cfg.Rates.HandsetSlow,
		SiderealPerTick:   cfg.SiderealStepsPerTick(),
		ClockPerTick:      cfg.ClockPerTick(),
		HAMax:             cfg.Mount.HAMaxSteps,
		DecMax:            cfg.Mount.DecMaxSteps,
		AxisTolerance:     cfg.Limits.AxisTolerance,
		FlopThreshold:     cfg.Limits.FlopThreshold,
		SlowdownSteps:     cfg.Limits.SlowdownSteps,
		CalibrationWindow: cfg.Limits.CalibrationWindow,
		TrackingTolerance: cfg.Limits.TrackingTolerance,
		Table:             geometry.BuildLimitTable(m, cfg.Limits.AltitudeDeg, cfg.Limits.RowSteps, cfg.Mount.DecMaxSteps),
	}
}

// Controller is the mount state machine. Command methods and Tick serialize
// on one lock; only Tick reacts to limits and drives ramps.
type Controller struct {
	bus     bus.Bus
	tracker *Tracker
	limits  *LimitMonitor
	policy  *Policy
	set     Settings

	mu        sync.RWMutex
	status    Status
	mode      moveMode
	lim       Limits
	hwDir     Direction
	hwRate    uint16
	trackRate uint16
	ticks     uint64
	latched   bool // handset chord held, ignore buttons until released

	published Status
	trips     []trip
	observers []Observer
	changed   chan struct{} // closed and replaced on every status change
}

type trip struct {
	kind string
	dir  Direction
}

// NewController creates a controller with every flag clear and both axes
// uncalibrated. The motors are stopped.
func NewController(b bus.Bus, s Settings) (*Controller, error) {
	tr, err := NewTracker(b)
	if err != nil {
		return nil, err
	}
	if err := b.WriteControl(bus.ControlTrackDisable); err != nil {
		return nil, fmt.Errorf("stop motors: %w", err)
	}
	lm := NewLimitMonitor(b, s.Table, s.CalibrationWindow)
	c := &Controller{
		bus:     b,
		tracker: tr,
		limits:  lm,
		policy: &Policy{
			HAMax:     s.HAMax,
			DecMax:    s.DecMax,
			Tolerance: s.AxisTolerance,
			Flop:      s.FlopThreshold,
			limits:    lm,
		},
		set:       s,
		mode:      idleMode{},
		trackRate: s.SiderealRate,
		changed:   make(chan struct{}),
	}
	debug.Verbose("Motion settings: rates %d-%d, sidereal %d, guide %d, limit table rows %d-%d",
		s.Band.Fastest, s.Band.Slowest, s.SiderealRate, s.GuideRate, s.Table.FirstRow, s.Table.EndRow())
	return c, nil
}

// AddObserver registers o for status changes and limit trips.
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// unlock releases the write lock and then publishes what changed under it.
func (c *Controller) unlock() {
	st := c.status
	changed := st != c.published
	c.published = st
	trips := c.trips
	c.trips = nil
	obs := c.observers
	if changed {
		close(c.changed)
		c.changed = make(chan struct{})
	}
	c.mu.Unlock()

	if changed {
		for _, o := range obs {
			o.StatusChanged(st)
		}
	}
	for _, t := range trips {
		for _, o := range obs {
			o.LimitTripped(t.kind, t.dir)
		}
	}
}

// Status returns the status byte.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// WaitStatus blocks until the next status change, then returns the current
// status. Every waiter is woken by the same change.
func (c *Controller) WaitStatus(ctx context.Context) (Status, error) {
	c.mu.RLock()
	ch := c.changed
	c.mu.RUnlock()
	select {
	case <-ch:
		return c.Status(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Position returns the axis positions without waiting for the controller
// lock.
func (c *Controller) Position() Position {
	return c.tracker.Position()
}

// Limits returns the limit masks seen by the last tick.
func (c *Controller) Limits() Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lim
}

// Snapshot is a consistent view of the controller for status reporting.
type Snapshot struct {
	Status    Status    `json:"status"`
	Flags     string    `json:"flags"`
	Mode      string    `json:"mode"`
	Position  Position  `json:"position"`
	Limits    Limits    `json:"limits"`
	Direction Direction `json:"direction"`
	Rate      uint16    `json:"rate"`
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Status:    c.status,
		Flags:     c.status.String(),
		Mode:      c.mode.modeName(),
		Position:  c.tracker.Position(),
		Limits:    c.lim,
		Direction: c.hwDir,
		Rate:      c.hwRate,
	}
}

// StartGoto slews to target. maxRate is clamped into the operational band.
func (c *Controller) StartGoto(target Position, maxRate uint16) error {
	c.mu.Lock()
	defer c.unlock()

	switch st := c.status; {
	case st.Has(StatusAllStop):
		return ErrAllStop
	case !st.Initialized():
		return ErrNotInitialized
	case st.Moving():
		return ErrBusy
	}
	if !c.policy.InRange(target) {
		return fmt.Errorf("%w: %+v outside travel", ErrInvalidTarget, target)
	}
	if !c.policy.Reachable(target) {
		return fmt.Errorf("%w: %+v is below the altitude limit", ErrLimit, target)
	}
	pos := c.tracker.Position()
	dir := DirectionTo(target, pos, c.set.AxisTolerance)
	if dir == 0 {
		return ErrAtTarget
	}
	if blocked := dir & c.lim.All(); blocked != 0 {
		return fmt.Errorf("%w: %v", ErrLimit, blocked)
	}
	order, err := c.policy.Ordering(target, pos)
	if err != nil {
		debug.Error(err)
		return err
	}

	first := order.Sequence(dir)
	prev := c.mode
	c.mode = &gotoMove{
		target:    target,
		order:     order,
		dir:       first,
		requested: c.set.Band.Clamp(maxRate),
		current:   c.set.Band.Slowest,
		startTick: c.ticks,
	}
	if err := c.drive(first, c.set.Band.Slowest); err != nil {
		c.mode = prev
		c.halt()
		return err
	}
	c.status = c.status&^StatusLimitError | StatusGoto
	debug.Info("Goto %+v from %+v (%s)", target, pos, order)
	return nil
}

// CancelGoto asks a goto to ramp down and stop. It does nothing outside a
// goto.
func (c *Controller) CancelGoto() {
	c.mu.Lock()
	defer c.unlock()
	if m, ok := c.mode.(*gotoMove); ok && !m.cancelled {
		m.cancelled = true
		debug.Info("Goto cancelled")
	}
}

// StartCardinal starts or redirects a programmatic cardinal move. A zero
// dir on a running move brings it to a stop.
func (c *Controller) StartCardinal(dir Direction, rate uint16) error {
	c.mu.Lock()
	defer c.unlock()
	return c.startCardinal(dir, rate, false)
}

func (c *Controller) startCardinal(dir Direction, rate uint16, handset bool) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: direction %v", ErrInvalidTarget, dir)
	}
	if c.status.Has(StatusAllStop) {
		return ErrAllStop
	}
	if m, ok := c.mode.(*cardinalMove); ok {
		if m.handset != handset || m.homing {
			return ErrBusy
		}
		if blocked := dir & c.lim.All(); blocked != 0 {
			return fmt.Errorf("%w: %v", ErrLimit, blocked)
		}
		m.requestedDir = dir
		m.requested = c.set.Band.Clamp(rate)
		return nil
	}
	switch {
	case c.status.Moving():
		return ErrBusy
	case !c.status.Initialized():
		return ErrNotInitialized
	case dir == 0:
		return fmt.Errorf("%w: no direction", ErrInvalidTarget)
	}
	if blocked := dir & c.lim.All(); blocked != 0 {
		return fmt.Errorf("%w: %v", ErrLimit, blocked)
	}

	prev := c.mode
	c.mode = &cardinalMove{
		dir:          dir,
		requestedDir: dir,
		requested:    c.set.Band.Clamp(rate),
		current:      c.set.Band.Slowest,
		handset:      handset,
		trackBaseHA:  c.tracker.Position().HA,
		startTick:    c.ticks,
	}
	if err := c.drive(dir, c.set.Band.Slowest); err != nil {
		c.mode = prev
		c.halt()
		return err
	}
	c.status = c.status&^StatusLimitError | StatusCardinal
	return nil
}

// EndCardinal lets a programmatic cardinal move ramp down and stop. Handset
// moves end when the buttons are released.
func (c *Controller) EndCardinal() {
	c.mu.Lock()
	defer c.unlock()
	if m, ok := c.mode.(*cardinalMove); ok && !m.handset && !m.homing {
		m.requestedDir = 0
	}
}

// StartInit drives every uncalibrated axis toward its zero switch, HA West
// and Dec North, at the init rate.
func (c *Controller) StartInit() error {
	c.mu.Lock()
	defer c.unlock()

	switch {
	case c.status.Has(StatusAllStop):
		return ErrAllStop
	case c.status.Moving():
		return ErrBusy
	}
	var dir Direction
	if !c.status.Has(StatusHAInit) {
		dir |= West
	}
	if !c.status.Has(StatusDecInit) {
		dir |= North
	}
	if dir == 0 {
		debug.Info("Both axes already initialized")
		return nil
	}
	prev := c.mode
	c.mode = &cardinalMove{
		dir:          dir,
		requestedDir: dir,
		requested:    c.set.InitRate,
		current:      c.set.InitRate,
		homing:       true,
		trackBaseHA:  c.tracker.Position().HA,
		startTick:    c.ticks,
	}
	if err := c.drive(dir, c.set.InitRate); err != nil {
		c.mode = prev
		c.halt()
		return err
	}
	c.status = c.status&^StatusLimitError | StatusCardinal
	debug.Info("Homing %v", dir)
	return nil
}

// ToggleTracking turns sidereal tracking on or off. During a goto or
// cardinal move only the flag changes; tracking resumes when the move ends.
func (c *Controller) ToggleTracking(on bool) error {
	c.mu.Lock()
	defer c.unlock()
	return c.setTracking(on)
}

// SetTracking turns tracking on at rate, or off when rate is 0.
func (c *Controller) SetTracking(rate uint16) error {
	c.mu.Lock()
	defer c.unlock()
	if rate == 0 {
		return c.setTracking(false)
	}
	prev := c.trackRate
	c.trackRate = rate
	if err := c.setTracking(true); err != nil {
		c.trackRate = prev
		return err
	}
	return nil
}

func (c *Controller) setTracking(on bool) error {
	switch {
	case c.status.Has(StatusAllStop):
		return ErrAllStop
	case !c.status.Has(StatusHAInit):
		return ErrNotInitialized
	}
	if on == c.status.Has(StatusTracking) {
		return nil
	}
	if !on {
		c.status &^= StatusTracking
		if _, ok := c.mode.(*trackingMove); ok {
			c.mode = idleMode{}
			if err := c.drive(0, 0); err != nil {
				return err
			}
		}
		debug.Info("Tracking off")
		return nil
	}
	if !c.status.Moving() {
		if err := c.startTracking(0); err != nil {
			return err
		}
	}
	c.status |= StatusTracking
	debug.Info("Tracking on (rate %d)", c.trackRate)
	return nil
}

// AdjustTracking nudges the tracked pointing by the given steps, East and
// South positive. It reports whether the offset was accepted: the mount must
// be tracking and not moving, and one offset must exceed the tolerance.
func (c *Controller) AdjustTracking(ha, dec int32) bool {
	c.mu.Lock()
	defer c.unlock()
	m, ok := c.mode.(*trackingMove)
	if !ok || c.status.Moving() {
		return false
	}
	tol := c.set.TrackingTolerance
	if abs32(ha) <= tol && abs32(dec) <= tol {
		return false
	}
	m.haAdjust += ha
	m.decAdjust += dec
	debug.Verbose("Tracking adjust HA %+d Dec %+d", ha, dec)
	return true
}

// ToggleAllStop engages or releases the emergency stop. Engaging it stops
// the motors at once and cancels every move and tracking. Releasing it also
// clears a pending limit error.
func (c *Controller) ToggleAllStop(on bool) error {
	c.mu.Lock()
	defer c.unlock()
	return c.setAllStop(on)
}

func (c *Controller) setAllStop(on bool) error {
	if !on {
		c.status &^= StatusAllStop | StatusLimitError
		debug.Info("All-stop released")
		return nil
	}
	c.mode = idleMode{}
	c.status = c.status&^(StatusGoto|StatusCardinal|StatusTracking) | StatusAllStop
	debug.Info("ALL-STOP")
	return c.drive(0, 0)
}
