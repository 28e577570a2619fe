package motion

import (
	"math"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
)

// moveMode is the active motion intent. Exactly one is installed at a time
// and Tick switches on its concrete type.
type moveMode interface {
	modeName() string
}

type idleMode struct{}

func (idleMode) modeName() string { return "idle" }

// gotoMove slews to an absolute target.
type gotoMove struct {
	target    Position
	order     Ordering
	dir       Direction
	requested uint16
	current   uint16
	cancelled bool
	startTick uint64
}

func (*gotoMove) modeName() string { return "goto" }

// cardinalMove runs in a fixed direction until told to stop. Homing is a
// cardinal move onto the zero switches.
type cardinalMove struct {
	dir          Direction
	requestedDir Direction
	requested    uint16
	current      uint16
	handset      bool
	homing       bool
	trackBaseHA  int32
	startTick    uint64
}

func (m *cardinalMove) modeName() string {
	if m.homing {
		return "init"
	}
	return "cardinal"
}

// trackingMove follows the sky West at the tracking rate and works off
// pointing offsets at the guide rate.
type trackingMove struct {
	haAdjust  int32
	decAdjust int32
	lastHA    int32
	lastDec   int32
	haCorr    bool // an HA offset is being worked off
	decCorr   bool
	drift     float64 // fractional sidereal steps carried between ticks
}

func (*trackingMove) modeName() string { return "tracking" }

// siderealDrift is the whole number of HA steps the sky has moved West
// since tick start.
func (c *Controller) siderealDrift(start uint64) int32 {
	return int32(math.Round(float64(c.ticks-start) * c.set.SiderealPerTick))
}

func (c *Controller) checkGoto(m *gotoMove, pos Position) error {
	band := c.set.Band
	if m.cancelled {
		if band.AtFloor(m.current) {
			return c.finishGoto()
		}
		m.current = band.Ramp(m.current, band.Slowest)
		return c.setRate(m.current)
	}

	target := m.target
	if c.status.Has(StatusTracking) {
		target.HA -= c.siderealDrift(m.startTick)
	}
	want := DirectionTo(target, pos, c.set.AxisTolerance)
	if rev := reversed(m.dir, want); rev != 0 && NearTarget(rev, target, pos, c.set.FlopThreshold) {
		want &^= rev
	}
	want = m.order.Sequence(want)

	if want != m.dir {
		if !band.AtFloor(m.current) {
			m.current = band.Ramp(m.current, band.Slowest)
			return c.setRate(m.current)
		}
		if want == 0 {
			return c.finishGoto()
		}
		m.dir = want
		return c.drive(want, m.current)
	}

	req := m.requested
	brake := c.brakingDistance(m.current)
	if (m.dir.HA() != 0 && abs32(target.HA-pos.HA) <= brake) ||
		(m.dir.Dec() != 0 && abs32(target.Dec-pos.Dec) <= brake) {
		req = band.Slowest
	}
	m.current = band.Ramp(m.current, req)
	return c.setRate(m.current)
}

// brakingDistance bounds the steps needed to ramp from rate down to the
// floor. Each tick covers 3/4 of the previous one, so the ramp adds up to
// four ticks at the current speed; one more covers the tick in flight.
func (c *Controller) brakingDistance(rate uint16) int32 {
	if rate == 0 {
		return c.set.SlowdownSteps
	}
	return int32(5*c.set.ClockPerTick/float64(rate)) + c.set.SlowdownSteps
}

// reversed returns the axes of want that point against cur.
func reversed(cur, want Direction) Direction {
	var r Direction
	if cur.HA() != 0 && want.HA() != 0 && cur.HA() != want.HA() {
		r |= want.HA()
	}
	if cur.Dec() != 0 && want.Dec() != 0 && cur.Dec() != want.Dec() {
		r |= want.Dec()
	}
	return r
}

func (c *Controller) finishGoto() error {
	c.mode = idleMode{}
	c.status &^= StatusGoto
	if err := c.drive(0, 0); err != nil {
		return err
	}
	debug.Info("Goto done at %+v", c.tracker.Position())
	return c.resumeTracking(0)
}

func (c *Controller) checkCardinal(m *cardinalMove, pos Position) error {
	band := c.set.Band
	if m.homing {
		rest := m.dir
		if c.status.Has(StatusHAInit) {
			rest &^= HAMask
		}
		if c.status.Has(StatusDecInit) {
			rest &^= DecMask
		}
		switch {
		case rest == 0:
			return c.finishCardinal(m)
		case rest != m.dir:
			m.dir, m.requestedDir = rest, rest
			return c.drive(rest, m.current)
		}
		return nil
	}

	if m.requestedDir != m.dir {
		if !band.AtFloor(m.current) {
			m.current = band.Ramp(m.current, band.Slowest)
			return c.setRate(m.current)
		}
		if m.requestedDir&c.lim.All() != 0 {
			debug.Live("Cardinal redirect %v blocked by limits %v, stopping", m.requestedDir, c.lim.All())
			m.requestedDir = 0
		}
		if m.requestedDir == 0 {
			return c.finishCardinal(m)
		}
		m.dir = m.requestedDir
		return c.drive(m.dir, m.current)
	}
	m.current = band.Ramp(m.current, m.requested)
	return c.setRate(m.current)
}

// finishCardinal stops the move and resumes tracking. A move that never
// drove HA left the sky drifting unattended, so tracking starts with that
// drift as a pending westward offset.
func (c *Controller) finishCardinal(m *cardinalMove) error {
	c.mode = idleMode{}
	c.status &^= StatusCardinal
	if err := c.drive(0, 0); err != nil {
		return err
	}
	debug.Live("Cardinal move done at %+v", c.tracker.Position())
	var catchUp int32
	if !m.homing && c.tracker.Position().HA == m.trackBaseHA {
		catchUp = -c.siderealDrift(m.startTick)
	}
	return c.resumeTracking(catchUp)
}

func (c *Controller) resumeTracking(haAdjust int32) error {
	if !c.status.Has(StatusTracking) {
		return nil
	}
	if err := c.startTracking(haAdjust); err != nil {
		c.status &^= StatusTracking
		return err
	}
	return nil
}

func (c *Controller) startTracking(haAdjust int32) error {
	pos := c.tracker.Position()
	m := &trackingMove{
		haAdjust: haAdjust,
		lastHA:   pos.HA,
		lastDec:  pos.Dec,
	}
	m.settle(c.set.TrackingTolerance)
	dir, rate := c.trackingDrive(m)
	prev := c.mode
	c.mode = m
	if err := c.drive(dir, rate); err != nil {
		c.mode = prev
		return err
	}
	return nil
}

// settle starts working off an offset once it exceeds tol, and drops what is
// left once it is back within tol.
func (m *trackingMove) settle(tol int32) {
	m.haAdjust, m.haCorr = settleAxis(m.haAdjust, m.haCorr, tol)
	m.decAdjust, m.decCorr = settleAxis(m.decAdjust, m.decCorr, tol)
}

func settleAxis(adj int32, correcting bool, tol int32) (int32, bool) {
	switch {
	case abs32(adj) > tol:
		return adj, true
	case correcting:
		return 0, false
	}
	return adj, false
}

// trackingDrive picks the motor command for the pending offsets: sidereal
// West when there is nothing to correct, otherwise the guide rate with HA
// held for an eastward offset.
func (c *Controller) trackingDrive(m *trackingMove) (Direction, uint16) {
	var dir Direction
	if !m.haCorr || m.haAdjust < 0 {
		dir = West
	}
	if m.decCorr {
		if m.decAdjust > 0 {
			dir |= South
		} else {
			dir |= North
		}
	}
	if dir == West && !m.haCorr {
		return dir, c.trackRate
	}
	return dir, c.set.GuideRate
}

func (c *Controller) checkTracking(m *trackingMove, pos Position) error {
	m.drift += c.set.SiderealPerTick
	expected := int32(m.drift)
	m.drift -= float64(expected)

	m.haAdjust -= pos.HA - m.lastHA + expected
	m.decAdjust -= pos.Dec - m.lastDec
	m.lastHA, m.lastDec = pos.HA, pos.Dec
	m.settle(c.set.TrackingTolerance)

	dir, rate := c.trackingDrive(m)
	if dir == c.hwDir && (dir == 0 || rate == c.hwRate) {
		return nil
	}
	debug.Verbose("Tracking offsets HA %d Dec %d", m.haAdjust, m.decAdjust)
	return c.drive(dir, rate)
}
