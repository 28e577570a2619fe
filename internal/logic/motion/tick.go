package motion

import (
	"fmt"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
)

// Tick runs one monitor period: refresh limits and positions, abort motion
// that runs into a limit, then advance the active move.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.unlock()
	c.ticks++
	if err := c.tick(); err != nil {
		debug.Error(err)
	}
}

func (c *Controller) tick() error {
	hard, err := c.limits.Hard()
	if err != nil {
		return err
	}
	if err := c.tracker.Update(c.hwDir); err != nil {
		return err
	}
	pos := c.tracker.Position()

	if rising := hard &^ c.lim.Hard; rising != 0 {
		debug.Limit("hard", rising)
		cal := c.limits.MaybeCalibrate(rising, pos, c.status)
		if cal.HA {
			c.tracker.ZeroHA()
			c.status |= StatusHAInit
			debug.Info("HA axis zeroed (was %d)", pos.HA)
		}
		if cal.Dec {
			c.tracker.ZeroDec()
			c.status |= StatusDecInit
			debug.Info("Dec axis zeroed (was %d)", pos.Dec)
		}
		pos = c.tracker.Position()
	}
	var soft Direction
	if c.status.Initialized() {
		soft = c.limits.Soft(pos)
	}
	if newly := soft &^ c.lim.Soft; newly != 0 {
		debug.Limit("soft", newly)
	}
	c.lim = Limits{Hard: hard, Soft: soft}

	if stopped, err := c.enforceLimits(); stopped || err != nil {
		return err
	}

	switch m := c.mode.(type) {
	case idleMode:
		return nil
	case *gotoMove:
		return c.checkGoto(m, pos)
	case *cardinalMove:
		return c.checkCardinal(m, pos)
	case *trackingMove:
		return c.checkTracking(m, pos)
	default:
		return fmt.Errorf("motion: unknown mode %T", m)
	}
}

// enforceLimits stops motion heading into an active limit, without ramping.
// A hard limit raises LimitError; a soft limit hit while tracking engages
// all-stop, and anywhere else raises LimitError.
func (c *Controller) enforceLimits() (bool, error) {
	dir := c.hwDir
	if m, ok := c.mode.(*cardinalMove); ok && m.homing {
		dir &^= West | North // homing runs onto the zero switches on purpose
	}
	if dir == 0 {
		return false, nil
	}
	if hit := dir & c.lim.Hard; hit != 0 {
		c.trips = append(c.trips, trip{kind: "hard", dir: hit})
		return true, c.abort(hit)
	}
	hit := dir & c.lim.Soft
	if hit == 0 {
		return false, nil
	}
	c.trips = append(c.trips, trip{kind: "soft", dir: hit})
	if _, ok := c.mode.(*trackingMove); ok {
		debug.Info("Soft limit %v while tracking", hit)
		return true, c.setAllStop(true)
	}
	return true, c.abort(hit)
}

func (c *Controller) abort(hit Direction) error {
	debug.Info("LIMIT %v: %s aborted at %+v", hit, c.mode.modeName(), c.tracker.Position())
	c.mode = idleMode{}
	c.status = c.status&^(StatusGoto|StatusCardinal|StatusTracking) | StatusLimitError
	return c.drive(0, 0)
}

// drive stops the motors, books the steps taken so far, and restarts them in
// dir at rate. A zero dir leaves them stopped.
func (c *Controller) drive(dir Direction, rate uint16) error {
	if err := c.bus.WriteControl(bus.ControlTrackDisable); err != nil {
		return fmt.Errorf("stop motors: %w", err)
	}
	if err := c.tracker.UpdateAndReset(c.hwDir, bus.CounterReload); err != nil {
		return err
	}
	c.hwDir, c.hwRate = 0, 0
	if dir == 0 {
		debug.Live("Motors stopped")
		return nil
	}
	if err := c.bus.WriteRate(rate); err != nil {
		return fmt.Errorf("write rate: %w", err)
	}
	if err := c.bus.WriteControl(uint8(dir) | bus.ControlTrackDisable); err != nil {
		return fmt.Errorf("write direction: %w", err)
	}
	c.hwDir, c.hwRate = dir, rate
	debug.Move(c.mode.modeName(), dir, rate)
	return nil
}

// setRate changes the speed of a running move.
func (c *Controller) setRate(rate uint16) error {
	if rate == c.hwRate || c.hwDir == 0 {
		return nil
	}
	if err := c.bus.WriteRate(rate); err != nil {
		return fmt.Errorf("write rate: %w", err)
	}
	c.hwRate = rate
	debug.Verbose("Rate %d", rate)
	return nil
}

// halt stops the motors on a best-effort basis after a failed start.
func (c *Controller) halt() {
	if err := c.bus.WriteControl(bus.ControlTrackDisable); err != nil {
		debug.Error(err)
	}
	if err := c.tracker.UpdateAndReset(c.hwDir, bus.CounterReload); err != nil {
		debug.Error(err)
	}
	c.hwDir, c.hwRate = 0, 0
}
