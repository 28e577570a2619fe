package motion

import (
	"fmt"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
	"github.com/PierreVH2/ACTSoftware-sub002/internal/logic/geometry"
)

// Limits holds the hard (switch) and soft (altitude) limit masks. A set bit
// means motion in that direction is blocked.
type Limits struct {
	Hard Direction `json:"hard"`
	Soft Direction `json:"soft"`
}

// All returns the combined mask.
func (l Limits) All() Direction { return l.Hard | l.Soft }

// LimitMonitor reads the limit switches and evaluates the altitude limit
// table.
type LimitMonitor struct {
	bus    bus.Bus
	table  geometry.LimitTable
	window int32
}

// NewLimitMonitor creates a monitor. window is the distance from zero within
// which an already calibrated axis accepts a new zero switch hit.
func NewLimitMonitor(b bus.Bus, table geometry.LimitTable, window int32) *LimitMonitor {
	return &LimitMonitor{bus: b, table: table, window: window}
}

// Hard reads the switch register.
func (m *LimitMonitor) Hard() (Direction, error) {
	v, err := m.bus.ReadLimits()
	if err != nil {
		return 0, fmt.Errorf("read limit switches: %w", err)
	}
	return Direction(v) & AllDirs, nil
}

// Soft returns the directions that would take pos further past the altitude
// limit. Rows north of the table never reach the limit; rows at or past its
// end are below the limit everywhere. Past either crossing, South is blocked
// as well since the bands narrow southward.
func (m *LimitMonitor) Soft(pos Position) Direction {
	t := m.table
	row := t.Row(pos.Dec)
	if row < t.FirstRow {
		return 0
	}
	if row >= t.EndRow() {
		return AllDirs
	}
	i := row - t.FirstRow
	var d Direction
	if pos.HA <= t.West[i] {
		d |= West | South
	}
	if pos.HA >= t.East[i] {
		d |= East | South
	}
	if int(i) == len(t.West)-1 {
		d |= South // the next row is below the limit everywhere
	}
	return d
}

// Calibration names the axes a zero switch hit may recalibrate.
type Calibration struct {
	HA  bool
	Dec bool
}

// MaybeCalibrate decides which axes to zero for switches that just closed.
// The West switch zeroes HA and the North switch zeroes Dec, but only when
// the axis is uncalibrated or its position is already close to zero; a hit
// far from zero is switch bounce and is ignored.
func (m *LimitMonitor) MaybeCalibrate(rising Direction, pos Position, st Status) Calibration {
	var c Calibration
	if rising&West != 0 {
		if !st.Has(StatusHAInit) || abs32(pos.HA) <= m.window {
			c.HA = true
		} else {
			debug.Info("Ignoring West limit at HA %d, outside calibration window", pos.HA)
		}
	}
	if rising&North != 0 {
		if !st.Has(StatusDecInit) || abs32(pos.Dec) <= m.window {
			c.Dec = true
		} else {
			debug.Info("Ignoring North limit at Dec %d, outside calibration window", pos.Dec)
		}
	}
	return c
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
