package motion

import (
	"strings"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
)

// Direction is a compass bitmask. The HA bits (East, West) and the Dec bits
// (North, South) are independent and may combine.
type Direction uint8

const (
	North Direction = Direction(bus.North)
	South Direction = Direction(bus.South)
	East  Direction = Direction(bus.East)
	West  Direction = Direction(bus.West)

	HAMask  = East | West
	DecMask = North | South
	AllDirs = HAMask | DecMask
)

// HA returns only the HA bits.
func (d Direction) HA() Direction { return d & HAMask }

// Dec returns only the Dec bits.
func (d Direction) Dec() Direction { return d & DecMask }

// Valid reports whether d names at most one direction per axis.
func (d Direction) Valid() bool {
	return d&^AllDirs == 0 && d.HA() != HAMask && d.Dec() != DecMask
}

func (d Direction) String() string {
	if d == 0 {
		return "-"
	}
	var parts []string
	for _, b := range []struct {
		bit  Direction
		name string
	}{{North, "N"}, {South, "S"}, {East, "E"}, {West, "W"}} {
		if d&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}
