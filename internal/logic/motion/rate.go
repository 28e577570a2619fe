package motion

// Rate register bounds used when no configuration overrides them. A rate is
// the step clock divider, so smaller values are faster.
const (
	FastestRate uint16 = 200
	SlowestRate uint16 = 28284
)

// RateBand is the operational rate range moves are ramped within.
type RateBand struct {
	Fastest uint16
	Slowest uint16 // floor: moves start, change direction and stop here
}

// DefaultRateBand returns the band [FastestRate, SlowestRate].
func DefaultRateBand() RateBand {
	return RateBand{Fastest: FastestRate, Slowest: SlowestRate}
}

// Clamp bounds r to the band.
func (b RateBand) Clamp(r uint16) uint16 {
	switch {
	case r < b.Fastest:
		return b.Fastest
	case r > b.Slowest:
		return b.Slowest
	}
	return r
}

// AtFloor reports whether r is at or slower than the floor rate.
func (b RateBand) AtFloor(r uint16) bool {
	return r >= b.Slowest
}

// Ramp returns the rate for the next tick when moving from cur toward req.
// Speeding up shrinks the rate by 3/4 per call, slowing down grows it by
// 4/3, and the result never leaves the band or passes req.
func (b RateBand) Ramp(cur, req uint16) uint16 {
	c := uint32(b.Clamp(cur))
	r := uint32(req)
	switch {
	case r < c:
		next := c * 3 / 4
		if next < r {
			next = r
		}
		if next < uint32(b.Fastest) {
			next = uint32(b.Fastest)
		}
		return uint16(next)
	case r > c:
		next := c * 4 / 3
		if next > r {
			next = r
		}
		if next > uint32(b.Slowest) {
			next = uint32(b.Slowest)
		}
		return uint16(next)
	}
	return uint16(c)
}
