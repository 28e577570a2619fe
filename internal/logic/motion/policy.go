package motion

import "fmt"

// Ordering says how a two-axis goto is sequenced.
type Ordering int

const (
	OrderBoth     Ordering = iota // drive both axes together
	OrderDecFirst                 // finish Dec before starting HA
	OrderHAFirst                  // finish HA before starting Dec
)

func (o Ordering) String() string {
	switch o {
	case OrderDecFirst:
		return "dec-first"
	case OrderHAFirst:
		return "ha-first"
	}
	return "both"
}

// DirectionTo returns the bits that move current toward target on every axis
// further than tol away. It is zero exactly when both axes are within tol.
func DirectionTo(target, current Position, tol int32) Direction {
	var d Direction
	switch dh := target.HA - current.HA; {
	case dh > tol:
		d |= East
	case dh < -tol:
		d |= West
	}
	switch dd := target.Dec - current.Dec; {
	case dd > tol:
		d |= South
	case dd < -tol:
		d |= North
	}
	return d
}

// NearTarget reports whether every axis named by dir is less than flop
// steps from target. flop is wider than the goto tolerance so a move that
// overshoots slightly is not reversed.
func NearTarget(dir Direction, target, current Position, flop int32) bool {
	if dir.HA() != 0 && abs32(target.HA-current.HA) >= flop {
		return false
	}
	if dir.Dec() != 0 && abs32(target.Dec-current.Dec) >= flop {
		return false
	}
	return true
}

// Policy applies DirectionTo and the goto ordering against the mount range
// and the altitude limit.
type Policy struct {
	HAMax     int32
	DecMax    int32
	Tolerance int32
	Flop      int32
	limits    *LimitMonitor
}

// InRange reports whether p lies within the mechanical travel.
func (p *Policy) InRange(pos Position) bool {
	return pos.HA >= 0 && pos.HA <= p.HAMax && pos.Dec >= 0 && pos.Dec <= p.DecMax
}

// Reachable reports whether a goto may end at pos: inside the travel and
// above the altitude limit.
func (p *Policy) Reachable(pos Position) bool {
	return p.InRange(pos) && p.limits.Soft(pos).HA() == 0
}

// Ordering picks a sequence for a goto from current to target that stays
// above the altitude limit. Both corners of the move's bounding box being
// safe means the whole box is, since the limit band only narrows southward.
func (p *Policy) Ordering(target, current Position) (Ordering, error) {
	decFirst := p.limits.Soft(Position{HA: current.HA, Dec: target.Dec}).HA() == 0
	haFirst := p.limits.Soft(Position{HA: target.HA, Dec: current.Dec}).HA() == 0
	switch {
	case decFirst && haFirst:
		return OrderBoth, nil
	case decFirst:
		return OrderDecFirst, nil
	case haFirst:
		return OrderHAFirst, nil
	}
	return 0, fmt.Errorf("%w: no safe path from %+v to %+v", ErrOrdering, current, target)
}

// Sequence restricts dir to the axis allowed to move first under o.
func (o Ordering) Sequence(dir Direction) Direction {
	switch {
	case o == OrderDecFirst && dir.Dec() != 0:
		return dir.Dec()
	case o == OrderHAFirst && dir.HA() != 0:
		return dir.HA()
	}
	return dir
}
