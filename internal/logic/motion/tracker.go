package motion

import (
	"fmt"
	"sync"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/hw/bus"
)

// Position is a signed step count per axis. HA grows eastward from the West
// limit switch and Dec grows southward from the North limit switch.
type Position struct {
	HA  int32 `json:"ha"`
	Dec int32 `json:"dec"`
}

// Tracker turns the card's decrementing step counter into axis positions.
// Its lock is separate from the controller's so position reads never wait on
// a tick.
type Tracker struct {
	bus  bus.Bus
	mu   sync.RWMutex
	pos  Position
	prev uint32
}

// NewTracker reloads the hardware counter and starts at position zero.
func NewTracker(b bus.Bus) (*Tracker, error) {
	if err := b.ResetCounter(bus.CounterReload); err != nil {
		return nil, fmt.Errorf("reset step counter: %w", err)
	}
	return &Tracker{bus: b, prev: bus.CounterReload}, nil
}

// Update folds the steps counted since the last call into the axes named by
// dir, the direction the motors were driven in meanwhile.
func (t *Tracker) Update(dir Direction) error {
	raw, err := t.bus.ReadCounter()
	if err != nil {
		return fmt.Errorf("read step counter: %w", err)
	}
	t.apply(dir, raw)
	t.mu.Lock()
	t.prev = raw
	t.mu.Unlock()
	return nil
}

// UpdateAndReset is Update followed by reloading the hardware counter with
// value. It is called whenever the motors start or stop so no step is
// attributed to the wrong direction.
func (t *Tracker) UpdateAndReset(dir Direction, value uint32) error {
	raw, err := t.bus.ReadCounter()
	if err != nil {
		return fmt.Errorf("read step counter: %w", err)
	}
	t.apply(dir, raw)
	if err := t.bus.ResetCounter(value); err != nil {
		return fmt.Errorf("reset step counter: %w", err)
	}
	t.mu.Lock()
	t.prev = value & bus.CounterMask
	t.mu.Unlock()
	return nil
}

func (t *Tracker) apply(dir Direction, raw uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta := int32((t.prev - raw) & bus.CounterMask)
	switch {
	case dir&East != 0:
		t.pos.HA += delta
	case dir&West != 0:
		t.pos.HA -= delta
	}
	switch {
	case dir&South != 0:
		t.pos.Dec += delta
	case dir&North != 0:
		t.pos.Dec -= delta
	}
}

// Position returns the current axis positions.
func (t *Tracker) Position() Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos
}

// ZeroHA sets the HA position to zero.
func (t *Tracker) ZeroHA() {
	t.mu.Lock()
	t.pos.HA = 0
	t.mu.Unlock()
}

// ZeroDec sets the Dec position to zero.
func (t *Tracker) ZeroDec() {
	t.mu.Lock()
	t.pos.Dec = 0
	t.mu.Unlock()
}
