package bus

import (
	"math"
	"sync"
	"time"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
)

// SimConfig describes a simulated mount.
type SimConfig struct {
	StepClockHz float64 // steps per second = StepClockHz / rate
	HAMax       int64   // East switch closes at or beyond this HA step
	DecMax      int64   // South switch closes at or beyond this Dec step
	StartHA     int64   // true mechanical position at power on
	StartDec    int64
	Now         func() time.Time // defaults to time.Now
}

// SimBus is an in-memory controller card driving a simulated mount. Motor
// steps are integrated from elapsed time at each register access, and the
// limit switches close at the ends of travel: West at HA <= 0, East at
// HA >= HAMax, North at Dec <= 0, South at Dec >= DecMax.
type SimBus struct {
	mu      sync.Mutex
	cfg     SimConfig
	rate    uint16
	control uint8
	counter uint32
	ha, dec int64
	frac    float64
	last    time.Time
	closed  bool
}

// NewSim creates a simulated card.
func NewSim(cfg SimConfig) *SimBus {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StepClockHz <= 0 {
		cfg.StepClockHz = 1e6
	}
	debug.Info("Using SIMULATED controller card")
	return &SimBus{
		cfg:     cfg,
		control: ControlTrackDisable,
		counter: CounterReload,
		ha:      cfg.StartHA,
		dec:     cfg.StartDec,
		last:    cfg.Now(),
	}
}

// advance integrates motor motion since the last register access.
func (s *SimBus) advance() {
	now := s.cfg.Now()
	elapsed := now.Sub(s.last)
	s.last = now
	dir := s.control & ControlDirMask
	if s.rate == 0 || dir == 0 || s.control&ControlPowerOff != 0 || elapsed <= 0 {
		s.frac = 0
		return
	}
	pulses := s.frac + elapsed.Seconds()*s.cfg.StepClockHz/float64(s.rate)
	n := math.Floor(pulses)
	s.frac = pulses - n
	s.step(dir, uint32(n))
}

func (s *SimBus) step(dir uint8, n uint32) {
	s.counter = (s.counter - n) & CounterMask
	switch {
	case dir&East != 0:
		s.ha += int64(n)
	case dir&West != 0:
		s.ha -= int64(n)
	}
	switch {
	case dir&South != 0:
		s.dec += int64(n)
	case dir&North != 0:
		s.dec -= int64(n)
	}
}

func (s *SimBus) WriteRate(rate uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.advance()
	debug.Register("write", "rate", rate)
	s.rate = rate
	return nil
}

func (s *SimBus) WriteControl(control uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.advance()
	debug.Register("write", "control", control)
	s.control = control
	return nil
}

func (s *SimBus) ReadLimits() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.advance()
	var l uint8
	if s.ha <= 0 {
		l |= West
	}
	if s.ha >= s.cfg.HAMax {
		l |= East
	}
	if s.dec <= 0 {
		l |= North
	}
	if s.dec >= s.cfg.DecMax {
		l |= South
	}
	return l, nil
}

func (s *SimBus) ReadCounter() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.advance()
	return s.counter, nil
}

func (s *SimBus) ResetCounter(value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.advance()
	s.counter = value & CounterMask
	return nil
}

// Steps moves the simulated mount by n pulses in the current direction
// regardless of the rate register, as a hand-cranked test fixture.
func (s *SimBus) Steps(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.step(s.control&ControlDirMask, n)
}

// Mechanical returns the true simulated axis positions.
func (s *SimBus) Mechanical() (ha, dec int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.ha, s.dec
}

// SetMechanical teleports the simulated mount.
func (s *SimBus) SetMechanical(ha, dec int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.ha, s.dec = ha, dec
}

// Registers returns the last written rate and control values.
func (s *SimBus) Registers() (rate uint16, control uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.control
}

func (s *SimBus) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
