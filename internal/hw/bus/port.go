package bus

import (
	"fmt"
	"sync"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/debug"
	"golang.org/x/sys/unix"
)

// DefaultPortDevice exposes x86 I/O port space as a file.
const DefaultPortDevice = "/dev/port"

// PortBus talks to an ISA-style card through the I/O port device. Register
// n lives at file offset base+n.
type PortBus struct {
	mu     sync.Mutex
	fd     int
	base   int64
	closed bool
}

// OpenPort opens device (normally /dev/port, needs CAP_SYS_RAWIO) for a
// card at the given base address.
func OpenPort(device string, base int64) (*PortBus, error) {
	if device == "" {
		device = DefaultPortDevice
	}
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	debug.Info("Controller card at %s base 0x%x", device, base)
	return &PortBus{fd: fd, base: base}, nil
}

func (p *PortBus) out(reg int64, data []byte) error {
	if p.closed {
		return ErrClosed
	}
	n, err := unix.Pwrite(p.fd, data, p.base+reg)
	if err != nil {
		return fmt.Errorf("write port 0x%x: %w", p.base+reg, err)
	}
	if n != len(data) {
		return fmt.Errorf("write port 0x%x: short write %d/%d", p.base+reg, n, len(data))
	}
	return nil
}

func (p *PortBus) in(reg int64, data []byte) error {
	if p.closed {
		return ErrClosed
	}
	n, err := unix.Pread(p.fd, data, p.base+reg)
	if err != nil {
		return fmt.Errorf("read port 0x%x: %w", p.base+reg, err)
	}
	if n != len(data) {
		return fmt.Errorf("read port 0x%x: short read %d/%d", p.base+reg, n, len(data))
	}
	return nil
}

func (p *PortBus) WriteRate(rate uint16) error {
	debug.Register("write", "rate", rate)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out(RegRateLo, []byte{byte(rate), byte(rate >> 8)})
}

func (p *PortBus) WriteControl(control uint8) error {
	debug.Register("write", "control", fmt.Sprintf("0x%02x", control))
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out(RegControl, []byte{control})
}

func (p *PortBus) ReadLimits() (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b [1]byte
	if err := p.in(RegLimits, b[:]); err != nil {
		return 0, err
	}
	debug.Register("read", "limits", fmt.Sprintf("0x%02x", b[0]))
	return b[0] & 0x0F, nil
}

func (p *PortBus) ReadCounter() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b [3]byte
	if err := p.in(RegCounter, b[:]); err != nil {
		return 0, err
	}
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	debug.Register("read", "counter", v)
	return v, nil
}

func (p *PortBus) ResetCounter(value uint32) error {
	value &= CounterMask
	debug.Register("write", "counter", value)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out(RegCounter, []byte{byte(value), byte(value >> 8), byte(value >> 16)})
}

// Close stops the card and releases the device.
func (p *PortBus) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if err := p.out(RegRateLo, []byte{0, 0}); err != nil {
		debug.Error(fmt.Errorf("stop rate on close: %w", err))
	}
	if err := p.out(RegControl, []byte{ControlTrackDisable}); err != nil {
		debug.Error(fmt.Errorf("stop motors on close: %w", err))
	}
	p.closed = true
	return unix.Close(p.fd)
}
