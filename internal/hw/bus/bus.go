// Package bus abstracts the register interface of the motor controller card.
//
// The card exposes a 2-byte rate register (step period divisor, smaller is
// faster, 0 stops the pulse train), a 1-byte control register, a 1-byte
// limit switch input register and a 3-byte down-counting step counter that
// can be reloaded. Direction and limit bits share one compass layout:
// North 0x01, South 0x02, East 0x04, West 0x08.
package bus

import "errors"

// Control register bits above the direction nibble.
const (
	ControlDirMask      uint8 = 0x0F
	ControlTrackDisable uint8 = 0x10
	ControlPowerOff     uint8 = 0x20
)

// Compass bits used in the control and limit registers.
const (
	North uint8 = 0x01
	South uint8 = 0x02
	East  uint8 = 0x04
	West  uint8 = 0x08
)

// CounterMask covers the 24 bits of the step counter.
const CounterMask uint32 = 0xFFFFFF

// CounterReload is the value the counter is reset to at the start and
// stop of every move. It counts down from here.
const CounterReload uint32 = CounterMask

// Register offsets from the card's base address.
const (
	RegRateLo  = 0
	RegRateHi  = 1
	RegControl = 2
	RegLimits  = 3
	RegCounter = 4 // 3 bytes, little endian
)

var ErrClosed = errors.New("bus: closed")

// Bus is the register-level view of the controller card. Every call is a
// bounded synchronous register access.
type Bus interface {
	WriteRate(rate uint16) error
	WriteControl(control uint8) error
	ReadLimits() (uint8, error)
	ReadCounter() (uint32, error)
	ResetCounter(value uint32) error
	Close() error
}
