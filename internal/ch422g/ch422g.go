// Package ch422g adapts a CH422G IO expander on a reef-pi I2C bus to the
// gate.Expander contract.
//
// The CH422G has no register pointer: each function sits at its own I2C
// address (0x24 system, 0x38 IO output, 0x23 open-drain output, 0x26 IO
// input), so a "register" here is the device address itself.
package ch422g

import (
	"fmt"

	"github.com/reef-pi/rpi/i2c"
)

const (
	AddrSystem   uint8 = 0x24
	AddrOutput   uint8 = 0x38
	AddrOCOutput uint8 = 0x23
	AddrInput    uint8 = 0x26

	// sysIOOutput sets the IO pins to push-pull outputs.
	sysIOOutput byte = 0x01
)

// Device implements gate.Expander and gate.Prober.
type Device struct {
	bus i2c.Bus
}

// Open opens the platform I2C bus.
func Open() (*Device, error) {
	bus, err := i2c.New()
	if err != nil {
		return nil, fmt.Errorf("i2c open: %w", err)
	}
	return New(bus), nil
}

func New(bus i2c.Bus) *Device { return &Device{bus: bus} }

// Init switches the IO bank to output mode.
func (d *Device) Init() error {
	return d.bus.WriteBytes(AddrSystem, []byte{sysIOOutput})
}

func (d *Device) ReadRegister(addr uint8) (uint8, error) {
	b, err := d.bus.ReadBytes(addr, 1)
	if err != nil {
		return 0, err
	}
	if len(b) < 1 {
		return 0, fmt.Errorf("ch422g addr=0x%02X: short read", addr)
	}
	return b[0], nil
}

func (d *Device) WriteRegister(addr uint8, v uint8) error {
	return d.bus.WriteBytes(addr, []byte{v})
}

// Probe addresses addr with a one-byte read; any device that ACKs answers.
func (d *Device) Probe(addr uint8) error {
	_, err := d.bus.ReadBytes(addr, 1)
	return err
}

func (d *Device) Close() error { return d.bus.Close() }
