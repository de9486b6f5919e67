package gate

import (
	"fmt"
	"sync"
)

// MemExpander is an in-memory register file. It stands in for the expander
// on hosts without one (vcan development, CI) and in tests.
type MemExpander struct {
	mu      sync.Mutex
	regs    map[uint8]uint8
	devices map[uint8]bool
	// Echo, when set, rewrites the value returned by reads.
	Echo func(v uint8) uint8
}

// NewMemExpander returns a register file where reads of any register return
// the last value written to it. present lists addresses that answer probes.
func NewMemExpander(present ...uint8) *MemExpander {
	m := &MemExpander{regs: make(map[uint8]uint8), devices: make(map[uint8]bool)}
	for _, a := range present {
		m.devices[a] = true
	}
	return m
}

func (m *MemExpander) ReadRegister(addr uint8) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.regs[addr]
	if m.Echo != nil {
		v = m.Echo(v)
	}
	return v, nil
}

func (m *MemExpander) WriteRegister(addr uint8, v uint8) error {
	m.mu.Lock()
	m.regs[addr] = v
	m.mu.Unlock()
	return nil
}

// Set changes a register behind the controller's back, like a glitch would.
func (m *MemExpander) Set(addr, v uint8) {
	m.mu.Lock()
	m.regs[addr] = v
	m.mu.Unlock()
}

func (m *MemExpander) Probe(addr uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[addr] {
		return nil
	}
	return fmt.Errorf("no ack at 0x%02X", addr)
}
