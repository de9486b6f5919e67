package main

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/ch422g"
	"github.com/kstaniek/go-vehicle-can/internal/control"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/gate"
	"github.com/kstaniek/go-vehicle-can/internal/gpio"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/loopback"
	"github.com/kstaniek/go-vehicle-can/internal/serial"
	"github.com/kstaniek/go-vehicle-can/internal/socketcan"
	"github.com/kstaniek/go-vehicle-can/internal/txrx"
)

// Hooks for tests.
var (
	openExpander = func() (gate.Expander, func() error, error) {
		d, err := ch422g.Open()
		if err != nil {
			return nil, nil, err
		}
		if err := d.Init(); err != nil {
			_ = d.Close()
			return nil, nil, fmt.Errorf("ch422g init: %w", err)
		}
		return d, d.Close, nil
	}
	newController = func(o *options) (driver.Controller, error) {
		switch o.backend {
		case "socketcan":
			return socketcan.New(o.canIf, socketcan.WithLinkManagement(o.manageLink)), nil
		case "serial":
			return serial.New(o.serialDev, o.baud), nil
		case "loopback":
			return loopback.New(), nil
		default:
			return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|loopback)", o.backend)
		}
	}
)

// rig is one command's worth of hardware: the gate, the bus and the
// facade over them.
type rig struct {
	m       *control.Manager
	cleanup func()
}

func (r *rig) Close() { r.cleanup() }

// openRig wires the stack. With start set the bus is brought up with the
// flag configuration; otherwise only the gate is touched.
func openRig(ctx context.Context, o *options, start bool) (*rig, error) {
	l := logging.L()
	var (
		dev      gate.Expander
		closeDev = func() error { return nil }
	)
	if o.i2c {
		d, c, err := openExpander()
		if err != nil {
			return nil, fmt.Errorf("gate expander: %w", err)
		}
		dev, closeDev = d, c
	} else {
		dev = gate.NewMemExpander()
	}
	g := gate.New(dev, gate.WithRegisters(ch422g.AddrOutput, ch422g.AddrOutput), gate.WithLogger(l))
	if err := g.SetBits(ctx, gate.ManagedMask&^gate.BitUSBSel, gate.SafeValue); err != nil {
		g.Close()
		_ = closeDev()
		return nil, fmt.Errorf("gate init: %w", err)
	}
	drv, err := newController(o)
	if err != nil {
		g.Close()
		_ = closeDev()
		return nil, err
	}
	bus := canbus.New(drv, g)
	var copts []control.Option
	if o.gpioChip != "" {
		copts = append(copts, control.WithSampler(gpio.NewChip(o.gpioChip)))
	}
	m := control.New(g, bus, txrx.New(bus), copts...)
	r := &rig{m: m, cleanup: func() {
		if err := m.Stop(); err != nil {
			l.Warn("bus_stop_error", "error", err)
		}
		g.Close()
		_ = closeDev()
	}}
	if start {
		if err := m.ApplyConfig(ctx, o.busConfig()); err != nil {
			r.Close()
			return nil, fmt.Errorf("start bus: %w", err)
		}
	}
	return r, nil
}

// withRig runs fn against a rig bounded by --timeout.
func withRig(parent context.Context, o *options, start bool, fn func(ctx context.Context, r *rig) error) error {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()
	r, err := openRig(ctx, o, start)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(ctx, r)
}
