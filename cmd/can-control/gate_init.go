package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-vehicle-can/internal/ch422g"
	"github.com/kstaniek/go-vehicle-can/internal/gate"
)

// openExpander is a hook for tests.
var openExpander = func() (gate.Expander, func() error, error) {
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

// initGate starts the gate controller and puts the non-CAN lines in their
// safe state. The transceiver select bit is left to the bus lifecycle.
func initGate(ctx context.Context, cfg *appConfig, l *slog.Logger) (*gate.Controller, func(), error) {
	var (
		dev     gate.Expander
		closeFn = func() error { return nil }
	)
	if cfg.i2cEnable {
		d, c, err := openExpander()
		if err != nil {
			return nil, func() {}, fmt.Errorf("gate expander: %w", err)
		}
		dev, closeFn = d, c
		l.Info("gate_expander", "kind", "ch422g", "register", fmt.Sprintf("0x%02X", ch422g.AddrOutput))
	} else {
		dev = gate.NewMemExpander()
		l.Info("gate_expander", "kind", "memory")
	}
	g := gate.New(dev, gate.WithRegisters(ch422g.AddrOutput, ch422g.AddrOutput), gate.WithLogger(l))
	others := gate.ManagedMask &^ gate.BitUSBSel
	if err := g.SetBits(ctx, others, gate.SafeValue); err != nil {
		g.Close()
		_ = closeFn()
		return nil, func() {}, fmt.Errorf("gate init: %w", err)
	}
	return g, func() { g.Close(); _ = closeFn() }, nil
}
