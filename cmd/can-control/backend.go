package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/loopback"
	"github.com/kstaniek/go-vehicle-can/internal/serial"
	"github.com/kstaniek/go-vehicle-can/internal/socketcan"
)

// newDriver selects the controller for --backend. Nothing is opened until
// the bus is started.
func newDriver(cfg *appConfig, l *slog.Logger) (driver.Controller, error) {
	switch cfg.backend {
	case "socketcan":
		l.Info("backend", "kind", "socketcan", "if", cfg.canIf, "manage_link", cfg.manageLink)
		return socketcan.New(cfg.canIf, socketcan.WithLinkManagement(cfg.manageLink)), nil
	case "serial":
		l.Info("backend", "kind", "serial", "device", cfg.serialDev, "baud", cfg.baud)
		return serial.New(cfg.serialDev, cfg.baud), nil
	case "loopback":
		l.Info("backend", "kind", "loopback")
		return loopback.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|loopback)", cfg.backend)
	}
}
