// Package driver defines the contract between the bus lifecycle and a CAN
// controller implementation (SocketCAN, UART adapter, in-memory loopback).
package driver

import (
	"errors"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
)

var (
	ErrTxQueueFull      = errors.New("driver: transmit queue full")
	ErrBusOff           = errors.New("driver: bus off")
	ErrNotInstalled     = errors.New("driver: not installed")
	ErrNotStarted       = errors.New("driver: not started")
	ErrAlreadyInstalled = errors.New("driver: already installed")
	ErrUnsupported      = errors.New("driver: unsupported")
	// ErrDeviceLost means the underlying device disappeared; only a fresh
	// Install can bring the controller back.
	ErrDeviceLost = errors.New("driver: device lost")
)

// Default queue depths of the on-chip controller.
const (
	DefaultTxQueueLen = 8
	DefaultRxQueueLen = 16
)

// Config is handed to Install. Pins are meaningful only to controllers that
// route signals themselves; others record them for status reporting.
type Config struct {
	Interface  string
	TxPin      int
	RxPin      int
	Bitrate    uint32
	Loopback   bool
	TxQueueLen int
	RxQueueLen int
}

// WithDefaults fills zero queue lengths.
func (c Config) WithDefaults() Config {
	if c.TxQueueLen <= 0 {
		c.TxQueueLen = DefaultTxQueueLen
	}
	if c.RxQueueLen <= 0 {
		c.RxQueueLen = DefaultRxQueueLen
	}
	return c
}

// BusState is the controller's fault-confinement state.
type BusState int

const (
	BusStopped BusState = iota
	BusRunning
	BusErrorWarning
	BusErrorPassive
	BusOff
	BusRecovering
	BusDeviceLost
)

func (s BusState) String() string {
	switch s {
	case BusStopped:
		return "stopped"
	case BusRunning:
		return "running"
	case BusErrorWarning:
		return "error_warning"
	case BusErrorPassive:
		return "error_passive"
	case BusOff:
		return "bus_off"
	case BusRecovering:
		return "recovering"
	case BusDeviceLost:
		return "device_lost"
	default:
		return "unknown"
	}
}

// Status is a point-in-time controller report.
type Status struct {
	State    BusState
	TxErrors uint32
	RxErrors uint32
}

// Controller is a single CAN controller. The value itself is the handle:
// Install binds it to a configuration, Start joins the bus.
//
// Transmit hands a frame to the controller's queue, waiting at most timeout
// for room. Receive blocks up to timeout and reports false when nothing
// arrived; a non-nil error means the controller could not be read.
type Controller interface {
	Install(cfg Config) error
	Start() error
	Stop() error
	Uninstall() error
	Transmit(fr can.Frame, timeout time.Duration) error
	Receive(timeout time.Duration) (can.Frame, bool, error)
	Status() (Status, error)
}
