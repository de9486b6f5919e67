// Package canbus runs the bus driver lifecycle: gate the transceiver,
// install and start the controller, tear it down again.
//
//	Uninitialized -> Configuring -> Ready -> Stopped
//	                      \           \
//	                       +-> Error <-+
//
// Leaving Error requires an explicit Stop then Begin; nothing restarts the
// bus on its own.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/gate"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

type State int32

const (
	StateUninitialized State = iota
	StateConfiguring
	StateReady
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrConfiguration  = errors.New("canbus: invalid configuration")
	ErrAlreadyStarted = errors.New("canbus: already started")
	ErrInvalidState   = errors.New("canbus: invalid state")
	ErrNotReady       = errors.New("canbus: not ready")
)

// Step names the lifecycle step that failed.
type Step string

const (
	StepGateWrite     Step = "gate_write"
	StepDriverInstall Step = "driver_install"
	StepDriverStart   Step = "driver_start"
	StepBusOff        Step = "bus_off"
	StepDeviceLost    Step = "device_lost"
)

type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("canbus %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Gate is the slice of the gate controller the lifecycle needs.
type Gate interface {
	SetBits(ctx context.Context, mask, value uint8) error
	TransceiverEnabled() bool
}

// DefaultSettleDelay lets the transceiver enable line settle before the
// controller joins the bus.
const DefaultSettleDelay = 10 * time.Millisecond

// sleepFn allows tests to skip the settle delay.
var sleepFn = time.Sleep

// Bus owns the controller driver. Mutations are serialized by mu; State is
// readable at any time, including mid-Begin.
type Bus struct {
	mu      sync.RWMutex
	drv     driver.Controller
	gate    Gate
	cfg     Config
	lastErr error
	settle  time.Duration
	log     *slog.Logger

	state atomic.Int32
}

type Option func(*Bus)

func WithSettleDelay(d time.Duration) Option { return func(b *Bus) { b.settle = d } }

func New(drv driver.Controller, g Gate, opts ...Option) *Bus {
	b := &Bus{drv: drv, gate: g, settle: DefaultSettleDelay, log: logging.For("canbus")}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) State() State { return State(b.state.Load()) }

func (b *Bus) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	metrics.SetBusState(int(s))
	if prev != s {
		b.log.Debug("bus_state", "from", prev.String(), "to", s.String())
	}
}

// Config returns the configuration of the last Begin.
func (b *Bus) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// LastError returns the failure that put the bus in Error, if any.
func (b *Bus) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Begin brings the bus up. A configuration error leaves the state as it
// was; any later step failure leaves the bus in Error with a *StepError.
func (b *Bus) Begin(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch st := b.State(); st {
	case StateUninitialized, StateStopped:
	case StateReady:
		return ErrAlreadyStarted
	default:
		return fmt.Errorf("%w: begin from %s", ErrInvalidState, st)
	}
	b.setState(StateConfiguring)
	b.cfg = cfg
	b.lastErr = nil

	// Loopback is self-test only: keep the transceiver off the bus.
	var usb uint8
	if !cfg.Loopback {
		usb = gate.BitUSBSel
	}
	if err := b.gate.SetBits(ctx, gate.BitUSBSel, usb); err != nil {
		return b.failLocked(StepGateWrite, err)
	}
	sleepFn(b.settle)

	if err := b.drv.Install(cfg.driverConfig()); err != nil {
		return b.failLocked(StepDriverInstall, err)
	}
	if err := b.drv.Start(); err != nil {
		return b.failLocked(StepDriverStart, err)
	}
	b.setState(StateReady)
	b.log.Info("bus_ready", "if", cfg.Interface, "bitrate", cfg.Bitrate, "tx_pin", cfg.TxPin, "rx_pin", cfg.RxPin, "loopback", cfg.Loopback)
	return nil
}

func (b *Bus) failLocked(step Step, err error) error {
	se := &StepError{Step: step, Err: err}
	b.lastErr = se
	b.setState(StateError)
	metrics.IncError(metrics.ErrBusStart)
	b.log.Error("bus_begin_failed", "step", string(step), "error", err)
	return se
}

// Stop tears the driver down from Ready or Error. Elsewhere it is a no-op.
// Teardown errors are reported but the bus still ends up Stopped.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.State() {
	case StateReady, StateError:
	default:
		return nil
	}
	err := errors.Join(b.drv.Stop(), b.drv.Uninstall())
	b.setState(StateStopped)
	if err != nil {
		b.log.Warn("bus_stop_error", "error", err)
	} else {
		b.log.Info("bus_stopped")
	}
	return err
}

// SetCanMode forces the transceiver select bit regardless of lifecycle
// state. It is the override used to hand the port to USB for reflashing.
func (b *Bus) SetCanMode(ctx context.Context, enable bool) error {
	var v uint8
	if enable {
		v = gate.BitUSBSel
	}
	if err := b.gate.SetBits(ctx, gate.BitUSBSel, v); err != nil {
		b.log.Error("can_mode_failed", "enable", enable, "error", err)
		return err
	}
	b.log.Info("can_mode_set", "enable", enable)
	return nil
}

// Fail moves a Ready bus to Error after a fatal runtime fault such as
// bus-off.
func (b *Bus) Fail(step Step, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() != StateReady {
		return
	}
	b.lastErr = &StepError{Step: step, Err: err}
	b.setState(StateError)
	b.log.Error("bus_failed", "step", string(step), "error", err)
}

// Active returns the driver and configuration when the bus is Ready.
func (b *Bus) Active() (driver.Controller, Config, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.State() != StateReady {
		return nil, Config{}, false
	}
	return b.drv, b.cfg, true
}

// TransceiverEnabled reports the cached select bit without I/O.
func (b *Bus) TransceiverEnabled() bool { return b.gate.TransceiverEnabled() }

// Status queries the controller while it is installed (Ready or Error).
func (b *Bus) Status() (driver.Status, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.State() {
	case StateReady, StateError:
	default:
		return driver.Status{}, ErrNotReady
	}
	st, err := b.drv.Status()
	if err == nil {
		metrics.SetErrorCounters(st.TxErrors, st.RxErrors)
	}
	return st, err
}
