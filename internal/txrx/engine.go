// Package txrx moves frames between callers and the active controller.
// Sends are gated on the lifecycle and the transceiver bit; receives block
// only their caller and never hold a lock while waiting.
package txrx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/j1939"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

const (
	DefaultTransmitTimeout = 50 * time.Millisecond
	// MinPollSlice bounds how finely ReceiveAll splits its budget.
	MinPollSlice = 10 * time.Millisecond
)

// ReceivedFrame is a drained frame. ReceivedAt carries a monotonic reading.
type ReceivedFrame struct {
	ID         uint32    `json:"id"`
	Data       [8]byte   `json:"data"`
	Len        uint8     `json:"len"`
	ReceivedAt time.Time `json:"received_at"`
}

// Payload returns the valid bytes of Data.
func (f ReceivedFrame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// Frame converts back to an extended can.Frame.
func (f ReceivedFrame) Frame() can.Frame { return can.NewExtended(f.ID, f.Payload()) }

// Bus is what the engine needs from the lifecycle.
type Bus interface {
	Active() (driver.Controller, canbus.Config, bool)
	TransceiverEnabled() bool
	Fail(step canbus.Step, err error)
}

type Engine struct {
	bus       Bus
	txTimeout time.Duration
	now       func() time.Time
	log       *slog.Logger

	// hold blocks transmissions while idle-line sampling runs.
	hold sync.RWMutex
}

type Option func(*Engine)

func WithTransmitTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

func New(bus Bus, opts ...Option) *Engine {
	e := &Engine{bus: bus, txTimeout: DefaultTransmitTimeout, now: time.Now, log: logging.For("txrx")}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Send encodes and transmits a J1939 frame. Nothing is retried.
func (e *Engine) Send(ctx context.Context, r j1939.FrameRequest) error {
	fr, err := j1939.Frame(r)
	if err != nil {
		return err
	}
	return e.transmit(ctx, fr)
}

// SendRaw transmits a prebuilt frame, e.g. one injected by a monitor client.
func (e *Engine) SendRaw(ctx context.Context, fr can.Frame) error {
	if fr.Len > can.MaxDataLen {
		return fmt.Errorf("%w: %d", j1939.ErrInvalidLength, fr.Len)
	}
	return e.transmit(ctx, fr)
}

// SendJ1939Pgn sends an 8-byte frame with the PGN placed directly in the
// identifier; for PDU1 PGNs the low byte doubles as the destination.
func (e *Engine) SendJ1939Pgn(ctx context.Context, priority uint8, pgn uint32, source uint8, data [8]byte) error {
	return e.transmit(ctx, can.NewExtended(j1939.RawIdentifier(priority, pgn, source), data[:]))
}

func (e *Engine) transmit(ctx context.Context, fr can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hold.RLock()
	defer e.hold.RUnlock()

	drv, cfg, ok := e.bus.Active()
	if !ok {
		return canbus.ErrNotReady
	}
	if !cfg.Loopback && !e.bus.TransceiverEnabled() {
		return fmt.Errorf("%w: transceiver disabled", canbus.ErrNotReady)
	}
	timeout := e.txTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	err := drv.Transmit(fr, timeout)
	if err == nil {
		metrics.IncCANTx()
		e.log.Debug("tx", "id", fmt.Sprintf("0x%08X", fr.ID()), "len", fr.Len)
		return nil
	}
	switch {
	case e.driverFault(err):
	case errors.Is(err, driver.ErrTxQueueFull):
		metrics.IncError(metrics.ErrTxOverflow)
	default:
		metrics.IncError(metrics.ErrTxRejected)
	}
	e.log.Warn("tx_failed", "id", fmt.Sprintf("0x%08X", fr.ID()), "pgn", j1939.Describe(j1939.Decode(fr.ID()).PGN), "error", err)
	return err
}

// Receive waits up to timeout for one frame. It reports false on timeout,
// when the bus is not Ready, or when the controller read failed.
func (e *Engine) Receive(timeout time.Duration) (ReceivedFrame, bool) {
	fr, ok, _ := e.receive(timeout)
	return fr, ok
}

func (e *Engine) receive(timeout time.Duration) (ReceivedFrame, bool, error) {
	drv, _, ok := e.bus.Active()
	if !ok {
		return ReceivedFrame{}, false, nil
	}
	fr, ok, err := drv.Receive(timeout)
	if err != nil {
		e.driverFault(err)
		metrics.IncError(metrics.ErrDriverRead)
		e.log.Debug("rx_error", "error", err)
		return ReceivedFrame{}, false, err
	}
	if !ok {
		return ReceivedFrame{}, false, nil
	}
	metrics.IncCANRx()
	return ReceivedFrame{ID: fr.ID(), Data: fr.Data, Len: fr.Len, ReceivedAt: e.now()}, true, nil
}

// driverFault moves the lifecycle to Error for faults a retry cannot clear.
// It reports whether err was one of them.
func (e *Engine) driverFault(err error) bool {
	switch {
	case errors.Is(err, driver.ErrBusOff):
		metrics.IncError(metrics.ErrBusOff)
		e.bus.Fail(canbus.StepBusOff, err)
	case errors.Is(err, driver.ErrDeviceLost):
		metrics.IncError(metrics.ErrDeviceLost)
		e.bus.Fail(canbus.StepDeviceLost, err)
	default:
		return false
	}
	return true
}

// ReceiveAll drains queued frames in arrival order. Each poll waits a slice
// of the remaining budget; the first empty poll ends the drain.
func (e *Engine) ReceiveAll(timeout time.Duration) []ReceivedFrame {
	deadline := time.Now().Add(timeout)
	slice := timeout / 4
	if slice < MinPollSlice {
		slice = MinPollSlice
	}
	var out []ReceivedFrame
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out
		}
		fr, ok := e.Receive(min(slice, remaining))
		if !ok {
			return out
		}
		out = append(out, fr)
	}
}

// Hold runs fn with transmissions blocked.
func (e *Engine) Hold(fn func()) {
	e.hold.Lock()
	defer e.hold.Unlock()
	fn()
}
