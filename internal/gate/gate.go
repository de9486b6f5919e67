// Package gate owns the shared expander output register that multiplexes the
// touch reset, LCD reset, SD chip-select and USB/CAN select lines.
//
// A Controller is the only code path allowed to talk to the expander. Every
// operation is queued to a single owner goroutine, so read-modify-write cycles
// from different subsystems can never interleave.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

// Register bits.
const (
	BitTouchReset uint8 = 1 << 1
	BitLCDReset   uint8 = 1 << 3
	BitSDCS       uint8 = 1 << 4
	BitUSBSel     uint8 = 1 << 5 // HIGH selects CAN and enables the transceiver

	// ManagedMask covers every line this package is responsible for.
	ManagedMask = BitTouchReset | BitLCDReset | BitSDCS | BitUSBSel
	// SafeValue releases both resets, deselects the SD card and enables CAN.
	SafeValue = ManagedMask

	// DefaultRegister is the CH422G output register (written as the I2C address).
	DefaultRegister uint8 = 0x38

	DefaultRetryDelay = 50 * time.Millisecond
	defaultQueueSize  = 8
)

var (
	ErrI2C                = errors.New("gate: i2c error")
	ErrVerificationFailed = errors.New("gate: transceiver verification failed")
	ErrClosed             = errors.New("gate: controller closed")
	ErrProbeUnsupported   = errors.New("gate: expander cannot probe")
)

// Expander is the register-level I2C collaborator.
type Expander interface {
	ReadRegister(addr uint8) (uint8, error)
	WriteRegister(addr uint8, v uint8) error
}

// Prober is implemented by expanders that can probe arbitrary bus addresses.
type Prober interface {
	Probe(addr uint8) error
}

// sleepFn allows tests to skip retry delays.
var sleepFn = time.Sleep

const cacheValid = 1 << 8

// Controller serializes all expander access through one goroutine.
type Controller struct {
	dev        Expander
	writeReg   uint8
	readReg    uint8
	retryDelay time.Duration
	queueSize  int
	logger     *slog.Logger

	reqs      chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// cache mirrors the last written byte; bit 8 marks it valid. Only the
	// owner goroutine stores it.
	cache atomic.Uint32
}

type Option func(*Controller)

// WithRegisters sets the write and read-back register addresses.
func WithRegisters(write, read uint8) Option {
	return func(c *Controller) { c.writeReg, c.readReg = write, read }
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New takes ownership of dev and starts the owner goroutine. The device is
// not touched until the first request.
func New(dev Expander, opts ...Option) *Controller {
	c := &Controller{
		dev:        dev,
		writeReg:   DefaultRegister,
		readReg:    DefaultRegister,
		retryDelay: DefaultRetryDelay,
		queueSize:  defaultQueueSize,
		logger:     logging.L(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "gate")
	c.reqs = make(chan func(), c.queueSize)
	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.reqs:
			fn()
		case <-c.done:
			return
		}
	}
}

// Close stops the owner goroutine. Queued requests that have not started
// fail with ErrClosed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// do runs fn on the owner goroutine and waits for its result. A cancelled
// ctx abandons the wait; an operation already started still completes.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.reqs <- func() { res <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cached returns the last written register value, if any.
func (c *Controller) Cached() (uint8, bool) {
	v := c.cache.Load()
	return uint8(v), v&cacheValid != 0
}

// TransceiverEnabled reports the cached USB/CAN select bit without bus I/O.
func (c *Controller) TransceiverEnabled() bool {
	v, ok := c.Cached()
	return ok && v&BitUSBSel != 0
}

func (c *Controller) store(v uint8) {
	c.cache.Store(uint32(v) | cacheValid)
	metrics.SetTransceiverEnabled(v&BitUSBSel != 0)
}

// Read forces a device read. An empty cache is seeded from the result.
func (c *Controller) Read(ctx context.Context) (uint8, error) {
	var v uint8
	err := c.do(ctx, func() error {
		var err error
		v, err = c.readDevice()
		if err == nil {
			if _, ok := c.Cached(); !ok {
				c.store(v)
			}
		}
		return err
	})
	return v, err
}

// Write replaces the whole register byte.
func (c *Controller) Write(ctx context.Context, v uint8) error {
	return c.do(ctx, func() error { return c.writeDevice(v) })
}

// SetBits replaces the bits selected by mask with the matching bits of value,
// preserving every other bit, then reads back and verifies the masked bits.
// A mismatch is retried once before ErrVerificationFailed is returned.
func (c *Controller) SetBits(ctx context.Context, mask, value uint8) error {
	return c.do(ctx, func() error {
		base, ok := c.Cached()
		if !ok {
			var err error
			if base, err = c.readDevice(); err != nil {
				return err
			}
		}
		next := base&^mask | value&mask
		if err := c.writeDevice(next); err != nil {
			return err
		}
		return c.verifyWritten(next, mask)
	})
}

// Verify reads the device and reports whether the masked bits match the
// last written value. Any read failure or empty cache reports false.
func (c *Controller) Verify(ctx context.Context, mask uint8) bool {
	ok := false
	_ = c.do(ctx, func() error {
		want, valid := c.Cached()
		if !valid {
			return nil
		}
		got, err := c.readDevice()
		if err != nil {
			return err
		}
		ok = got&mask == want&mask
		return nil
	})
	return ok
}

// Reassert rewrites the masked bits from the cache if the device drifted.
// It reports whether a correction was written.
func (c *Controller) Reassert(ctx context.Context, mask uint8) (bool, error) {
	corrected := false
	err := c.do(ctx, func() error {
		want, valid := c.Cached()
		if !valid {
			return nil
		}
		got, err := c.readDevice()
		if err != nil {
			return err
		}
		if got&mask == want&mask {
			return nil
		}
		next := got&^mask | want&mask
		c.logger.Warn("gate_drift", "register", hex8(got), "expected", hex8(want), "mask", hex8(mask))
		if err := c.writeDevice(next); err != nil {
			return err
		}
		corrected = true
		metrics.IncGateCorrection()
		return c.verifyWritten(next, mask)
	})
	return corrected, err
}

// Probe checks whether a device acknowledges addr. Probes share the owner
// goroutine with register traffic so bus transactions never overlap.
func (c *Controller) Probe(ctx context.Context, addr uint8) error {
	p, ok := c.dev.(Prober)
	if !ok {
		return ErrProbeUnsupported
	}
	return c.do(ctx, func() error { return p.Probe(addr) })
}

func (c *Controller) readDevice() (uint8, error) {
	v, err := c.dev.ReadRegister(c.readReg)
	if err == nil {
		return v, nil
	}
	c.logger.Warn("gate_read_retry", "register", hex8(c.readReg), "error", err)
	sleepFn(c.retryDelay)
	if v, err = c.dev.ReadRegister(c.readReg); err != nil {
		metrics.IncError(metrics.ErrGateI2C)
		return 0, fmt.Errorf("%w: read 0x%02X: %v", ErrI2C, c.readReg, err)
	}
	return v, nil
}

func (c *Controller) writeDevice(v uint8) error {
	err := c.dev.WriteRegister(c.writeReg, v)
	if err != nil {
		c.logger.Warn("gate_write_retry", "register", hex8(c.writeReg), "value", hex8(v), "error", err)
		sleepFn(c.retryDelay)
		if err = c.dev.WriteRegister(c.writeReg, v); err != nil {
			metrics.IncError(metrics.ErrGateI2C)
			return fmt.Errorf("%w: write 0x%02X=0x%02X: %v", ErrI2C, c.writeReg, v, err)
		}
	}
	c.store(v)
	metrics.IncGateWrite()
	c.logger.Debug("gate_write", "value", hex8(v))
	return nil
}

// verifyWritten reads back after a write; on mismatch it waits, rewrites and
// checks once more.
func (c *Controller) verifyWritten(want, mask uint8) error {
	for attempt := 0; ; attempt++ {
		got, err := c.readDevice()
		if err != nil {
			return err
		}
		if got&mask == want&mask {
			return nil
		}
		if attempt > 0 {
			metrics.IncError(metrics.ErrGateVerify)
			c.logger.Error("gate_verify_failed", "want", hex8(want&mask), "got", hex8(got&mask), "mask", hex8(mask))
			return fmt.Errorf("%w: mask 0x%02X want 0x%02X got 0x%02X", ErrVerificationFailed, mask, want&mask, got&mask)
		}
		c.logger.Warn("gate_verify_retry", "want", hex8(want&mask), "got", hex8(got&mask))
		sleepFn(c.retryDelay)
		if err := c.writeDevice(want); err != nil {
			return err
		}
	}
}

func hex8(v uint8) string { return fmt.Sprintf("0x%02X", v) }
