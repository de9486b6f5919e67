//go:build linux

package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
	"github.com/kstaniek/go-vehicle-can/internal/transport"
)

// openDevice is a hook for tests.
var openDevice = func(iface string, recvOwn bool) (Dev, error) { return Open(iface, recvOwn) }

// Option configures a Controller.
type Option func(*Controller)

// WithLinkManagement lets the controller set bitrate and bring the
// interface up and down (requires CAP_NET_ADMIN). Without it the interface
// is used as the system configured it.
func WithLinkManagement(on bool) Option { return func(c *Controller) { c.manage = on } }

// WithLink replaces the rtnetlink link, mainly for tests.
func WithLink(l Link) Option { return func(c *Controller) { c.link = l } }

// Controller drives a SocketCAN interface. Bus-off is learned from
// controller error frames and from ENETDOWN on read or write.
type Controller struct {
	iface  string
	manage bool
	link   Link
	log    *slog.Logger

	mu        sync.RWMutex
	cfg       driver.Config
	dev       Dev
	installed bool
	started   bool
	tx        *transport.AsyncTx

	busOff   atomic.Bool
	txErrors atomic.Uint32
	rxErrors atomic.Uint32
}

var _ driver.Controller = (*Controller)(nil)

func New(iface string, opts ...Option) *Controller {
	c := &Controller{iface: iface, log: logging.For("socketcan")}
	for _, o := range opts {
		o(c)
	}
	if c.link == nil {
		c.link = NewLink(iface)
	}
	return c
}

func (c *Controller) Install(cfg driver.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installed {
		return driver.ErrAlreadyInstalled
	}
	cfg = cfg.WithDefaults()
	if c.manage {
		if err := c.link.SetUp(false); err != nil {
			return err
		}
		if err := c.link.Configure(cfg.Bitrate, cfg.Loopback); err != nil {
			return err
		}
	}
	dev, err := openDevice(c.iface, cfg.Loopback)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.dev = dev
	c.installed = true
	c.busOff.Store(false)
	c.log.Info("socketcan_open", "if", c.iface, "bitrate", cfg.Bitrate, "loopback", cfg.Loopback, "managed", c.manage)
	return nil
}

func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.installed {
		return driver.ErrNotInstalled
	}
	if c.started {
		return nil
	}
	if c.manage {
		if err := c.link.SetUp(true); err != nil {
			return err
		}
	}
	dev := c.dev
	c.tx = transport.NewAsyncTx(context.Background(), c.cfg.TxQueueLen, dev.WriteFrame, transport.Hooks{
		OnError: c.onWriteError,
		OnDrop:  func() error { return driver.ErrTxQueueFull },
	})
	c.started = true
	return nil
}

func (c *Controller) onWriteError(err error) {
	c.txErrors.Add(1)
	metrics.IncError(metrics.ErrDriverWrite)
	if errors.Is(err, unix.ENETDOWN) {
		c.markBusOff(err)
		return
	}
	c.log.Warn("socketcan_write_error", "if", c.iface, "error", err)
}

func (c *Controller) markBusOff(err error) {
	if !c.busOff.Swap(true) {
		c.log.Error("socketcan_bus_off", "if", c.iface, "error", err)
	}
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	c.tx.Close()
	if c.manage {
		return c.link.SetUp(false)
	}
	return nil
}

func (c *Controller) Uninstall() error {
	if err := c.Stop(); err != nil {
		c.log.Warn("socketcan_stop_error", "error", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.installed {
		return nil
	}
	c.installed = false
	err := c.dev.Close()
	c.dev = nil
	return err
}

func (c *Controller) Transmit(fr can.Frame, timeout time.Duration) error {
	c.mu.RLock()
	started, tx := c.started, c.tx
	c.mu.RUnlock()
	if !started {
		return driver.ErrNotStarted
	}
	if c.busOff.Load() {
		return driver.ErrBusOff
	}
	err := tx.SendFrameWait(fr, timeout)
	if errors.Is(err, transport.ErrAsyncTxClosed) {
		return driver.ErrNotStarted
	}
	return err
}

// Receive returns the next data frame. Error frames update bus state and
// are not returned. The read lock keeps Uninstall from closing the socket
// under a poll.
func (c *Controller) Receive(timeout time.Duration) (can.Frame, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return can.Frame{}, false, driver.ErrNotStarted
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		var fr can.Frame
		ok, err := c.dev.ReadFrameTimeout(&fr, remaining)
		if err != nil {
			c.rxErrors.Add(1)
			metrics.IncError(metrics.ErrDriverRead)
			if errors.Is(err, unix.ENETDOWN) {
				c.markBusOff(err)
				return can.Frame{}, false, fmt.Errorf("%w: %w", driver.ErrBusOff, err)
			}
			return can.Frame{}, false, err
		}
		if !ok {
			return can.Frame{}, false, nil
		}
		if fr.CANID&can.CAN_ERR_FLAG == 0 {
			return fr, true, nil
		}
		c.handleErrorFrame(fr)
		if remaining == 0 {
			return can.Frame{}, false, nil
		}
	}
}

// handleErrorFrame applies a controller error frame (linux/can/error.h).
func (c *Controller) handleErrorFrame(fr can.Frame) {
	class := fr.CANID & unix.CAN_ERR_MASK
	switch {
	case class&unix.CAN_ERR_BUSOFF != 0:
		if !c.busOff.Swap(true) {
			metrics.IncError(metrics.ErrBusOff)
			c.log.Error("socketcan_bus_off", "if", c.iface)
		}
	case class&unix.CAN_ERR_RESTARTED != 0:
		if c.busOff.Swap(false) {
			c.log.Info("socketcan_bus_restarted", "if", c.iface)
		}
	}
	if class&unix.CAN_ERR_CNT != 0 && fr.Len == can.MaxDataLen {
		c.txErrors.Store(uint32(fr.Data[6]))
		c.rxErrors.Store(uint32(fr.Data[7]))
	}
}

// Status prefers the kernel's view; interfaces without CAN state (vcan)
// fall back to what the controller has observed.
func (c *Controller) Status() (driver.Status, error) {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	local := driver.Status{State: driver.BusStopped, TxErrors: c.txErrors.Load(), RxErrors: c.rxErrors.Load()}
	if started {
		local.State = driver.BusRunning
	}
	if c.busOff.Load() {
		local.State = driver.BusOff
	}
	st, err := c.link.Status()
	if err != nil {
		if !errors.Is(err, ErrNotCAN) {
			c.log.Debug("socketcan_status_fallback", "error", err)
		}
		return local, nil
	}
	return st, nil
}
