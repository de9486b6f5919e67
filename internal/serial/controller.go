package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
	"github.com/kstaniek/go-vehicle-can/internal/transport"
)

const (
	readBufSize     = 4096
	readTimeout     = 50 * time.Millisecond
	rxBackoffMin    = 20 * time.Millisecond
	rxBackoffMax    = 500 * time.Millisecond
	accReclaimLimit = 16 * 1024
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openPort is a hook for tests.
var openPort = Open

// Controller drives a UART CAN adapter. The adapter owns bit timing, so the
// configured bitrate is informational. In loopback mode transmitted frames
// are echoed into the receive queue instead of being written to the UART.
type Controller struct {
	dev   string
	baud  int
	codec Codec
	log   *slog.Logger

	mu        sync.Mutex
	cfg       driver.Config
	port      Port
	installed bool
	started   bool
	tx        *transport.AsyncTx
	rx        chan can.Frame
	lost      chan struct{} // closed by readLoop when the device disappears
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	txErrors atomic.Uint32
	rxErrors atomic.Uint32
}

var _ driver.Controller = (*Controller)(nil)

// New returns a controller for the UART at dev.
func New(dev string, baud int) *Controller {
	return &Controller{dev: dev, baud: baud, log: logging.For("serial")}
}

func (c *Controller) Install(cfg driver.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installed {
		return driver.ErrAlreadyInstalled
	}
	p, err := openPort(c.dev, c.baud, readTimeout)
	if err != nil {
		return err
	}
	c.cfg = cfg.WithDefaults()
	c.port = p
	c.installed = true
	c.log.Info("serial_open", "device", c.dev, "baud", c.baud, "bitrate", c.cfg.Bitrate)
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
	ctx, cancel := context.WithCancel(context.Background())
	port := c.port
	send := func(fr can.Frame) error {
		_, err := port.Write(c.codec.Encode(fr))
		return err
	}
	c.tx = transport.NewAsyncTx(ctx, c.cfg.TxQueueLen, send, transport.Hooks{
		OnError: func(err error) {
			c.txErrors.Add(1)
			metrics.IncError(metrics.ErrDriverWrite)
			c.log.Error("serial_write_error", "error", err)
		},
		OnDrop: func() error { return driver.ErrTxQueueFull },
	})
	c.rx = make(chan can.Frame, c.cfg.RxQueueLen)
	c.lost = make(chan struct{})
	c.cancel = cancel
	c.started = true
	c.wg.Add(1)
	go c.readLoop(ctx, port, c.rx, c.lost)
	return nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.cancel()
	tx := c.tx
	c.mu.Unlock()
	tx.Close()
	c.wg.Wait()
	return nil
}

func (c *Controller) Uninstall() error {
	if err := c.Stop(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.installed {
		return nil
	}
	c.installed = false
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *Controller) Transmit(fr can.Frame, timeout time.Duration) error {
	c.mu.Lock()
	started, loopback, tx, rx, lost := c.started, c.cfg.Loopback, c.tx, c.rx, c.lost
	c.mu.Unlock()
	if !started {
		return driver.ErrNotStarted
	}
	if isClosed(lost) {
		return c.errLost()
	}
	if loopback {
		c.deliver(rx, fr)
		return nil
	}
	err := tx.SendFrameWait(fr, timeout)
	if errors.Is(err, transport.ErrAsyncTxClosed) {
		return driver.ErrNotStarted
	}
	return err
}

func (c *Controller) Receive(timeout time.Duration) (can.Frame, bool, error) {
	c.mu.Lock()
	started, rx, lost := c.started, c.rx, c.lost
	c.mu.Unlock()
	if !started {
		return can.Frame{}, false, driver.ErrNotStarted
	}
	// Frames decoded before the loss are still handed out.
	select {
	case fr := <-rx:
		return fr, true, nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case fr := <-rx:
		return fr, true, nil
	case <-lost:
		return can.Frame{}, false, c.errLost()
	case <-t.C:
		return can.Frame{}, false, nil
	}
}

func (c *Controller) errLost() error {
	return fmt.Errorf("%w: %s", driver.ErrDeviceLost, c.dev)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (c *Controller) Status() (driver.Status, error) {
	c.mu.Lock()
	started, lost := c.started, c.lost
	c.mu.Unlock()
	st := driver.Status{State: driver.BusStopped, TxErrors: c.txErrors.Load(), RxErrors: c.rxErrors.Load()}
	switch {
	case started && isClosed(lost):
		st.State = driver.BusDeviceLost
	case started:
		st.State = driver.BusRunning
	}
	return st, nil
}

// deliver queues a received frame; a full queue is an RX overrun.
func (c *Controller) deliver(rx chan can.Frame, fr can.Frame) {
	select {
	case rx <- fr:
	default:
		c.rxErrors.Add(1)
	}
}

func (c *Controller) readLoop(ctx context.Context, p Port, rx chan can.Frame, lost chan struct{}) {
	defer c.wg.Done()
	defer c.log.Info("serial_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := p.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = c.codec.DecodeStream(acc, func(fr can.Frame) { c.deliver(rx, fr) })
			if acc.Len() == 0 && cap(acc.Bytes()) > accReclaimLimit {
				acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			c.rxErrors.Add(1)
			metrics.IncError(metrics.ErrDeviceLost)
			c.log.Error("serial_device_lost", "device", c.dev, "error", err)
			close(lost)
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout
		}
		c.rxErrors.Add(1)
		metrics.IncError(metrics.ErrDriverRead)
		c.log.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}
