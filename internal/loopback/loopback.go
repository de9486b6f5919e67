// Package loopback is an in-memory CAN controller. It backs the daemon's
// "loopback" backend on hosts without CAN hardware and stands in for a real
// controller in tests.
package loopback

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
)

// HistoryLen bounds the transmitted-frame history.
const HistoryLen = 64

// Controller models an on-chip controller with bounded queues. Frames
// transmitted in loopback mode come back on Receive; otherwise they are
// recorded and dropped as if sent onto an idle bus. Inject simulates
// traffic from other nodes.
type Controller struct {
	mu        sync.Mutex
	cfg       driver.Config
	installed bool
	started   bool
	busOff    bool
	rx        chan can.Frame
	sent      []can.Frame
	txErrors  uint32
	rxErrors  uint32

	// Fail* make the matching lifecycle call fail, for tests.
	FailInstall error
	FailStart   error
	// TxRejects makes the next n Transmit calls report a full queue.
	TxRejects int
}

var _ driver.Controller = (*Controller)(nil)

var errNotRunning = errors.New("loopback: not running")

func New() *Controller { return &Controller{} }

func (c *Controller) Install(cfg driver.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailInstall != nil {
		return c.FailInstall
	}
	if c.installed {
		return driver.ErrAlreadyInstalled
	}
	c.cfg = cfg.WithDefaults()
	c.rx = make(chan can.Frame, c.cfg.RxQueueLen)
	c.installed = true
	c.busOff = false
	return nil
}

func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailStart != nil {
		return c.FailStart
	}
	if !c.installed {
		return driver.ErrNotInstalled
	}
	c.started = true
	return nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

func (c *Controller) Uninstall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.installed = false
	c.rx = nil
	return nil
}

// Transmit never blocks: the virtual bus drains instantly.
func (c *Controller) Transmit(fr can.Frame, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.started:
		return driver.ErrNotStarted
	case c.busOff:
		c.txErrors++
		return driver.ErrBusOff
	case c.TxRejects > 0:
		c.TxRejects--
		return driver.ErrTxQueueFull
	}
	c.sent = append(c.sent, fr)
	if len(c.sent) > HistoryLen {
		c.sent = c.sent[len(c.sent)-HistoryLen:]
	}
	if c.cfg.Loopback {
		c.deliverLocked(fr)
	}
	return nil
}

func (c *Controller) Receive(timeout time.Duration) (can.Frame, bool, error) {
	c.mu.Lock()
	started, rx := c.started, c.rx
	c.mu.Unlock()
	if !started {
		return can.Frame{}, false, driver.ErrNotStarted
	}
	if timeout <= 0 {
		select {
		case fr := <-rx:
			return fr, true, nil
		default:
			return can.Frame{}, false, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case fr := <-rx:
		return fr, true, nil
	case <-t.C:
		return can.Frame{}, false, nil
	}
}

func (c *Controller) Status() (driver.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := driver.Status{State: driver.BusStopped, TxErrors: c.txErrors, RxErrors: c.rxErrors}
	switch {
	case c.busOff:
		st.State = driver.BusOff
	case c.started:
		st.State = driver.BusRunning
	}
	return st, nil
}

// Inject delivers a frame as if another node sent it.
func (c *Controller) Inject(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return errNotRunning
	}
	c.deliverLocked(fr)
	return nil
}

// SetBusOff forces or clears the bus-off condition.
func (c *Controller) SetBusOff(off bool) {
	c.mu.Lock()
	c.busOff = off
	if off {
		c.txErrors = 256
	} else {
		c.txErrors = 0
	}
	c.mu.Unlock()
}

// Sent returns a copy of recently transmitted frames, oldest first.
func (c *Controller) Sent() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.sent...)
}

// Config returns the configuration passed to the last Install.
func (c *Controller) Config() driver.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) deliverLocked(fr can.Frame) {
	select {
	case c.rx <- fr:
	default:
		c.rxErrors++
	}
}
