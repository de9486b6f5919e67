package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
)

// AsyncTx funnels frame writes through a single goroutine (fan-in) so a
// slow or wedged device never blocks producers for longer than they ask.
// When the buffer is full the OnDrop hook decides the error returned to the
// producer (usually driver.ErrTxQueueFull).
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Sends after Close fail with ErrAsyncTxClosed.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer stays full; its returned error is
	// returned to the producer. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *AsyncTx) drop() error {
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return nil
}

// SendFrame queues a frame or returns the drop error if the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		return a.drop()
	}
}

// SendFrameWait queues a frame, waiting up to timeout for buffer space.
// A non-positive timeout behaves like SendFrame.
func (a *AsyncTx) SendFrameWait(fr can.Frame, timeout time.Duration) error {
	if timeout <= 0 {
		return a.SendFrame(fr)
	}
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case a.ch <- fr:
		return nil
	case <-a.ctx.Done():
		return ErrAsyncTxClosed
	case <-t.C:
		return a.drop()
	}
}

// Pending reports frames queued but not yet handed to the device.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit. Frames still queued are
// discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	// Cancel first so a sender blocked in SendFrameWait releases the lock.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
