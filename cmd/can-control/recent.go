package main

import (
	"sync"

	"github.com/kstaniek/go-vehicle-can/internal/txrx"
)

const recentFramesCap = 64

// recentFrames keeps the last frames seen by the RX pump for the HTTP API.
// The pump is the only bus reader in the daemon, so the API drains this
// instead of the controller.
type recentFrames struct {
	mu  sync.Mutex
	buf []txrx.ReceivedFrame
}

func (r *recentFrames) add(fr txrx.ReceivedFrame) {
	r.mu.Lock()
	if len(r.buf) == recentFramesCap {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:recentFramesCap-1]
	}
	r.buf = append(r.buf, fr)
	r.mu.Unlock()
}

// drain returns the buffered frames, oldest first, and empties the buffer.
func (r *recentFrames) drain() []txrx.ReceivedFrame {
	r.mu.Lock()
	out := r.buf
	r.buf = nil
	r.mu.Unlock()
	if out == nil {
		out = []txrx.ReceivedFrame{}
	}
	return out
}
