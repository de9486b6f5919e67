package txrx

import (
	"context"
	"time"
)

const (
	// PumpPoll is how long each pump receive waits; it also paces retries
	// while the bus is down.
	PumpPoll = 50 * time.Millisecond
	// PumpBackoffMax caps the wait between failing receives.
	PumpBackoffMax = time.Second
)

// waitFn allows tests to intercept idle waits. It returns early when ctx is
// done.
var waitFn = func(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Pump drains the controller until ctx is done and hands every frame to
// sink. It must be the only receiver while it runs.
//
// A controller that fails its receive usually fails at once, so the pump
// waits out the rest of the poll slice and doubles the wait while the
// failures continue.
func (e *Engine) Pump(ctx context.Context, sink func(ReceivedFrame)) {
	defer e.log.Info("rx_pump_end")
	backoff := PumpPoll
	for ctx.Err() == nil {
		if _, _, ok := e.bus.Active(); !ok {
			waitFn(ctx, PumpPoll)
			continue
		}
		start := time.Now()
		fr, ok, err := e.receive(PumpPoll)
		if err != nil {
			if backoff == PumpPoll {
				e.log.Warn("rx_failing", "error", err)
			}
			waitFn(ctx, backoff-time.Since(start))
			backoff = min(backoff*2, PumpBackoffMax)
			continue
		}
		backoff = PumpPoll
		if ok {
			sink(fr)
		}
	}
}
