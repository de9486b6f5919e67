package gate

import (
	"context"
	"errors"
	"time"
)

// DefaultWatchdogInterval matches the expander reassert cadence.
const DefaultWatchdogInterval = time.Second

// Watchdog periodically restores the intended state of the masked bits in
// case another bus master or a reset glitch flipped them. It reasserts what
// was last written through c, so a deliberate SetBits is never undone.
// It returns when ctx is cancelled or the controller is closed.
func Watchdog(ctx context.Context, c *Controller, interval time.Duration, mask uint8) {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			corrected, err := c.Reassert(ctx, mask)
			switch {
			case errors.Is(err, ErrClosed):
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("gate_watchdog_error", "error", err)
			case corrected:
				c.logger.Info("gate_watchdog_corrected", "mask", hex8(mask))
			}
		}
	}
}
