// Package gpio samples GPIO lines through the Linux GPIO character device.
package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/kstaniek/go-vehicle-can/internal/diag"
)

// DefaultChip is the SoC's primary GPIO controller.
const DefaultChip = "gpiochip0"

const consumer = "can-idle-sample"

// Chip opens lines on one gpiochip.
type Chip struct {
	name string
}

var _ diag.PinSampler = (*Chip)(nil)

func NewChip(name string) *Chip {
	if name == "" {
		name = DefaultChip
	}
	return &Chip{name: name}
}

// OpenInput requests pin as an input. The request only reads the line; it
// does not change the pin's function while the CAN controller owns it.
func (c *Chip) OpenInput(pin int) (diag.Pin, error) {
	l, err := gpiocdev.RequestLine(c.name, pin, gpiocdev.AsInput, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("gpio %s:%d: %w", c.name, pin, err)
	}
	return l, nil
}
