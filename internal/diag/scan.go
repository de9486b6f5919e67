// Package diag holds the bench diagnostics: I2C scan, RX idle-line
// sampling and the status snapshot served to operators.
package diag

import (
	"context"
	"errors"

	"github.com/kstaniek/go-vehicle-can/internal/gate"
)

// Scanned address range (7-bit, reserved addresses excluded).
const (
	FirstAddress uint8 = 0x01
	LastAddress  uint8 = 0x7E
)

const (
	LabelGT911   = "GT911 touch controller"
	LabelCH422G  = "CH422G IO expander"
	LabelUnknown = "unknown"
)

// KnownDevices maps addresses seen on the board bus to a best guess.
// The CH422G answers on several addresses, one per register.
var KnownDevices = map[uint8]string{
	0x14: LabelGT911,
	0x5D: LabelGT911,
	0x23: LabelCH422G,
	0x24: LabelCH422G,
	0x26: LabelCH422G,
	0x38: LabelCH422G,
}

// Device is one responding address.
type Device struct {
	Address uint8  `json:"address"`
	Label   string `json:"possible_device"`
}

// Prober probes a single bus address. *gate.Controller implements it so
// scans share the gate's bus ownership.
type Prober interface {
	Probe(ctx context.Context, addr uint8) error
}

// Scan probes FirstAddress..LastAddress. Silence is a normal outcome; a
// prober that cannot scan yields an empty result.
func Scan(ctx context.Context, p Prober, table map[uint8]string) []Device {
	if table == nil {
		table = KnownDevices
	}
	var found []Device
	for a := FirstAddress; a <= LastAddress; a++ {
		if ctx.Err() != nil {
			break
		}
		err := p.Probe(ctx, a)
		if errors.Is(err, gate.ErrProbeUnsupported) || errors.Is(err, gate.ErrClosed) {
			return nil
		}
		if err != nil {
			continue
		}
		label, ok := table[a]
		if !ok {
			label = LabelUnknown
		}
		found = append(found, Device{Address: a, Label: label})
	}
	return found
}
