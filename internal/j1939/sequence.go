package j1939

import (
	"errors"
	"fmt"
	"time"
)

// Output sequences for the Infinitybox modules. A sequence arms the output
// mode (PGN 0xFF02), issues the command (PGN 0xFF01) and disarms again. The
// frames are sent with RawIdentifier from the service tool address.
const (
	PGNOutputCommand uint32 = 0xFF01
	PGNOutputMode    uint32 = 0xFF02

	ToolSource       uint8 = 0x80
	SequencePriority uint8 = 6
	SequenceSpacing        = 10 * time.Millisecond
)

// ErrNoSequence is returned for outputs without a known sequence.
var ErrNoSequence = errors.New("j1939: no output sequence")

// RawFrame is one step of an output sequence.
type RawFrame struct {
	PGN  uint32
	Data [8]byte
}

func (f RawFrame) String() string {
	return fmt.Sprintf("%s % X", Describe(f.PGN), f.Data[:])
}

func modeFrame(b byte) RawFrame { return RawFrame{PGN: PGNOutputMode, Data: [8]byte{b}} }
func commandFrame(b ...byte) RawFrame {
	f := RawFrame{PGN: PGNOutputCommand}
	copy(f.Data[:], b)
	return f
}

// OutputSequence returns the frames that switch output 1 or 9.
func OutputSequence(output int, on bool) ([]RawFrame, error) {
	switch {
	case output == 1 && on:
		return []RawFrame{modeFrame(0x00), commandFrame(0xA0), modeFrame(0x80), commandFrame(0x20), modeFrame(0x00)}, nil
	case output == 9 && on:
		return []RawFrame{modeFrame(0x00), commandFrame(0x20, 0x80), modeFrame(0x80), commandFrame(0x20, 0x80), modeFrame(0x00)}, nil
	case output == 1 || output == 9:
		return []RawFrame{modeFrame(0x00), commandFrame(0x20), modeFrame(0x00)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrNoSequence, output)
	}
}
