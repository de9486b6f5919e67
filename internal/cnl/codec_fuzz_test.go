package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-vehicle-can/internal/can"
)

// FuzzDecodeReencode checks that whatever the decoder accepts survives a
// second encode/decode pass unchanged.
func FuzzDecodeReencode(f *testing.F) {
	var c Codec
	f.Add(c.Encode(vehicleBus))
	f.Add(c.Encode([]can.Frame{cellPoll}))
	f.Add([]byte{0x98, 0xFF, 0x51, 0x63, 0x89})
	f.Fuzz(func(t *testing.T, data []byte) {
		var got []can.Frame
		n, _ := c.DecodeN(bytes.NewReader(data), 16, func(fr can.Frame) { got = append(got, fr) })
		if n != len(got) {
			t.Fatalf("count %d, collected %d", n, len(got))
		}
		var again []can.Frame
		_, _ = c.DecodeN(bytes.NewReader(c.Encode(got)), 0, func(fr can.Frame) { again = append(again, fr) })
		if len(again) != len(got) {
			t.Fatalf("second pass decoded %d of %d", len(again), len(got))
		}
		for i := range got {
			if again[i].CANID != got[i].CANID || !bytes.Equal(again[i].Payload(), got[i].Payload()) {
				t.Fatalf("frame %d changed: %v -> %v", i, got[i], again[i])
			}
		}
	})
}
