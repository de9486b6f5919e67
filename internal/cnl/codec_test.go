package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-vehicle-can/internal/can"
)

// Frames as they appear on the vehicle bus.
var (
	lightsOn   = can.NewExtended(0x18FF5163, []byte{0xFF, 0, 0, 0, 0, 0, 0, 0})
	motorStop  = can.NewExtended(0x0CFEF963, []byte{1, 127, 0})
	cellPoll   = can.NewExtended(0x18FF5263, nil)
	testFrame  = can.NewExtended(0x18FF01F9, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	vehicleBus = []can.Frame{lightsOn, motorStop, cellPoll, testFrame}
)

func TestEncodeWireLayout(t *testing.T) {
	var c Codec
	got := c.Encode([]can.Frame{motorStop})
	want := []byte{0x8C, 0xFE, 0xF9, 0x63, 0x03, 1, 127, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire % X, want % X", got, want)
	}
	if c.Encode(nil) != nil {
		t.Fatalf("empty batch should encode to nil")
	}
}

func TestDecodeNRoundTrip(t *testing.T) {
	var c Codec
	var out []can.Frame
	n, err := c.DecodeN(bytes.NewReader(c.Encode(vehicleBus)), 0, func(f can.Frame) { out = append(out, f) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF at a clean end, got %v", err)
	}
	if n != len(vehicleBus) || len(out) != len(vehicleBus) {
		t.Fatalf("decoded %d (collected %d), want %d", n, len(out), len(vehicleBus))
	}
	for i, want := range vehicleBus {
		if out[i].CANID != want.CANID || !bytes.Equal(out[i].Payload(), want.Payload()) {
			t.Fatalf("frame %d: got %v want %v", i, out[i], want)
		}
		if !out[i].Extended() {
			t.Fatalf("frame %d lost the extended flag", i)
		}
	}
}

func TestDecodeNStopsAtMax(t *testing.T) {
	var c Codec
	r := bytes.NewReader(c.Encode(vehicleBus))
	n, err := c.DecodeN(r, 2, func(can.Frame) {})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	fr, err := c.Decode(r)
	if err != nil || fr.ID() != cellPoll.ID() {
		t.Fatalf("next frame %v err=%v", fr, err)
	}
}

func TestEncodeToMatchesEncode(t *testing.T) {
	var c Codec
	var buf bytes.Buffer
	n, err := c.EncodeTo(&buf, vehicleBus)
	if err != nil {
		t.Fatal(err)
	}
	if want := c.Encode(vehicleBus); n != len(want) || !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("EncodeTo wrote %d bytes % X, want % X", n, buf.Bytes(), want)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestEncodeToReportsWriteError(t *testing.T) {
	var c Codec
	if _, err := c.EncodeTo(failWriter{}, vehicleBus); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("want wrapped write error, got %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		wire []byte
		want error
	}{
		{"length over 8", []byte{0x98, 0xFF, 0x51, 0x63, 0x09}, ErrInvalidLength},
		{"fd flag does not hide bad length", []byte{0x98, 0xFF, 0x51, 0x63, 0x89}, ErrInvalidLength},
		{"payload cut short", []byte{0x98, 0xFF, 0x51, 0x63, 0x05, 1, 2, 3}, ErrTruncatedFrame},
		{"header cut after id", []byte{0x98, 0xFF, 0x51, 0x63}, ErrTruncatedFrame},
		{"clean boundary", nil, io.EOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var c Codec
			if _, err := c.Decode(bytes.NewReader(tc.wire)); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func BenchmarkEncodeTo(b *testing.B) {
	var c Codec
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = vehicleBus[i%len(vehicleBus)]
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = c.EncodeTo(&buf, frames)
	}
}

func BenchmarkDecodeN(b *testing.B) {
	var c Codec
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = vehicleBus[i%len(vehicleBus)]
	}
	wire := c.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
