package can

import "testing"

func TestNewExtendedMasksAndFlags(t *testing.T) {
	f := NewExtended(0xFFFFFFFF, []byte{1, 2, 3})
	if !f.Extended() {
		t.Fatalf("expected EFF flag")
	}
	if f.ID() != CAN_EFF_MASK {
		t.Fatalf("id = 0x%X", f.ID())
	}
	if f.Len != 3 || f.Data[2] != 3 {
		t.Fatalf("payload mismatch: %v", f)
	}
}

func TestNewExtendedTruncatesPayload(t *testing.T) {
	f := NewExtended(0x18FEF963, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	if f.Len != MaxDataLen {
		t.Fatalf("len = %d", f.Len)
	}
	if got := len(f.Payload()); got != MaxDataLen {
		t.Fatalf("payload len = %d", got)
	}
}

func TestStandardID(t *testing.T) {
	f := Frame{CANID: 0x737, Len: 0}
	if f.Extended() || f.ID() != 0x737 {
		t.Fatalf("unexpected standard id handling: %v", f)
	}
}
