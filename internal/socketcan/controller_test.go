//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
)

type fakeDev struct {
	mu       sync.Mutex
	rx       chan can.Frame
	written  []can.Frame
	writeErr error
	readErr  error
	reads    int
	closed   bool
}

func newFakeDev() *fakeDev { return &fakeDev{rx: make(chan can.Frame, 16)} }

func (d *fakeDev) ReadFrameTimeout(fr *can.Frame, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	d.reads++
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		return false, err
	}
	select {
	case f := <-d.rx:
		*fr = f
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (d *fakeDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.written = append(d.written, fr)
	return nil
}

func (d *fakeDev) Close() error { d.mu.Lock(); d.closed = true; d.mu.Unlock(); return nil }

func (d *fakeDev) count() int { d.mu.Lock(); defer d.mu.Unlock(); return len(d.written) }

type fakeLink struct {
	calls  []string
	status driver.Status
	err    error
}

func (l *fakeLink) Configure(bitrate uint32, loopback bool) error {
	l.calls = append(l.calls, "configure")
	return nil
}

func (l *fakeLink) SetUp(up bool) error {
	if up {
		l.calls = append(l.calls, "up")
	} else {
		l.calls = append(l.calls, "down")
	}
	return nil
}

func (l *fakeLink) Status() (driver.Status, error) { return l.status, l.err }

func withFakeDev(t *testing.T) *fakeDev {
	t.Helper()
	d := newFakeDev()
	prev := openDevice
	openDevice = func(string, bool) (Dev, error) { return d, nil }
	t.Cleanup(func() { openDevice = prev })
	return d
}

func started(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	c := New("can0", opts...)
	if err := c.Install(driver.Config{Bitrate: 250000}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Uninstall() })
	return c
}

func TestManagedLinkSequence(t *testing.T) {
	withFakeDev(t)
	l := &fakeLink{err: ErrNotCAN}
	c := started(t, WithLinkManagement(true), WithLink(l))
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	want := []string{"down", "configure", "up", "down"}
	if len(l.calls) != len(want) {
		t.Fatalf("calls %v want %v", l.calls, want)
	}
	for i := range want {
		if l.calls[i] != want[i] {
			t.Fatalf("calls %v want %v", l.calls, want)
		}
	}
}

func TestTransmitReachesDevice(t *testing.T) {
	d := withFakeDev(t)
	c := started(t, WithLink(&fakeLink{err: ErrNotCAN}))
	if err := c.Transmit(can.NewExtended(0x18FF5163, []byte{1}), 50*time.Millisecond); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && d.count() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if d.count() != 1 {
		t.Fatalf("written %d", d.count())
	}
}

func TestErrorFramesTrackBusOff(t *testing.T) {
	d := withFakeDev(t)
	c := started(t, WithLink(&fakeLink{err: ErrNotCAN}))
	d.rx <- can.Frame{CANID: can.CAN_ERR_FLAG | unix.CAN_ERR_BUSOFF, Len: 8}
	d.rx <- can.NewExtended(0x0CFEF963, []byte{1, 2, 3})
	fr, ok, err := c.Receive(time.Second)
	if err != nil || !ok || fr.ID() != 0x0CFEF963 {
		t.Fatalf("receive fr=%v ok=%v err=%v", fr, ok, err)
	}
	if err := c.Transmit(can.NewExtended(1, nil), 0); !errors.Is(err, driver.ErrBusOff) {
		t.Fatalf("expected bus off, got %v", err)
	}
	st, _ := c.Status()
	if st.State != driver.BusOff {
		t.Fatalf("state %v", st.State)
	}
	d.rx <- can.Frame{CANID: can.CAN_ERR_FLAG | unix.CAN_ERR_RESTARTED, Len: 8}
	if _, ok, _ := c.Receive(20 * time.Millisecond); ok {
		t.Fatalf("error frame leaked to caller")
	}
	if err := c.Transmit(can.NewExtended(1, nil), 0); err != nil {
		t.Fatalf("after restart: %v", err)
	}
}

func TestWriteENETDOWNMarksBusOff(t *testing.T) {
	d := withFakeDev(t)
	d.writeErr = unix.ENETDOWN
	c := started(t, WithLink(&fakeLink{err: ErrNotCAN}))
	_ = c.Transmit(can.NewExtended(1, nil), 0)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !c.busOff.Load() {
		time.Sleep(2 * time.Millisecond)
	}
	if err := c.Transmit(can.NewExtended(1, nil), 0); !errors.Is(err, driver.ErrBusOff) {
		t.Fatalf("expected bus off, got %v", err)
	}
}

func TestReadENETDOWNReportsBusOff(t *testing.T) {
	d := withFakeDev(t)
	d.readErr = fmt.Errorf("socket: %w", unix.ENETDOWN)
	c := started(t, WithLink(&fakeLink{err: ErrNotCAN}))
	_, ok, err := c.Receive(50 * time.Millisecond)
	if ok || !errors.Is(err, driver.ErrBusOff) || !errors.Is(err, unix.ENETDOWN) {
		t.Fatalf("receive ok=%v err=%v", ok, err)
	}
	if st, _ := c.Status(); st.State != driver.BusOff {
		t.Fatalf("state %v", st.State)
	}
	if err := c.Transmit(can.NewExtended(1, nil), 0); !errors.Is(err, driver.ErrBusOff) {
		t.Fatalf("expected bus off, got %v", err)
	}
}

func TestReadErrorIsReturnedOnce(t *testing.T) {
	d := withFakeDev(t)
	d.readErr = unix.EIO
	c := started(t, WithLink(&fakeLink{err: ErrNotCAN}))
	if _, _, err := c.Receive(50 * time.Millisecond); !errors.Is(err, unix.EIO) || errors.Is(err, driver.ErrBusOff) {
		t.Fatalf("receive err=%v", err)
	}
	d.mu.Lock()
	reads := d.reads
	d.mu.Unlock()
	if reads != 1 {
		t.Fatalf("read %d times for one Receive", reads)
	}
}

func TestStatusPrefersKernel(t *testing.T) {
	withFakeDev(t)
	l := &fakeLink{status: driver.Status{State: driver.BusErrorPassive, TxErrors: 130, RxErrors: 4}}
	c := started(t, WithLink(l))
	st, err := c.Status()
	if err != nil || st != l.status {
		t.Fatalf("status %+v err=%v", st, err)
	}
}

func TestDecodeLinkStatus(t *testing.T) {
	ae := netlink.NewAttributeEncoder()
	ae.Nested(unix.IFLA_LINKINFO, func(li *netlink.AttributeEncoder) error {
		li.String(unix.IFLA_INFO_KIND, "can")
		li.Nested(unix.IFLA_INFO_DATA, func(d *netlink.AttributeEncoder) error {
			d.Uint32(unix.IFLA_CAN_STATE, unix.CAN_STATE_ERROR_WARNING)
			be := make([]byte, 4)
			binary.NativeEndian.PutUint16(be[0:2], 97)
			binary.NativeEndian.PutUint16(be[2:4], 12)
			d.Bytes(unix.IFLA_CAN_BERR_COUNTER, be)
			return nil
		})
		return nil
	})
	attrs, err := ae.Encode()
	if err != nil {
		t.Fatal(err)
	}
	st, err := decodeLinkStatus(append(ifInfo(3, unix.IFF_UP, 0), attrs...))
	if err != nil {
		t.Fatal(err)
	}
	if st.State != driver.BusErrorWarning || st.TxErrors != 97 || st.RxErrors != 12 {
		t.Fatalf("status %+v", st)
	}

	st, err = decodeLinkStatus(ifInfo(3, 0, 0))
	if !errors.Is(err, ErrNotCAN) || st.State != driver.BusStopped {
		t.Fatalf("vcan fallback %+v err=%v", st, err)
	}
}

func TestEncodeCANInfoCarriesBitrate(t *testing.T) {
	b, err := encodeCANInfo(500000, true)
	if err != nil {
		t.Fatal(err)
	}
	var bitrate, mode uint32
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		t.Fatal(err)
	}
	for ad.Next() {
		ad.Nested(func(li *netlink.AttributeDecoder) error {
			for li.Next() {
				if li.Type() != unix.IFLA_INFO_DATA {
					continue
				}
				li.Nested(func(d *netlink.AttributeDecoder) error {
					for d.Next() {
						v := d.Bytes()
						switch d.Type() {
						case unix.IFLA_CAN_BITTIMING:
							bitrate = binary.NativeEndian.Uint32(v[0:4])
						case unix.IFLA_CAN_CTRLMODE:
							mode = binary.NativeEndian.Uint32(v[4:8])
						}
					}
					return nil
				})
			}
			return nil
		})
	}
	if err := ad.Err(); err != nil {
		t.Fatal(err)
	}
	if bitrate != 500000 || mode != unix.CAN_CTRLMODE_LOOPBACK {
		t.Fatalf("bitrate=%d mode=%d", bitrate, mode)
	}
}
