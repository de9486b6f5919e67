package serial

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
)

// fakePort feeds queued chunks to Read and records writes.
type fakePort struct {
	mu     sync.Mutex
	in     chan []byte
	out    bytes.Buffer
	closed bool
}

func newFakePort() *fakePort { return &fakePort{in: make(chan []byte, 16)} }

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.in:
		return copy(b, chunk), nil
	case <-time.After(5 * time.Millisecond):
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.out.Bytes()...)
}

func withFakePort(t *testing.T) *fakePort {
	t.Helper()
	fp := newFakePort()
	prev := openPort
	openPort = func(string, int, time.Duration) (Port, error) { return fp, nil }
	t.Cleanup(func() { openPort = prev })
	return fp
}

func startController(t *testing.T, cfg driver.Config) *Controller {
	t.Helper()
	c := New("/dev/null", 115200)
	if err := c.Install(cfg); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Uninstall() })
	return c
}

func TestControllerTransmitWritesEnvelope(t *testing.T) {
	fp := withFakePort(t)
	c := startController(t, driver.Config{Bitrate: 250000})
	fr := can.NewExtended(0x18FEF963, []byte{1, 127, 0})
	if err := c.Transmit(fr, 50*time.Millisecond); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	want := Codec{}.Encode(fr)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !bytes.Equal(fp.written(), want) {
		time.Sleep(2 * time.Millisecond)
	}
	if !bytes.Equal(fp.written(), want) {
		t.Fatalf("wire % X want % X", fp.written(), want)
	}
}

func TestControllerReceiveDecodes(t *testing.T) {
	fp := withFakePort(t)
	c := startController(t, driver.Config{})
	fp.in <- rxWire(0x0CFF5163, []byte{0x11})
	fr, ok, err := c.Receive(time.Second)
	if err != nil || !ok {
		t.Fatalf("receive ok=%v err=%v", ok, err)
	}
	if fr.ID() != 0x0CFF5163 || fr.Len != 1 || fr.Data[0] != 0x11 {
		t.Fatalf("frame %v", fr)
	}
	if _, ok, _ := c.Receive(10 * time.Millisecond); ok {
		t.Fatalf("unexpected second frame")
	}
}

func TestControllerLoopbackEchoesLocally(t *testing.T) {
	fp := withFakePort(t)
	c := startController(t, driver.Config{Loopback: true})
	fr := can.NewExtended(0x18FF0163, []byte{9})
	if err := c.Transmit(fr, 0); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	got, ok, err := c.Receive(time.Second)
	if err != nil || !ok || got != fr {
		t.Fatalf("loopback got=%v ok=%v err=%v", got, ok, err)
	}
	if len(fp.written()) != 0 {
		t.Fatalf("loopback frame reached the UART")
	}
}

func TestControllerLifecycleErrors(t *testing.T) {
	withFakePort(t)
	c := New("/dev/null", 115200)
	if err := c.Start(); !errors.Is(err, driver.ErrNotInstalled) {
		t.Fatalf("start before install: %v", err)
	}
	if err := c.Transmit(can.Frame{}, 0); !errors.Is(err, driver.ErrNotStarted) {
		t.Fatalf("transmit before start: %v", err)
	}
	if err := c.Install(driver.Config{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Install(driver.Config{}); !errors.Is(err, driver.ErrAlreadyInstalled) {
		t.Fatalf("double install: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	st, _ := c.Status()
	if st.State != driver.BusRunning {
		t.Fatalf("state %v", st.State)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	st, _ = c.Status()
	if st.State != driver.BusStopped {
		t.Fatalf("state after stop %v", st.State)
	}
	if err := c.Uninstall(); err != nil {
		t.Fatal(err)
	}
}

func TestControllerOpenError(t *testing.T) {
	prev := openPort
	openPort = func(string, int, time.Duration) (Port, error) { return nil, errors.New("no device") }
	defer func() { openPort = prev }()
	if err := New("/dev/x", 9600).Install(driver.Config{}); err == nil {
		t.Fatalf("expected open error")
	}
}

// vanishingPort behaves like an unplugged USB adapter: every read fails
// with a path error.
type vanishingPort struct{ fakePort }

func (p *vanishingPort) Read([]byte) (int, error) {
	return 0, &os.PathError{Op: "read", Path: "/dev/ttyUSB0", Err: syscall.ENXIO}
}

func TestControllerReportsDeviceLoss(t *testing.T) {
	vp := &vanishingPort{}
	prev := openPort
	openPort = func(string, int, time.Duration) (Port, error) { return vp, nil }
	t.Cleanup(func() { openPort = prev })
	c := startController(t, driver.Config{})

	_, ok, err := c.Receive(time.Second)
	if ok || !errors.Is(err, driver.ErrDeviceLost) {
		t.Fatalf("receive ok=%v err=%v", ok, err)
	}
	st, _ := c.Status()
	if st.State != driver.BusDeviceLost {
		t.Fatalf("state %v", st.State)
	}
	if err := c.Transmit(can.NewExtended(1, nil), 0); !errors.Is(err, driver.ErrDeviceLost) {
		t.Fatalf("transmit err=%v", err)
	}

	// A fresh install on a working port clears the loss.
	if err := c.Uninstall(); err != nil {
		t.Fatal(err)
	}
	withFakePort(t)
	if err := c.Install(driver.Config{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if st, _ := c.Status(); st.State != driver.BusRunning {
		t.Fatalf("state after reinstall %v", st.State)
	}
}
