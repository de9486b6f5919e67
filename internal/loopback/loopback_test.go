package loopback

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
)

func running(t *testing.T, cfg driver.Config) *Controller {
	t.Helper()
	c := New()
	if err := c.Install(cfg); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLoopbackEcho(t *testing.T) {
	c := running(t, driver.Config{Loopback: true})
	fr := can.NewExtended(0x18FF0163, []byte{1, 2})
	if err := c.Transmit(fr, 0); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Receive(10 * time.Millisecond)
	if err != nil || !ok || got != fr {
		t.Fatalf("got=%v ok=%v err=%v", got, ok, err)
	}
}

func TestNormalModeRecordsWithoutEcho(t *testing.T) {
	c := running(t, driver.Config{})
	_ = c.Transmit(can.NewExtended(1, nil), 0)
	if _, ok, _ := c.Receive(5 * time.Millisecond); ok {
		t.Fatalf("normal mode must not echo")
	}
	if len(c.Sent()) != 1 {
		t.Fatalf("sent=%d", len(c.Sent()))
	}
}

func TestRxOverrunCounted(t *testing.T) {
	c := running(t, driver.Config{RxQueueLen: 2})
	for i := 0; i < 3; i++ {
		_ = c.Inject(can.NewExtended(uint32(i), nil))
	}
	st, _ := c.Status()
	if st.RxErrors != 1 {
		t.Fatalf("rx errors=%d", st.RxErrors)
	}
}

func TestBusOffAndRejects(t *testing.T) {
	c := running(t, driver.Config{})
	c.TxRejects = 1
	if err := c.Transmit(can.Frame{}, 0); !errors.Is(err, driver.ErrTxQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	c.SetBusOff(true)
	if err := c.Transmit(can.Frame{}, 0); !errors.Is(err, driver.ErrBusOff) {
		t.Fatalf("expected bus off, got %v", err)
	}
	if st, _ := c.Status(); st.State != driver.BusOff {
		t.Fatalf("state=%v", st.State)
	}
}

func TestLifecycle(t *testing.T) {
	c := New()
	if err := c.Start(); !errors.Is(err, driver.ErrNotInstalled) {
		t.Fatalf("start before install: %v", err)
	}
	if _, _, err := c.Receive(0); !errors.Is(err, driver.ErrNotStarted) {
		t.Fatalf("receive before start: %v", err)
	}
	_ = c.Install(driver.Config{})
	if c.Config().TxQueueLen != driver.DefaultTxQueueLen {
		t.Fatalf("defaults not applied: %+v", c.Config())
	}
	_ = c.Start()
	_ = c.Stop()
	_ = c.Uninstall()
	if err := c.Install(driver.Config{}); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
}
