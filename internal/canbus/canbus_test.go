package canbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/gate"
	"github.com/kstaniek/go-vehicle-can/internal/loopback"
)

func noSleep(t *testing.T) {
	t.Helper()
	prev := sleepFn
	sleepFn = func(time.Duration) {}
	t.Cleanup(func() { sleepFn = prev })
}

type rig struct {
	mem  *gate.MemExpander
	gate *gate.Controller
	drv  *loopback.Controller
	bus  *Bus
}

func newRig(t *testing.T) *rig {
	t.Helper()
	noSleep(t)
	mem := gate.NewMemExpander()
	g := gate.New(mem, gate.WithRetryDelay(0))
	t.Cleanup(g.Close)
	drv := loopback.New()
	return &rig{mem: mem, gate: g, drv: drv, bus: New(drv, g)}
}

func TestBeginReachesReadyAndEnablesTransceiver(t *testing.T) {
	r := newRig(t)
	if err := r.bus.Begin(context.Background(), DefaultConfig()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if r.bus.State() != StateReady {
		t.Fatalf("state %v", r.bus.State())
	}
	if !r.bus.TransceiverEnabled() {
		t.Fatalf("transceiver not enabled")
	}
	v, _ := r.mem.ReadRegister(gate.DefaultRegister)
	if v&gate.BitUSBSel == 0 {
		t.Fatalf("register 0x%02X lacks USB_SEL", v)
	}
	if _, _, ok := r.bus.Active(); !ok {
		t.Fatalf("Active should report ready")
	}
}

func TestBeginLoopbackDisablesTransceiver(t *testing.T) {
	r := newRig(t)
	r.mem.Set(gate.DefaultRegister, gate.SafeValue)
	cfg := DefaultConfig()
	cfg.Loopback = true
	if err := r.bus.Begin(context.Background(), cfg); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if r.bus.TransceiverEnabled() {
		t.Fatalf("loopback must keep the transceiver off")
	}
	if !r.drv.Config().Loopback {
		t.Fatalf("driver not installed in loopback")
	}
	v, _ := r.mem.ReadRegister(gate.DefaultRegister)
	if v&(gate.ManagedMask&^gate.BitUSBSel) != gate.ManagedMask&^gate.BitUSBSel {
		t.Fatalf("other lines disturbed: 0x%02X", v)
	}
}

func TestBeginTwiceFailsWithAlreadyStarted(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	if err := r.bus.Begin(ctx, DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if err := r.bus.Begin(ctx, DefaultConfig()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if r.bus.State() != StateReady {
		t.Fatalf("second begin changed state to %v", r.bus.State())
	}
}

func TestBeginInvalidConfigKeepsState(t *testing.T) {
	r := newRig(t)
	for _, cfg := range []Config{
		{TxPin: 20, RxPin: 19, Bitrate: 100000},
		{TxPin: 20, RxPin: 20, Bitrate: 250000},
		{TxPin: -1, RxPin: 19, Bitrate: 250000},
		{TxPin: 20, RxPin: MaxPin + 1, Bitrate: 250000},
	} {
		if err := r.bus.Begin(context.Background(), cfg); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("cfg %+v: expected ErrConfiguration, got %v", cfg, err)
		}
		if r.bus.State() != StateUninitialized {
			t.Fatalf("state changed to %v", r.bus.State())
		}
	}
}

func TestBeginStepFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *rig)
		step  Step
	}{
		{"install", func(r *rig) { r.drv.FailInstall = errors.New("no controller") }, StepDriverInstall},
		{"start", func(r *rig) { r.drv.FailStart = errors.New("start failed") }, StepDriverStart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			tc.setup(r)
			err := r.bus.Begin(context.Background(), DefaultConfig())
			var se *StepError
			if !errors.As(err, &se) || se.Step != tc.step {
				t.Fatalf("expected step %s, got %v", tc.step, err)
			}
			if r.bus.State() != StateError {
				t.Fatalf("state %v", r.bus.State())
			}
			if err := r.bus.Begin(context.Background(), DefaultConfig()); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("begin from error: %v", err)
			}
			if err := r.bus.Stop(); err != nil {
				t.Fatalf("stop: %v", err)
			}
			r.drv.FailInstall, r.drv.FailStart = nil, nil
			if err := r.bus.Begin(context.Background(), DefaultConfig()); err != nil {
				t.Fatalf("recover: %v", err)
			}
		})
	}
}

type brokenGate struct{}

func (brokenGate) SetBits(context.Context, uint8, uint8) error { return gate.ErrI2C }
func (brokenGate) TransceiverEnabled() bool                    { return false }

func TestBeginGateFailure(t *testing.T) {
	noSleep(t)
	b := New(loopback.New(), brokenGate{})
	err := b.Begin(context.Background(), DefaultConfig())
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepGateWrite || !errors.Is(err, gate.ErrI2C) {
		t.Fatalf("expected gate_write step error, got %v", err)
	}
	if !errors.Is(b.LastError(), gate.ErrI2C) {
		t.Fatalf("last error %v", b.LastError())
	}
}

func TestStopIdempotent(t *testing.T) {
	r := newRig(t)
	if err := r.bus.Stop(); err != nil || r.bus.State() != StateUninitialized {
		t.Fatalf("stop from uninitialized: %v %v", err, r.bus.State())
	}
	_ = r.bus.Begin(context.Background(), DefaultConfig())
	if err := r.bus.Stop(); err != nil || r.bus.State() != StateStopped {
		t.Fatalf("stop: %v %v", err, r.bus.State())
	}
	if err := r.bus.Stop(); err != nil || r.bus.State() != StateStopped {
		t.Fatalf("second stop: %v %v", err, r.bus.State())
	}
	if _, err := r.bus.Status(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("status when stopped: %v", err)
	}
}

func TestSetCanModeWorksWithoutDriver(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	if err := r.bus.SetCanMode(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !r.bus.TransceiverEnabled() {
		t.Fatalf("enable ignored")
	}
	if err := r.bus.SetCanMode(ctx, false); err != nil {
		t.Fatal(err)
	}
	if r.bus.TransceiverEnabled() {
		t.Fatalf("disable ignored")
	}
	if r.bus.State() != StateUninitialized {
		t.Fatalf("SetCanMode touched lifecycle: %v", r.bus.State())
	}
}

func TestFailMovesReadyToError(t *testing.T) {
	r := newRig(t)
	r.bus.Fail(StepBusOff, driver.ErrBusOff)
	if r.bus.State() != StateUninitialized {
		t.Fatalf("Fail outside Ready must be ignored")
	}
	_ = r.bus.Begin(context.Background(), DefaultConfig())
	r.bus.Fail(StepBusOff, driver.ErrBusOff)
	if r.bus.State() != StateError || !errors.Is(r.bus.LastError(), driver.ErrBusOff) {
		t.Fatalf("state %v err %v", r.bus.State(), r.bus.LastError())
	}
	if _, _, ok := r.bus.Active(); ok {
		t.Fatalf("Active must be false in Error")
	}
	if _, err := r.bus.Status(); err != nil {
		t.Fatalf("status in error should reach driver: %v", err)
	}
}
