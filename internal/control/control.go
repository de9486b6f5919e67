// Package control is the application and diagnostic facade over the bus.
// Every operation is a plain call: the daemon's HTTP handlers, the bench CLI
// and the button layer all drive the same Manager.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/diag"
	"github.com/kstaniek/go-vehicle-can/internal/j1939"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
	"github.com/kstaniek/go-vehicle-can/internal/txrx"
)

// BusStateNotReady is reported while no controller is installed.
const BusStateNotReady = "not_ready"

// DefaultOpTimeout bounds the bool-returning send helpers.
const DefaultOpTimeout = time.Second

// Test frame sent by SendTestFrame.
const (
	TestPGN      uint32 = 0xFF01
	TestPriority uint8  = 6
	TestSource   uint8  = 0xF9
)

// ButtonConfig is what the button layer hands over: a label and the two
// frames it is wired to. The facade never interprets anything else.
type ButtonConfig struct {
	ID     string             `json:"id"`
	Label  string             `json:"label"`
	Can    j1939.FrameRequest `json:"can"`
	CanOff j1939.FrameRequest `json:"can_off"`
}

// Gate is the register access the diagnostics need.
type Gate interface {
	Read(ctx context.Context) (uint8, error)
	Probe(ctx context.Context, addr uint8) error
}

type Manager struct {
	gate    Gate
	bus     *canbus.Bus
	eng     *txrx.Engine
	sampler diag.PinSampler
	th      diag.Thresholds
	devices map[uint8]string
	opTO    time.Duration
	log     *slog.Logger
}

type Option func(*Manager)

// WithSampler enables the RX idle-line sample in Status.
func WithSampler(s diag.PinSampler) Option { return func(m *Manager) { m.sampler = s } }

func WithThresholds(th diag.Thresholds) Option { return func(m *Manager) { m.th = th } }

// WithKnownDevices replaces the scan label table.
func WithKnownDevices(table map[uint8]string) Option {
	return func(m *Manager) { m.devices = table }
}

func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.opTO = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func New(g Gate, bus *canbus.Bus, eng *txrx.Engine, opts ...Option) *Manager {
	m := &Manager{
		gate:    g,
		bus:     bus,
		eng:     eng,
		th:      diag.DefaultThresholds,
		devices: diag.KnownDevices,
		opTO:    DefaultOpTimeout,
		log:     logging.For("control"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SendButtonAction sends the button's press frame.
func (m *Manager) SendButtonAction(b ButtonConfig) bool {
	if !b.Can.Enabled {
		m.log.Info("button_unassigned", "button", b.Label, "frame", "can")
		return false
	}
	return m.SendFrame(b.Can)
}

// SendButtonReleaseAction sends the button's release (off) frame.
func (m *Manager) SendButtonReleaseAction(b ButtonConfig) bool {
	if !b.CanOff.Enabled {
		m.log.Info("button_unassigned", "button", b.Label, "frame", "can_off")
		return false
	}
	return m.SendFrame(b.CanOff)
}

// SendFrame transmits r once. The Enabled flag is the button layer's
// concern and is not checked here.
func (m *Manager) SendFrame(r j1939.FrameRequest) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTO)
	defer cancel()
	if err := m.eng.Send(ctx, r); err != nil {
		m.log.Warn("tx_failed", "pgn", fmt.Sprintf("0x%04X", r.PGN), "error", err)
		return false
	}
	return true
}

func (m *Manager) SendJ1939Pgn(priority uint8, pgn uint32, source uint8, data [8]byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTO)
	defer cancel()
	if err := m.eng.SendJ1939Pgn(ctx, priority, pgn, source, data); err != nil {
		m.log.Warn("tx_failed", "pgn", fmt.Sprintf("0x%04X", pgn), "error", err)
		return false
	}
	return true
}

// SendOutputSequence switches an Infinitybox output by sending its frame
// sequence SequenceSpacing apart. The first failed frame ends the sequence.
func (m *Manager) SendOutputSequence(ctx context.Context, output int, on bool) error {
	seq, err := j1939.OutputSequence(output, on)
	if err != nil {
		return err
	}
	for i, f := range seq {
		if i > 0 {
			t := time.NewTimer(j1939.SequenceSpacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		sctx, cancel := context.WithTimeout(ctx, m.opTO)
		err := m.eng.SendJ1939Pgn(sctx, j1939.SequencePriority, f.PGN, j1939.ToolSource, f.Data)
		cancel()
		if err != nil {
			m.log.Warn("output_sequence_failed", "output", output, "on", on, "step", i, "error", err)
			return fmt.Errorf("output %d step %d: %w", output, i, err)
		}
	}
	m.log.Info("output_sequence_sent", "output", output, "on", on, "frames", len(seq))
	return nil
}

// TestFrame is the broadcast frame used to check the bus end to end.
func TestFrame() j1939.FrameRequest {
	return j1939.FrameRequest{
		Enabled:     true,
		PGN:         TestPGN,
		Priority:    TestPriority,
		Source:      TestSource,
		Destination: j1939.Broadcast,
		Data:        [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		Length:      8,
	}
}

func (m *Manager) SendTestFrame(ctx context.Context) error {
	if err := m.eng.Send(ctx, TestFrame()); err != nil {
		m.log.Warn("test_frame_failed", "error", err)
		return err
	}
	m.log.Info("test_frame_sent", "pgn", fmt.Sprintf("0x%04X", TestPGN))
	return nil
}

// Receive drains whatever arrives within timeout.
func (m *Manager) Receive(timeout time.Duration) []txrx.ReceivedFrame {
	return m.eng.ReceiveAll(timeout)
}

// ScanI2C lists the responding board bus addresses.
func (m *Manager) ScanI2C(ctx context.Context) []diag.Device {
	found := diag.Scan(ctx, m.gate, m.devices)
	m.log.Info("i2c_scan", "found", len(found))
	return found
}

// SetGate drives the transceiver select bit directly.
func (m *Manager) SetGate(ctx context.Context, enable bool) error {
	return m.bus.SetCanMode(ctx, enable)
}

// ApplyConfig validates cfg and restarts the bus with it. An invalid cfg
// leaves the running bus untouched.
func (m *Manager) ApplyConfig(ctx context.Context, cfg canbus.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := m.bus.Stop(); err != nil {
		m.log.Warn("bus_stop_error", "error", err)
	}
	return m.bus.Begin(ctx, cfg)
}

// Config returns the configuration of the last start, or the board
// defaults if the bus was never started.
func (m *Manager) Config() canbus.Config {
	if m.bus.State() == canbus.StateUninitialized {
		return canbus.DefaultConfig()
	}
	return m.bus.Config()
}

// Restart cycles the bus with its current configuration. It is the way out
// of Error.
func (m *Manager) Restart(ctx context.Context) error {
	m.log.Info("bus_restart", "state", m.bus.State().String())
	return m.ApplyConfig(ctx, m.Config())
}

// Stop takes the bus down.
func (m *Manager) Stop() error { return m.bus.Stop() }

// Status builds a snapshot. It works in every lifecycle state; parts that
// cannot be read keep their zero values.
func (m *Manager) Status(ctx context.Context) diag.Snapshot {
	st := m.bus.State()
	cfg := m.Config()
	s := diag.Snapshot{
		Ready:              st == canbus.StateReady,
		State:              st.String(),
		BusState:           BusStateNotReady,
		Interface:          cfg.Interface,
		TxPin:              cfg.TxPin,
		RxPin:              cfg.RxPin,
		Bitrate:            cfg.Bitrate,
		Loopback:           cfg.Loopback,
		TransceiverEnabled: m.bus.TransceiverEnabled(),
		Samples:            m.th.Samples,
		Diagnosis:          diag.DiagUnavailable,
	}
	if err := m.bus.LastError(); err != nil {
		s.LastError = err.Error()
	}
	if ds, err := m.bus.Status(); err == nil {
		s.BusState = ds.State.String()
		s.TxErrors = ds.TxErrors
		s.RxErrors = ds.RxErrors
	}
	if v, err := m.gate.Read(ctx); err == nil {
		s.GateRegister = &v
	} else {
		m.log.Debug("status_gate_unavailable", "error", err)
	}
	if m.sampler == nil {
		return s
	}
	var (
		ones int
		err  error
	)
	// No transmissions while the RX line is sampled.
	m.eng.Hold(func() { ones, err = diag.SampleIdle(m.sampler, cfg.RxPin, m.th) })
	if err != nil {
		m.log.Debug("status_sample_unavailable", "pin", cfg.RxPin, "error", err)
		return s
	}
	metrics.SetIdleRxOnes(ones)
	s.RxPinOnes = ones
	s.Diagnosis = diag.Classify(ones, m.th)
	return s
}
