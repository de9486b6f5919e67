package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/control"
	"github.com/kstaniek/go-vehicle-can/internal/diag"
	"github.com/kstaniek/go-vehicle-can/internal/gate"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/loopback"
	"github.com/kstaniek/go-vehicle-can/internal/txrx"
)

type apiRig struct {
	drv    *loopback.Controller
	bus    *canbus.Bus
	recent *recentFrames
	mux    *http.ServeMux
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	g := gate.New(gate.NewMemExpander(0x24, 0x38), gate.WithRetryDelay(0))
	t.Cleanup(g.Close)
	drv := loopback.New()
	bus := canbus.New(drv, g, canbus.WithSettleDelay(0))
	t.Cleanup(func() { _ = bus.Stop() })
	mgr := control.New(g, bus, txrx.New(bus))
	if err := mgr.ApplyConfig(context.Background(), canbus.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	r := &apiRig{drv: drv, bus: bus, recent: &recentFrames{}, mux: http.NewServeMux()}
	api := &apiHandlers{m: mgr, recent: r.recent, l: logging.L()}
	for p, h := range api.routes() {
		r.mux.Handle(p, h)
	}
	return r
}

func (r *apiRig) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.mux.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: body %q not JSON: %v", method, path, rec.Body.String(), err)
	}
	return rec, out
}

func TestAPIStatus(t *testing.T) {
	r := newAPIRig(t)
	rec, out := r.do(t, http.MethodGet, "/api/can/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d", rec.Code)
	}
	if out["ready"] != true || out["bus_state"] != "running" || out["bitrate"] != float64(250000) {
		t.Fatalf("status %v", out)
	}
	if out["diagnosis"] != string(diag.DiagUnavailable) {
		t.Fatalf("diagnosis %v", out["diagnosis"])
	}
	rec, _ = r.do(t, http.MethodPost, "/api/can/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status code %d", rec.Code)
	}
}

func TestAPISendAndSendTest(t *testing.T) {
	r := newAPIRig(t)
	rec, out := r.do(t, http.MethodPost, "/api/can/send", `{"pgn":65361,"source":99,"data":[255,0,0,0,0,0,0,0]}`)
	if rec.Code != http.StatusOK || out["success"] != true || out["pgn"] != "0xFF51" {
		t.Fatalf("send %d %v", rec.Code, out)
	}
	rec, _ = r.do(t, http.MethodPost, "/api/can/send_test", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("send_test %d", rec.Code)
	}
	sent := r.drv.Sent()
	if len(sent) != 2 || sent[0].ID() != 0x18FF5163 || sent[1].ID() != 0x18FF01F9 {
		t.Fatalf("sent %v", sent)
	}
}

func TestAPISendRejectsBadBodies(t *testing.T) {
	r := newAPIRig(t)
	for _, body := range []string{
		`{`,
		`{"pgn":65281}`,
		`{"data":[1,2,3,4,5,6,7,8,9]}`,
		`{"data":[256]}`,
		`{"priority":8,"data":[]}`,
		`{"colour":1,"data":[]}`,
	} {
		rec, _ := r.do(t, http.MethodPost, "/api/can/send", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: code %d", body, rec.Code)
		}
	}
	if len(r.drv.Sent()) != 0 {
		t.Fatalf("bad request reached the bus")
	}
}

func TestAPIGateAndConfig(t *testing.T) {
	r := newAPIRig(t)
	rec, _ := r.do(t, http.MethodPost, "/api/can/gate", `{"enable":false}`)
	if rec.Code != http.StatusOK || r.bus.TransceiverEnabled() {
		t.Fatalf("gate off: code %d enabled=%v", rec.Code, r.bus.TransceiverEnabled())
	}
	rec, _ = r.do(t, http.MethodPost, "/api/can/gate", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("gate without enable: %d", rec.Code)
	}
	rec, _ = r.do(t, http.MethodPost, "/api/can/config", `{"bitrate":500000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("config %d", rec.Code)
	}
	if cfg := r.bus.Config(); cfg.Bitrate != 500000 || cfg.TxPin != canbus.DefaultTxPin {
		t.Fatalf("partial config not merged: %+v", cfg)
	}
	if !r.bus.TransceiverEnabled() {
		t.Fatalf("restart should re-enable the transceiver")
	}
	rec, _ = r.do(t, http.MethodPost, "/api/can/config", `{"bitrate":123}`)
	if rec.Code != http.StatusBadRequest || r.bus.State() != canbus.StateReady {
		t.Fatalf("bad config: code %d state %v", rec.Code, r.bus.State())
	}
}

func TestAPIConfigRejectsInterfaceChange(t *testing.T) {
	r := newAPIRig(t)
	before := r.bus.Config()
	rec, out := r.do(t, http.MethodPost, "/api/can/config", `{"interface":"can1","bitrate":500000}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("interface change: code %d %v", rec.Code, out)
	}
	if !strings.Contains(fmt.Sprint(out["error"]), "interface") {
		t.Fatalf("error %v", out)
	}
	if cfg := r.bus.Config(); cfg != before || r.bus.State() != canbus.StateReady {
		t.Fatalf("rejected config was applied: %+v state %v", cfg, r.bus.State())
	}
	// Echoing the current interface back is fine.
	body := fmt.Sprintf(`{"interface":%q,"bitrate":500000}`, before.Interface)
	if rec, _ := r.do(t, http.MethodPost, "/api/can/config", body); rec.Code != http.StatusOK {
		t.Fatalf("unchanged interface: code %d", rec.Code)
	}
}

func TestAPIRestartRecoversFromError(t *testing.T) {
	r := newAPIRig(t)
	r.drv.SetBusOff(true)
	rec, _ := r.do(t, http.MethodPost, "/api/can/send_test", "")
	if rec.Code != http.StatusInternalServerError || r.bus.State() != canbus.StateError {
		t.Fatalf("bus-off send: code %d state %v", rec.Code, r.bus.State())
	}
	rec, out := r.do(t, http.MethodPost, "/api/can/restart", "")
	if rec.Code != http.StatusOK || out["success"] != true || r.bus.State() != canbus.StateReady {
		t.Fatalf("restart: code %d state %v", rec.Code, r.bus.State())
	}
}

func TestAPIFramesAndScan(t *testing.T) {
	r := newAPIRig(t)
	r.recent.add(txrx.ReceivedFrame{ID: 0x18FF5163, Data: [8]byte{0xFF}, Len: 2})
	rec, out := r.do(t, http.MethodGet, "/api/can/frames", "")
	frames, _ := out["frames"].([]any)
	if rec.Code != http.StatusOK || len(frames) != 1 {
		t.Fatalf("frames %d %v", rec.Code, out)
	}
	f := frames[0].(map[string]any)
	if f["id"] != "0x18FF5163" || f["data"] != "FF 00" || f["pgn"] != "0xFF51" || f["dlc"] != float64(2) {
		t.Fatalf("frame view %v", f)
	}
	_, out = r.do(t, http.MethodGet, "/api/can/frames", "")
	if frames, _ := out["frames"].([]any); len(frames) != 0 {
		t.Fatalf("frames not drained: %v", out)
	}

	_, out = r.do(t, http.MethodGet, "/api/i2c/scan", "")
	if out["count"] != float64(2) {
		t.Fatalf("scan %v", out)
	}
}

func TestRecentFramesBounded(t *testing.T) {
	var r recentFrames
	for i := 0; i < recentFramesCap+10; i++ {
		r.add(txrx.ReceivedFrame{ID: uint32(i)})
	}
	got := r.drain()
	if len(got) != recentFramesCap || got[0].ID != 10 || got[len(got)-1].ID != recentFramesCap+9 {
		t.Fatalf("ring kept %d frames, first %d", len(got), got[0].ID)
	}
}
