package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kstaniek/go-vehicle-can/internal/control"
	"github.com/kstaniek/go-vehicle-can/internal/j1939"
)

// maxBody bounds API request bodies.
const maxBody = 4 << 10

type apiHandlers struct {
	m      *control.Manager
	recent *recentFrames
	l      *slog.Logger
}

// routes mounts the diagnostic surface next to /metrics and /ready.
func (a *apiHandlers) routes() map[string]http.Handler {
	return map[string]http.Handler{
		"/api/can/status":    a.only(http.MethodGet, a.status),
		"/api/can/frames":    a.only(http.MethodGet, a.frames),
		"/api/can/config":    a.only(http.MethodPost, a.config),
		"/api/can/gate":      a.only(http.MethodPost, a.gate),
		"/api/can/restart":   a.only(http.MethodPost, a.restart),
		"/api/can/send_test": a.only(http.MethodPost, a.sendTest),
		"/api/can/send":      a.only(http.MethodPost, a.send),
		"/api/i2c/scan":      a.only(http.MethodGet, a.scan),
	}
}

func (a *apiHandlers) only(method string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
			return
		}
		fn(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type resultBody struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// result reports err as a 500 with the message, or success.
func (a *apiHandlers) result(w http.ResponseWriter, op string, err error, okMsg string) {
	if err != nil {
		a.l.Warn("api_error", "op", op, "error", err)
		writeJSON(w, http.StatusInternalServerError, resultBody{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Success: true, Message: okMsg})
}

func (a *apiHandlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.m.Status(r.Context()))
}

func (a *apiHandlers) scan(w http.ResponseWriter, r *http.Request) {
	devices := a.m.ScanI2C(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

type frameView struct {
	ID   string `json:"id"`
	DLC  uint8  `json:"dlc"`
	Data string `json:"data"`
	PGN  string `json:"pgn"`
	Src  uint8  `json:"source"`
	Name string `json:"name,omitempty"`
}

func (a *apiHandlers) frames(w http.ResponseWriter, _ *http.Request) {
	drained := a.recent.drain()
	out := make([]frameView, 0, len(drained))
	for _, fr := range drained {
		h := j1939.Decode(fr.ID)
		parts := make([]string, 0, fr.Len)
		for _, b := range fr.Payload() {
			parts = append(parts, fmt.Sprintf("%02X", b))
		}
		out = append(out, frameView{
			ID:   fmt.Sprintf("0x%08X", fr.ID),
			DLC:  fr.Len,
			Data: strings.Join(parts, " "),
			PGN:  fmt.Sprintf("0x%04X", h.PGN),
			Src:  h.Source,
			Name: j1939.Describe(h.PGN),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": out})
}

// config applies a partial configuration on top of the running one and
// restarts the bus. The interface is bound when the controller is built and
// cannot be changed here.
func (a *apiHandlers) config(w http.ResponseWriter, r *http.Request) {
	cfg := a.m.Config()
	iface := cfg.Interface
	if err := decodeBody(w, r, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}
	if cfg.Interface != iface {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("interface is fixed at startup (%q)", iface)})
		return
	}
	if err := cfg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	a.result(w, "config", a.m.ApplyConfig(r.Context(), cfg), "configuration applied, bus restarted")
}

func (a *apiHandlers) gate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enable *bool `json:"enable"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Enable == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: `want {"enable": true|false}`})
		return
	}
	a.result(w, "gate", a.m.SetGate(r.Context(), *req.Enable), fmt.Sprintf("transceiver enable=%t", *req.Enable))
}

func (a *apiHandlers) restart(w http.ResponseWriter, r *http.Request) {
	a.result(w, "restart", a.m.Restart(r.Context()), "bus restarted")
}

func (a *apiHandlers) sendTest(w http.ResponseWriter, r *http.Request) {
	a.result(w, "send_test", a.m.SendTestFrame(r.Context()), "test frame sent")
}

type sendRequest struct {
	PGN         *uint32 `json:"pgn"`
	Priority    *uint8  `json:"priority"`
	Source      *uint8  `json:"source"`
	Destination *uint8  `json:"destination"`
	Data        []int   `json:"data"`
}

// send transmits an ad-hoc frame. Unset header fields take the test frame's
// values.
func (a *apiHandlers) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Data == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing data array"})
		return
	}
	fr := control.TestFrame()
	fr.Data = [8]byte{}
	if len(req.Data) > len(fr.Data) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: j1939.ErrInvalidLength.Error()})
		return
	}
	if req.PGN != nil {
		fr.PGN = *req.PGN
	}
	if req.Priority != nil {
		if *req.Priority > 7 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "priority must be 0..7"})
			return
		}
		fr.Priority = *req.Priority
	}
	if req.Source != nil {
		fr.Source = *req.Source
	}
	if req.Destination != nil {
		fr.Destination = *req.Destination
	}
	for i, b := range req.Data {
		if b < 0 || b > 0xFF {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("data[%d] out of range: %d", i, b)})
			return
		}
		fr.Data[i] = uint8(b)
	}
	fr.Length = uint8(len(req.Data))
	ok := a.m.SendFrame(fr)
	code := http.StatusOK
	if !ok {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, map[string]any{
		"success": ok,
		"pgn":     fmt.Sprintf("0x%04X", fr.PGN),
		"bytes":   fr.Length,
	})
}
