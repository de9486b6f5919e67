package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received from the bus driver.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames handed to the bus driver.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from monitor clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to monitor clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	GateWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gate_register_writes_total",
		Help: "Successful writes of the expander gate register.",
	})
	GateCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gate_register_corrections_total",
		Help: "Gate register drifts repaired by the watchdog.",
	})
	TransceiverEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_transceiver_enabled",
		Help: "1 when the cached USB/CAN select bit enables the transceiver.",
	})
	BusState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_bus_lifecycle_state",
		Help: "Bus lifecycle state (0 uninitialized, 1 configuring, 2 ready, 3 stopped, 4 error).",
	})
	BusErrorCounters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "can_error_counter",
		Help: "Controller TEC/REC as last reported by the driver.",
	}, []string{"dir"})
	IdleRxOnes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_idle_rx_ones",
		Help: "High readings in the most recent idle-line sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrHandshake   = "handshake"
	ErrDriverWrite = "driver_write"
	ErrDriverRead  = "driver_read"
	ErrTxOverflow  = "tx_overflow"
	ErrBusOff      = "bus_off"
	ErrBusStart    = "bus_start"
	ErrGateI2C     = "gate_i2c"
	ErrGateVerify  = "gate_verify"
	ErrTxRejected  = "tx_rejected"
	ErrDeviceLost  = "device_lost"
)

var errorLabels = []string{
	ErrTCPRead, ErrTCPWrite, ErrHandshake,
	ErrDriverWrite, ErrDriverRead, ErrTxOverflow, ErrBusOff, ErrBusStart,
	ErrGateI2C, ErrGateVerify, ErrTxRejected, ErrDeviceLost,
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
// extra handlers are mounted on the same mux.
func StartHTTP(addr string, extra map[string]http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	for p, h := range extra {
		mux.Handle(p, h)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx       uint64
	localCANTx       uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localErrors      uint64
	localHubClients  uint64
	localFanout      uint64
	localMalformed   uint64
	localQDMax       uint64
	localQDAvg       uint64
	localGateWrites  uint64
	localGateFixes   uint64
	localBusOff      uint64
	localTxOverflows uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx           uint64
	CANTx           uint64
	TCPRx           uint64
	TCPTx           uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	Errors          uint64 // sum across error labels
	HubClients      uint64
	Fanout          uint64
	Malformed       uint64
	QueueDepthMax   uint64
	QueueDepthAvg   uint64
	GateWrites      uint64
	GateCorrections uint64
	BusOff          uint64
	TxOverflows     uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:           atomic.LoadUint64(&localCANRx),
		CANTx:           atomic.LoadUint64(&localCANTx),
		TCPRx:           atomic.LoadUint64(&localTCPRx),
		TCPTx:           atomic.LoadUint64(&localTCPTx),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubRejects:      atomic.LoadUint64(&localHubReject),
		Errors:          atomic.LoadUint64(&localErrors),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Fanout:          atomic.LoadUint64(&localFanout),
		Malformed:       atomic.LoadUint64(&localMalformed),
		QueueDepthMax:   atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:   atomic.LoadUint64(&localQDAvg),
		GateWrites:      atomic.LoadUint64(&localGateWrites),
		GateCorrections: atomic.LoadUint64(&localGateFixes),
		BusOff:          atomic.LoadUint64(&localBusOff),
		TxOverflows:     atomic.LoadUint64(&localTxOverflows),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// IncError bumps the labelled error counter. Overflow and bus-off errors are
// also mirrored into dedicated local counters.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
	switch label {
	case ErrBusOff:
		atomic.AddUint64(&localBusOff, 1)
	case ErrTxOverflow:
		atomic.AddUint64(&localTxOverflows, 1)
	}
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncGateWrite() {
	GateWrites.Inc()
	atomic.AddUint64(&localGateWrites, 1)
}

func IncGateCorrection() {
	GateCorrections.Inc()
	atomic.AddUint64(&localGateFixes, 1)
}

func SetTransceiverEnabled(on bool) {
	if on {
		TransceiverEnabled.Set(1)
		return
	}
	TransceiverEnabled.Set(0)
}

func SetBusState(state int) { BusState.Set(float64(state)) }

// SetErrorCounters publishes the controller's TEC and REC.
func SetErrorCounters(tx, rx uint32) {
	BusErrorCounters.WithLabelValues("tx").Set(float64(tx))
	BusErrorCounters.WithLabelValues("rx").Set(float64(rx))
}

func SetIdleRxOnes(n int) { IdleRxOnes.Set(float64(n)) }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so the first error does not pay registration latency.
	for _, lbl := range errorLabels {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
