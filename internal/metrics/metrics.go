package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/soldercore/nodetelem/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial link.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
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
	RingOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ring_overflow_total",
		Help: "Total frames dropped by the SPSC ring's drop-oldest policy.",
	})
	ReasmDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reassembly_dropped_total",
		Help: "Total fragments rejected by the reassembly table at header validation.",
	})
	ReasmEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reassembly_evicted_total",
		Help: "Total reassembly slots evicted under pressure (all slots busy with other messages).",
	})
	ReasmExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reassembly_expired_total",
		Help: "Total reassembly slots reset by the staleness sweep.",
	})
	ReasmComplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reassembly_complete_total",
		Help: "Total messages successfully reassembled.",
	})
	RouterTXQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_tx_queue_drops_total",
		Help: "Total LogTyped/LogString queued calls rejected because the TX queue was full.",
	})
	RouterRXQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_rx_queue_drops_total",
		Help: "Total RX packets dropped by the router: RX queue full, allocation budget exhausted, or an undecodable queued envelope.",
	})
	RouterSideTXErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_side_tx_errors_total",
		Help: "Total side transmit failures by side name.",
	}, []string{"side"})
	RouterUnknownEndpoint = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_unknown_endpoint_total",
		Help: "Total RX packets addressed to an unregistered local-endpoint tag, dropped in Sink mode.",
	})
	TimeSyncOffsetMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timesync_offset_ms",
		Help: "Most recently applied clock offset correction, in milliseconds.",
	})
	TimeSyncDelayMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timesync_delay_ms",
		Help: "Most recently computed one-way delay estimate, in milliseconds.",
	})
	TimeSyncRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timesync_rejected_total",
		Help: "Total time-sync replies discarded for exceeding the offset clamp.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
)

// StartHTTP serves Prometheus metrics at /metrics and the readiness
// probe at /ready on addr, using a mux of its own, in a background
// goroutine. It returns the server so the caller can shut it down.
func StartHTTP(addr string) *http.Server {
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
	localSerialRx    uint64
	localSerialTx    uint64
	localSocketCANTx uint64
	localSocketCANRx uint64
	localErrors      uint64
	localMalformed   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx    uint64
	SocketCANRx uint64
	SerialTx    uint64
	SocketCANTx uint64
	Errors      uint64 // sum across error labels
	Malformed   uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:    atomic.LoadUint64(&localSerialRx),
		SocketCANRx: atomic.LoadUint64(&localSocketCANRx),
		SerialTx:    atomic.LoadUint64(&localSerialTx),
		SocketCANTx: atomic.LoadUint64(&localSocketCANTx),
		Errors:      atomic.LoadUint64(&localErrors),
		Malformed:   atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{ErrSerialWrite, ErrSerialOverflow, ErrSerialRead} {
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

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }

// IncRingOverflow records a drop-oldest eviction in the SPSC ring.
func IncRingOverflow() { RingOverflow.Inc() }

// IncReasmDropped records a fragment rejected at header validation.
func IncReasmDropped() { ReasmDropped.Inc() }

// IncReasmEvicted records a stalest-slot eviction under pressure.
func IncReasmEvicted() { ReasmEvicted.Inc() }

// IncReasmExpired records a staleness-sweep slot reset.
func IncReasmExpired() { ReasmExpired.Inc() }

// IncReasmComplete records a successful reassembly.
func IncReasmComplete() { ReasmComplete.Inc() }

// IncRouterTXDrop records a queued log call rejected by a full TX queue.
func IncRouterTXDrop() { RouterTXQueueDrops.Inc() }

// IncRouterRXDrop records an RX packet dropped by the router (full RX
// queue, exhausted allocation budget, or undecodable queued envelope).
func IncRouterRXDrop() { RouterRXQueueDrops.Inc() }

// IncRouterSideTXError records a side transmit failure.
func IncRouterSideTXError(side string) { RouterSideTXErrors.WithLabelValues(side).Inc() }

// IncRouterUnknownEndpoint records an RX packet with no matching local endpoint.
func IncRouterUnknownEndpoint() { RouterUnknownEndpoint.Inc() }

// SetTimeSyncOffset records the most recently applied clock offset.
func SetTimeSyncOffset(ms int64) { TimeSyncOffsetMS.Set(float64(ms)) }

// SetTimeSyncDelay records the most recently computed one-way delay.
func SetTimeSyncDelay(ms int64) { TimeSyncDelayMS.Set(float64(ms)) }

// IncTimeSyncRejected records a reply discarded for exceeding the offset clamp.
func IncTimeSyncRejected() { TimeSyncRejected.Inc() }
