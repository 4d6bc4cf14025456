package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes reported by the dispatcher.
const (
	EventApplied = "applied"
	EventSkipped = "skipped"
	EventFailed  = "failed"
)

// Cycle outcomes reported by the poller.
const (
	CycleOK      = "ok"
	CycleError   = "error"
	CyclePanic   = "panic"
	CycleStandby = "standby"
)

// Metrics holds the indexer's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	events        *prometheus.CounterVec
	checkpoint    prometheus.Gauge
	safeHead      prometheus.Gauge
	lag           prometheus.Gauge
	chunkDuration prometheus.Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init registers the collectors on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainsync_cycles_total",
			Help: "Sync cycles by outcome",
		}, []string{"status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainsync_events_total",
			Help: "Contract events by type and outcome (applied, skipped, failed)",
		}, []string{"event_type", "status"}),
		checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainsync_checkpoint_block",
			Help: "Last fully processed block",
		}),
		safeHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainsync_safe_head_block",
			Help: "Chain height minus block confirmations",
		}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainsync_lag_blocks",
			Help: "Blocks between the checkpoint and the safe head",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainsync_chunk_duration_seconds",
			Help:    "Time spent dispatching one block range",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.events, m.checkpoint, m.safeHead, m.lag, m.chunkDuration)
	}
	return m
}

// Cycle counts a finished sync cycle.
func (m *Metrics) Cycle(status string) {
	if m != nil {
		m.cycles.WithLabelValues(status).Inc()
	}
}

// Event counts one event outcome.
func (m *Metrics) Event(eventType, status string) {
	if m != nil {
		m.events.WithLabelValues(eventType, status).Inc()
	}
}

// Progress records the checkpoint against the safe head.
func (m *Metrics) Progress(checkpoint, safeHead uint64) {
	if m == nil {
		return
	}
	m.checkpoint.Set(float64(checkpoint))
	m.safeHead.Set(float64(safeHead))
	var lag uint64
	if safeHead > checkpoint {
		lag = safeHead - checkpoint
	}
	m.lag.Set(float64(lag))
}

// ObserveChunk records how long a chunk took.
func (m *Metrics) ObserveChunk(d time.Duration) {
	if m != nil {
		m.chunkDuration.Observe(d.Seconds())
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
