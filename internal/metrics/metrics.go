// Package metrics holds the Prometheus collectors for the denoising loop.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	cacheDecisions    *prometheus.CounterVec
	approxError       *prometheus.HistogramVec
	transfers         *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	residentBytes     *prometheus.GaugeVec
	passDuration      *prometheus.HistogramVec
	stepDuration      *prometheus.HistogramVec
	collectiveLatency *prometheus.HistogramVec
	collectiveErrors  *prometheus.CounterVec
	requests          *prometheus.CounterVec
	requestDuration   prometheus.Histogram
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the process-wide /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cacheDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vidgen_cache_decisions_total",
			Help: "Transformer block evaluations by feature cache decision",
		}, []string{"mode", "decision"}),
		approxError: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidgen_cache_approximation_error",
			Help:    "Relative L1 error of a cached or extrapolated block output measured at the next exact recompute",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"mode"}),
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vidgen_residency_transfers_total",
			Help: "Weight group transfers between host and accelerator",
		}, []string{"direction"}),
		transferBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vidgen_residency_transfer_bytes_total",
			Help: "Bytes moved between host and accelerator",
		}, []string{"direction"}),
		residentBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vidgen_accelerator_resident_bytes",
			Help: "Weight bytes currently resident on each rank's accelerator",
		}, []string{"rank"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidgen_pass_duration_seconds",
			Help:    "Wall time of one transformer pass over a condition branch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"family", "branch"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidgen_step_duration_seconds",
			Help:    "Wall time of one outer denoising step, every branch included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"family"}),
		collectiveLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidgen_collective_duration_seconds",
			Help:    "Latency of distributed collective exchanges",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 1},
		}, []string{"op"}),
		collectiveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vidgen_collective_errors_total",
			Help: "Failed or timed out collective exchanges",
		}, []string{"op"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vidgen_requests_total",
			Help: "Generation requests by outcome",
		}, []string{"status"}),
		requestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vidgen_request_duration_seconds",
			Help:    "End to end generation request latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}

func (m *Metrics) CacheDecision(mode, decision string) {
	if m == nil {
		return
	}
	m.cacheDecisions.WithLabelValues(mode, decision).Inc()
}

func (m *Metrics) ApproximationError(mode string, v float64) {
	if m == nil {
		return
	}
	m.approxError.WithLabelValues(mode).Observe(v)
}

// Transfer records one residency copy. direction is "upload" or "download".
func (m *Metrics) Transfer(direction string, bytes int64) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(direction).Inc()
	m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) ResidentBytes(rank int, v int64) {
	if m == nil {
		return
	}
	m.residentBytes.WithLabelValues(strconv.Itoa(rank)).Set(float64(v))
}

func (m *Metrics) Pass(family, branch string, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(family, branch).Observe(d.Seconds())
}

// Step records one outer step. Only one rank of a group should report it.
func (m *Metrics) Step(family string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(family).Observe(d.Seconds())
}

func (m *Metrics) Collective(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.collectiveLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.collectiveErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Request(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	m.requestDuration.Observe(d.Seconds())
}
