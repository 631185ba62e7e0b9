// Package exporter publishes anomaly state to downstream consumers: Prometheus
// metrics and a JSON status endpoint over HTTP, and optionally a Redis key and
// channel.
package exporter

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fogwatch/fogwatch/sim/analysis"
)

// Metrics holds the fogwatch collectors on a dedicated registry.
// It implements analysis.PassObserver.
type Metrics struct {
	reg *prometheus.Registry

	isAnomaly    prometheus.Gauge
	anomalyScore prometheus.Gauge
	flagged      prometheus.Gauge
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec

	last atomic.Pointer[analysis.Status]
}

// NewMetrics registers the collectors on reg, or on a fresh registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		isAnomaly: f.NewGauge(prometheus.GaugeOpts{
			Name: "fogwatch_is_anomaly",
			Help: "Whether the latest completed analysis pass flagged anomalies (0 or 1)",
		}),
		anomalyScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "fogwatch_anomaly_score",
			Help: "Highest anomaly score of the latest completed analysis pass",
		}),
		flagged: f.NewGauge(prometheus.GaugeOpts{
			Name: "fogwatch_anomalies_flagged",
			Help: "Number of flagged records in the latest completed analysis pass",
		}),
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fogwatch_analysis_passes_total",
			Help: "Analysis passes by outcome and artifact source",
		}, []string{"outcome", "source"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fogwatch_analysis_pass_duration_seconds",
			Help:    "Wall-clock duration of analysis passes",
			Buckets: prometheus.DefBuckets,
		}, []string{"final"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fogwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// TrackSampler exposes the sampler's running counters.
func (m *Metrics) TrackSampler(firings, rows func() int) {
	f := promauto.With(m.reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fogwatch_sampler_firings_total",
		Help: "Telemetry sampler firings, forced samples included",
	}, func() float64 { return float64(firings()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "fogwatch_telemetry_rows_total",
		Help: "Telemetry rows appended to the log",
	}, func() float64 { return float64(rows()) })
}

// TrackPool exposes the number of running background tasks.
func (m *Metrics) TrackPool(running func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fogwatch_pool_running_tasks",
		Help: "Background tasks currently running in the worker pool",
	}, func() float64 { return float64(running()) })
}

// ObservePass implements analysis.PassObserver.
func (m *Metrics) ObservePass(p analysis.Pass) {
	m.passes.WithLabelValues(string(p.Outcome), string(p.Source)).Inc()
	m.passDuration.WithLabelValues(strconv.FormatBool(p.Final)).Observe(p.Duration.Seconds())
	if p.Outcome != analysis.Completed {
		return
	}
	st := analysis.StatusOf(p, time.Now())
	if st.IsAnomaly {
		m.isAnomaly.Set(1)
	} else {
		m.isAnomaly.Set(0)
	}
	m.anomalyScore.Set(st.AnomalyScore)
	m.flagged.Set(float64(st.Flagged))
	m.last.Store(&st)
}

// LastStatus returns the status of the latest completed pass, or nil.
func (m *Metrics) LastStatus() *analysis.Status { return m.last.Load() }
