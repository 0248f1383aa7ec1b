package accel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports accelerator activity to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	initialized   *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	failures      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	truncated     prometheus.Counter
	sequenceLen   prometheus.Histogram
	searchRows    prometheus.Histogram
}

// NewMetrics registers the accelerator collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		initialized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_accel_initialized_total",
			Help: "Initialize outcomes by result",
		}, []string{"result"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_accel_dispatches_total",
			Help: "Kernel dispatches submitted, by stage",
		}, []string{"stage"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_accel_failures_total",
			Help: "Failed operations by kind and stage",
		}, []string{"kind", "stage"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_accel_stage_duration_seconds",
			Help:    "Wall time from submit to completion, by stage",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"stage"}),
		truncated: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_accel_truncated_sequences_total",
			Help: "Sequences cut to the maximum length",
		}),
		sequenceLen: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_accel_sequence_length",
			Help:    "Processed sequence lengths after truncation",
			Buckets: prometheus.LinearBuckets(32, 32, 16),
		}),
		searchRows: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_accel_search_rows",
			Help:    "Database rows scored per search",
			Buckets: prometheus.ExponentialBuckets(16, 4, 10),
		}),
	}
}

func (m *Metrics) observeInit(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.initialized.WithLabelValues(result).Inc()
}

func (m *Metrics) observeStage(stage string, start time.Time, dispatches int) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(stage).Add(float64(dispatches))
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeFailure(e *Error) {
	if m == nil || e == nil {
		return
	}
	m.failures.WithLabelValues(e.Kind.String(), e.Stage).Inc()
}

func (m *Metrics) observeSequence(n int, truncated bool) {
	if m == nil {
		return
	}
	m.sequenceLen.Observe(float64(n))
	if truncated {
		m.truncated.Inc()
	}
}

func (m *Metrics) observeSearch(rows int) {
	if m == nil {
		return
	}
	m.searchRows.Observe(float64(rows))
}
