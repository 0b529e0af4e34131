package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventkeep"

// buckets for seconds resolutions of histograms
var durationBuckets = []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}

// Metrics holds the engine's prometheus collectors. A nil *Metrics records
// nothing, so components can be used without a registry.
type Metrics struct {
	MessagesStored  prometheus.Counter
	Conflicts       prometheus.Counter
	WriteFailures   prometheus.Counter
	FieldWarnings   *prometheus.CounterVec
	IntegrityFaults prometheus.Counter
	RangeClips      *prometheus.CounterVec
	BatchMutations  prometheus.Histogram
	StoreDuration   prometheus.Histogram
	QueryDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Messages whose derivative writes were applied.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Messages rejected because their id is stored under another type.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Messages whose batch failed at the backend.",
		}),
		FieldWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_warnings_total",
			Help:      "Index fields that could not be extracted from an event.",
		}, []string{"type", "field"}),
		IntegrityFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_faults_total",
			Help:      "Reads that found stored data contradicting itself.",
		}),
		RangeClips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_clips_total",
			Help:      "Statistics reads whose start was raised to the maximum lookback.",
		}, []string{"granularity"}),
		BatchMutations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_mutations",
			Help:      "Mutations per stored message.",
			Buckets:   prometheus.ExponentialBuckets(4, 2, 8),
		}),
		StoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Time taken to store one message.",
			Buckets:   durationBuckets,
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time taken to answer a query.",
			Buckets:   durationBuckets,
		}, []string{"op"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesStored, m.Conflicts, m.WriteFailures, m.FieldWarnings,
		m.IntegrityFaults, m.RangeClips, m.BatchMutations, m.StoreDuration, m.QueryDuration,
	}
}

// ObserveStored records a successfully applied message.
func (m *Metrics) ObserveStored(mutations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MessagesStored.Inc()
	m.BatchMutations.Observe(float64(mutations))
	m.StoreDuration.Observe(elapsed.Seconds())
}

// IncConflict records a type-conflict rejection.
func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// IncWriteFailure records a batch that failed at the backend.
func (m *Metrics) IncWriteFailure() {
	if m == nil {
		return
	}
	m.WriteFailures.Inc()
}

// IncFieldWarning records an index field extraction warning.
func (m *Metrics) IncFieldWarning(typeName, field string) {
	if m == nil {
		return
	}
	m.FieldWarnings.WithLabelValues(typeName, field).Inc()
}

// IncIntegrityFault records a data-integrity fault surfaced to a reader.
func (m *Metrics) IncIntegrityFault() {
	if m == nil {
		return
	}
	m.IntegrityFaults.Inc()
}

// IncRangeClip records a clipped statistics read.
func (m *Metrics) IncRangeClip(granularity string) {
	if m == nil {
		return
	}
	m.RangeClips.WithLabelValues(granularity).Inc()
}

// ObserveQuery records the duration of one query operation.
func (m *Metrics) ObserveQuery(op string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
