package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing, which keeps components usable without a registry.
type Metrics struct {
	versionsInserted *prometheus.CounterVec
	versionsExpired  *prometheus.CounterVec
	versionsRevised  *prometheus.CounterVec
	versionsSkipped  *prometheus.CounterVec
	factsLoaded      *prometheus.CounterVec
	errorsRecorded   *prometheus.CounterVec
	reprocessed      *prometheus.CounterVec
	windowRuns       *prometheus.CounterVec
	windowDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		versionsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_dimension_versions_inserted_total",
			Help: "Dimension versions opened by SCD2 merges",
		}, []string{"dimension"}),
		versionsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_dimension_versions_expired_total",
			Help: "Dimension versions closed by SCD2 merges",
		}, []string{"dimension"}),
		versionsRevised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_dimension_versions_revised_total",
			Help: "Same-day dimension versions overwritten in place",
		}, []string{"dimension"}),
		versionsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_dimension_versions_skipped_total",
			Help: "Dimension versions identical to the current version",
		}, []string{"dimension"}),
		factsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_fact_rows_loaded_total",
			Help: "Fact rows written to the fact store",
		}, []string{"fact_table"}),
		errorsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_error_records_total",
			Help: "Error ledger entries by type and severity",
		}, []string{"source_table", "error_type", "severity"}),
		reprocessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_reprocess_attempts_total",
			Help: "Reprocessor attempts by outcome",
		}, []string{"outcome"}),
		windowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dwhsync_window_runs_total",
			Help: "Processing window runs by final status",
		}, []string{"status"}),
		windowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dwhsync_window_duration_seconds",
			Help:    "Wall time of processing window runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.versionsInserted,
			m.versionsExpired,
			m.versionsRevised,
			m.versionsSkipped,
			m.factsLoaded,
			m.errorsRecorded,
			m.reprocessed,
			m.windowRuns,
			m.windowDuration,
		)
	}

	return m
}

func (m *Metrics) DimensionMerged(dimension string, inserted, expired, revised, skipped int) {
	if m == nil {
		return
	}
	m.versionsInserted.WithLabelValues(dimension).Add(float64(inserted))
	m.versionsExpired.WithLabelValues(dimension).Add(float64(expired))
	m.versionsRevised.WithLabelValues(dimension).Add(float64(revised))
	m.versionsSkipped.WithLabelValues(dimension).Add(float64(skipped))
}

func (m *Metrics) FactsLoaded(table string, count int) {
	if m == nil {
		return
	}
	m.factsLoaded.WithLabelValues(table).Add(float64(count))
}

func (m *Metrics) ErrorRecorded(table, errorType, severity string) {
	if m == nil {
		return
	}
	m.errorsRecorded.WithLabelValues(table, errorType, severity).Inc()
}

func (m *Metrics) Reprocessed(outcome string) {
	if m == nil {
		return
	}
	m.reprocessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WindowFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.windowRuns.WithLabelValues(status).Inc()
	m.windowDuration.Observe(elapsed.Seconds())
}
