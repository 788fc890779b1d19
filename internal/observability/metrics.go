package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all fiso-stream Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RecordsTotal     *prometheus.CounterVec
	BatchesTotal     *prometheus.CounterVec
	InvokeAttempts   *prometheus.CounterVec
	InvokeDuration   *prometheus.HistogramVec
	FailureReports   *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ActivePollers    *prometheus.GaugeVec
	QueuedShards     *prometheus.GaugeVec
	ShardsRetired    *prometheus.CounterVec
	ShardsFailed     *prometheus.CounterVec
	SourceFailed     *prometheus.GaugeVec
	IteratorAge      *prometheus.GaugeVec
}

// NewMetrics creates and registers all fiso-stream metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_stream_records_total",
			Help: "Stream records processed, by outcome.",
		}, []string{"source", "status"}),

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_stream_batches_total",
			Help: "Batches dispatched, by outcome.",
		}, []string{"source", "outcome"}),

		InvokeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_stream_invoke_attempts_total",
			Help: "Target invocation attempts.",
		}, []string{"source", "result"}),

		InvokeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fiso_stream_invoke_duration_seconds",
			Help:    "Duration of a single target invocation attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		FailureReports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_stream_failure_reports_total",
			Help: "Failure reports built for exhausted batches.",
		}, []string{"source", "status"}),

		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_stream_provider_errors_total",
			Help: "Stream API errors by operation and kind.",
		}, []string{"source", "op", "kind"}),

		ActivePollers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_stream_active_pollers",
			Help: "Shard pollers currently running.",
		}, []string{"source"}),

		QueuedShards: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_stream_queued_shards",
			Help: "Eligible shards waiting for a poller slot.",
		}, []string{"source"}),

		ShardsRetired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_stream_shards_retired_total",
			Help: "Shards read to their end and retired.",
		}, []string{"source"}),

		ShardsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_stream_shards_failed_total",
			Help: "Shard workers that gave up.",
		}, []string{"source"}),

		SourceFailed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_stream_source_failed",
			Help: "1 when a source could not be initialized.",
		}, []string{"source"}),

		IteratorAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_stream_iterator_age_milliseconds",
			Help: "Age of the last record dispatched per shard.",
		}, []string{"source", "shard"}),
	}
}

// RecordBatch counts a dispatched batch and its records.
func (m *Metrics) RecordBatch(source, outcome string, records int) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(source, outcome).Inc()
	m.RecordsTotal.WithLabelValues(source, outcome).Add(float64(records))
}

// RecordFiltered counts records skipped by source filters.
func (m *Metrics) RecordFiltered(source string, records int) {
	if m == nil || records == 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(source, "filtered").Add(float64(records))
}

// ObserveInvoke records one invocation attempt.
func (m *Metrics) ObserveInvoke(source string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	m.InvokeAttempts.WithLabelValues(source, result).Inc()
	m.InvokeDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordFailureReport counts a report and whether publishing it worked.
func (m *Metrics) RecordFailureReport(source string, published bool) {
	if m == nil {
		return
	}
	status := "published"
	if !published {
		status = "publish_error"
	}
	m.FailureReports.WithLabelValues(source, status).Inc()
}

// RecordProviderError counts a failed stream API call.
func (m *Metrics) RecordProviderError(source, op, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(source, op, kind).Inc()
}

// SetPollers publishes the active and queued poller counts for a source.
func (m *Metrics) SetPollers(source string, active, queued int) {
	if m == nil {
		return
	}
	m.ActivePollers.WithLabelValues(source).Set(float64(active))
	m.QueuedShards.WithLabelValues(source).Set(float64(queued))
}

// ShardRetired counts a drained shard.
func (m *Metrics) ShardRetired(source string) {
	if m == nil {
		return
	}
	m.ShardsRetired.WithLabelValues(source).Inc()
}

// ShardFailed counts a shard worker that gave up.
func (m *Metrics) ShardFailed(source string) {
	if m == nil {
		return
	}
	m.ShardsFailed.WithLabelValues(source).Inc()
}

// SetSourceFailed flags or clears a failed source.
func (m *Metrics) SetSourceFailed(source string, failed bool) {
	if m == nil {
		return
	}
	v := 0.0
	if failed {
		v = 1
	}
	m.SourceFailed.WithLabelValues(source).Set(v)
}

// SetIteratorAge publishes how far behind a shard's last dispatched record is.
func (m *Metrics) SetIteratorAge(source, shard string, age time.Duration) {
	if m == nil {
		return
	}
	m.IteratorAge.WithLabelValues(source, shard).Set(float64(age.Milliseconds()))
}

// ForgetShard drops per-shard series once a shard is gone.
func (m *Metrics) ForgetShard(source, shard string) {
	if m == nil {
		return
	}
	m.IteratorAge.DeleteLabelValues(source, shard)
}
