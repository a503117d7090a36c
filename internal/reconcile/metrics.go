package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink counts engine events in prometheus.
type MetricsSink struct {
	outcomesTotal     *prometheus.CounterVec
	duplicatesTotal   *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	batchSize         prometheus.Histogram
}

// NewMetricsSink registers the engine collectors with registerer.
func NewMetricsSink(registerer prometheus.Registerer) *MetricsSink {
	factory := promauto.With(registerer)
	return &MetricsSink{
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sync_outcomes_total",
				Help: "Operations reconciled, by table, result and reason.",
			},
			[]string{"table", "result", "reason"},
		),
		duplicatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sync_duplicates_total",
				Help: "Retransmitted operations answered from the outcome ledger.",
			},
			[]string{"table"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_sync_store_failures_total",
				Help: "Operations aborted by a store failure.",
			},
			[]string{"table"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tether_sync_operation_duration_seconds",
				Help:    "Time spent reconciling a single operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"table"},
		),
		batchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tether_sync_batch_size",
				Help:    "Operations per submitted batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
	}
}

// Record implements EventSink.
func (m *MetricsSink) Record(event Event) {
	table := event.Outcome.Table.String()
	switch event.Name {
	case EventOperationProcessed:
		m.outcomesTotal.WithLabelValues(table, string(event.Outcome.Result), event.Outcome.ReasonCode).Inc()
		m.operationDuration.WithLabelValues(table).Observe(event.Duration.Seconds())
	case EventOperationDeduplicated:
		m.duplicatesTotal.WithLabelValues(table).Inc()
	case EventOperationFailed:
		m.failuresTotal.WithLabelValues(table).Inc()
	case EventBatchCompleted:
		m.batchSize.Observe(float64(event.BatchSize))
	}
}
