// Package metrics holds the Prometheus instruments of the dispatch service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// Record handling results. Abandoned invocations timed out and left the record for redelivery.
const (
	RecordSent      = "sent"
	RecordFailed    = "failed"
	RecordInvalid   = "invalid"
	RecordSkipped   = "skipped"
	RecordAbandoned = "abandoned"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	Dispatches      *prometheus.CounterVec
	DispatchLatency prometheus.Histogram
	RecordsHandled  *prometheus.CounterVec
	RecordsSwept    *prometheus.CounterVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Provider send attempts by outcome kind",
		}, []string{"kind"}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of provider send calls",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		RecordsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_handled_total",
			Help:      "Record-created events by collection and result",
		}, []string{"collection", "result"}),
		RecordsSwept: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_swept_total",
			Help:      "Records deleted by the retention sweep",
		}, []string{"collection"}),
	}
}

func (m *Metrics) ObserveDispatch(kind dispatch.ErrorKind, took time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kind.String()).Inc()
	m.DispatchLatency.Observe(took.Seconds())
}

func (m *Metrics) ObserveRecord(collection, result string) {
	if m == nil {
		return
	}
	m.RecordsHandled.WithLabelValues(collection, result).Inc()
}

func (m *Metrics) ObserveSweep(collection string, deleted int) {
	if m == nil {
		return
	}
	m.RecordsSwept.WithLabelValues(collection).Add(float64(deleted))
}
