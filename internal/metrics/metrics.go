// Package metrics exposes workflow counters on a dedicated Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"servimatch/internal/domain"
)

const namespace = "servimatch"

type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	txRetries  *prometheus.CounterVec
	sweepItems *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Workflow operations by name and outcome",
		}, []string{"operation", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Workflow operation latency including transaction retries",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),
		txRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "transaction_retries_total",
			Help:      "Transactions retried after a transient store failure",
		}, []string{"operation"}),
		sweepItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_items_total",
			Help:      "Rows changed by background sweeps",
		}, []string{"sweep", "kind"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by sink and outcome",
		}, []string{"sink", "outcome"}),
	}
}

// Outcome buckets an operation error into a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		ve *domain.ValidationError
		sb *domain.SwitchBlockedError
		ab *domain.ActivityBlockedError
		pe *domain.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &sb), errors.As(err, &ab):
		return "blocked"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case domain.IsStateConflict(err):
		return "conflict"
	case errors.As(err, &pe):
		return "persistence"
	}
	return "error"
}

func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) TxRetry(op string) {
	if m == nil {
		return
	}
	m.txRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SweepItems(sweep, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepItems.WithLabelValues(sweep, kind).Add(float64(n))
}

func (m *Metrics) Delivery(sink, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(sink, outcome).Inc()
}

// TxRetries exposes the retry counter for tests.
func (m *Metrics) TxRetries() *prometheus.CounterVec {
	return m.txRetries
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
