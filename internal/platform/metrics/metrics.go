package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	LocationsCreated      prometheus.Counter
	TransitionsTotal      *prometheus.CounterVec
	TransitionsRejected   *prometheus.CounterVec
	NotificationsSent     prometheus.Counter
	NotificationsDropped  prometheus.Counter
	StoreLatencySeconds   *prometheus.HistogramVec
	RequestLatencySeconds *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		LocationsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "canopy_locations_created_total",
			Help: "Total number of locations created via observation submission",
		}),
		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "canopy_transitions_total",
			Help: "Successful protocol transitions by protocol and target state",
		}, []string{"protocol", "to_state"}),
		TransitionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "canopy_transitions_rejected_total",
			Help: "Rejected protocol transitions by protocol and error code",
		}, []string{"protocol", "code"}),
		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "canopy_notifications_sent_total",
			Help: "Terminal-state notifications delivered to the outbound port",
		}),
		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "canopy_notifications_dropped_total",
			Help: "Terminal-state notifications dropped after delivery failure",
		}),
		StoreLatencySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canopy_store_latency_seconds",
			Help:    "Latency of record store operations",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		RequestLatencySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canopy_http_request_latency_seconds",
			Help:    "HTTP request latency by route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "status"}),
	}
}

// ObserveStore records the latency of one store operation.
func (m *Metrics) ObserveStore(op string, start time.Time) {
	if m == nil {
		return
	}
	m.StoreLatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// IncrementTransition records a successful transition.
func (m *Metrics) IncrementTransition(protocol, toState string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(protocol, toState).Inc()
}

// IncrementRejected records a failed transition by error code.
func (m *Metrics) IncrementRejected(protocol, code string) {
	if m == nil {
		return
	}
	m.TransitionsRejected.WithLabelValues(protocol, code).Inc()
}
