package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the enrollment protocol.
type Metrics struct {
	EnrollmentsRequested prometheus.Counter
	RequestsRejected     *prometheus.CounterVec
	Transitions          *prometheus.CounterVec
	EventsDropped        prometheus.Counter
}

// New creates and registers all federation metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on the given registerer. Tests pass a fresh
// registry so multiple engine instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnrollmentsRequested: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedhub_enrollments_requested_total",
			Help: "Total enrollment requests accepted into pending_verification",
		}),
		RequestsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedhub_enrollment_requests_rejected_total",
			Help: "Enrollment requests rejected before a record was created, by cause",
		}, []string{"cause"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedhub_enrollment_transitions_total",
			Help: "Successful enrollment status transitions, by target status",
		}, []string{"to"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedhub_protocol_events_dropped_total",
			Help: "Protocol events dropped because a subscriber buffer was full",
		}),
	}
}

// IncrementTransition records a successful transition to the given status.
func (m *Metrics) IncrementTransition(to string) {
	m.Transitions.WithLabelValues(to).Inc()
}

// IncrementRejected records a request rejected before record creation.
func (m *Metrics) IncrementRejected(cause string) {
	m.RequestsRejected.WithLabelValues(cause).Inc()
}
