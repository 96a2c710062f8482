package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/carrier/internal/ir"
)

// metrics holds the delivery collectors. Each Engine registers its own set
// with the Registerer it was given, so tests can use a throwaway registry.
type metrics struct {
	// attempts counts delivery attempts.
	// Labels: class (discovery, metrics, auth, post), outcome (Classification)
	attempts *prometheus.CounterVec

	// latency measures transport round trips.
	// Labels: class
	latency *prometheus.HistogramVec

	// retries counts stored entries rescheduled after a retryable outcome.
	retries prometheus.Counter

	// dropped counts entries removed by the retry budget.
	dropped prometheus.Counter

	// replays counts replay passes over the store.
	// Labels: reason (auth_change, discovery, manual)
	replays *prometheus.CounterVec

	// authStatus is the current AuthStatus as its numeric value.
	authStatus prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, pending func() float64) *metrics {
	factory := promauto.With(reg)
	m := &metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carrier",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by service class and outcome",
		}, []string{"class", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carrier",
			Subsystem: "delivery",
			Name:      "round_trip_seconds",
			Help:      "Transport round trip latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"class"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "carrier",
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Stored entries rescheduled after a retryable outcome",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "carrier",
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Stored entries dropped by the retry budget",
		}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carrier",
			Subsystem: "store",
			Name:      "replays_total",
			Help:      "Replay passes over the pending store by reason",
		}, []string{"reason"}),
		authStatus: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "carrier",
			Subsystem: "auth",
			Name:      "status",
			Help:      "Current auth status (-1 not authorized, 0 undetermined, 1 read only, 2 ready)",
		}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "carrier",
		Subsystem: "store",
		Name:      "pending_entries",
		Help:      "Entries waiting in the pending store",
	}, pending)
	return m
}

func (m *metrics) observeAttempt(class ir.ServiceClass, outcome ir.Classification) {
	m.attempts.WithLabelValues(class.String(), outcome.String()).Inc()
}
