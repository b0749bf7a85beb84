// Package metrics holds the Prometheus collectors of the reservation
// core.  Collectors are package level; main registers them once.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ReservationOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inventory",
		Name:      "reservation_operations_total",
		Help:      "Reservation lifecycle operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	UnitsReserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inventory",
		Name:      "units_reserved_total",
		Help:      "Units placed on hold, by pool (public or allocation).",
	}, []string{"pool"})

	SweptReservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inventory",
		Name:      "swept_reservations_total",
		Help:      "Reservations handled by the expiration sweeper, by outcome.",
	}, []string{"outcome"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inventory",
		Name:      "events_published_total",
		Help:      "Lifecycle events handed to the broker, by outcome (sent, failed or dropped).",
	}, []string{"outcome"})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inventory",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one sweeper batch.",
		Buckets:   prometheus.DefBuckets,
	})
)

// MustRegister registers every collector of the package on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(ReservationOps, UnitsReserved, SweptReservations, EventsPublished, SweepDuration)
}
