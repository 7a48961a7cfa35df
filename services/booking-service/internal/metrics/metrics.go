package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booking_engine"

var (
	once sync.Once

	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	reserveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reserve_duration_seconds",
			Help:      "Latency of ReserveSlot including retries.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Booking transitions by target status and outcome.",
		},
		[]string{"target", "outcome"},
	)

	slotCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_cache_total",
			Help:      "Slot cache lookups by result.",
		},
		[]string{"result"},
	)

	storageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Retries of transient storage errors by operation.",
		},
		[]string{"op"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Booking events dropped because the notifier queue was full.",
		},
		[]string{"event_type"},
	)

	unappliedCaptures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unapplied_captures_total",
			Help:      "Balance captures whose booking could not be completed afterwards.",
		},
	)

	expired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_expired_total",
			Help:      "Requested or pending bookings cancelled by the expiry worker.",
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(reservations, reserveDuration, transitions, slotCache, storageRetries, eventsDropped, unappliedCaptures, expired)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveReservation(outcome string, started time.Time) {
	reservations.WithLabelValues(outcome).Inc()
	reserveDuration.Observe(time.Since(started).Seconds())
}

func IncTransition(target, outcome string) {
	transitions.WithLabelValues(target, outcome).Inc()
}

func IncSlotCache(result string) {
	slotCache.WithLabelValues(result).Inc()
}

func IncStorageRetry(op string) {
	storageRetries.WithLabelValues(op).Inc()
}

func IncEventDropped(eventType string) {
	eventsDropped.WithLabelValues(eventType).Inc()
}

func IncUnappliedCapture() {
	unappliedCaptures.Inc()
}

func AddExpired(n int) {
	expired.Add(float64(n))
}
