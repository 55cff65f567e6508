package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesBookedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_booked_total", Help: "Rides persisted by bookRide"},
		[]string{"vehicle_type"},
	)
	BookingLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "booking_latency_seconds", Help: "bookRide handling latency"})
	BookingDedupTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "booking_dedup_total", Help: "Bookings answered from an earlier identical request"})

	RidesAcceptedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_accepted_total", Help: "Accept attempts that won the ride"})
	AcceptConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Persisted ride status transitions"},
		[]string{"to"},
	)
	RideIDFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_id_fallbacks_total", Help: "Ride ids generated without the persisted counter"})
	PricingPendingTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pricing_pending_total", Help: "Bookings quoted without a configured rate"})

	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	DriversTracked = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_tracked", Help: "Presence records including offline drivers"})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ride_sessions", Help: "Rides held in the session table"})
	TrackedUsers   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracked_users", Help: "Users with a tracked location"})
	SweepEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_evictions_total", Help: "Entries removed by the stale sweep"},
		[]string{"kind"},
	)

	SocketConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "socket_connections", Help: "Open realtime connections"})
	SocketEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "socket_events_total", Help: "Realtime events handled"},
		[]string{"event", "result"},
	)
	SocketDropsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "socket_send_drops_total", Help: "Outbound messages dropped on full buffers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
