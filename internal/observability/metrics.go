package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier_dispatch"

// gateway side
var (
	OffersCreated     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Offers issued to couriers"})
	OfferResolutions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offer_resolutions_total", Help: "Offers resolved on the backend by status"}, []string{"status"})
	CouriersAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "couriers_available", Help: "Couriers currently flagged available"})
	NotifyPushes      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notify_pushes_total", Help: "notificationUpdate pushes by transport and result"}, []string{"transport", "result"})

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

// courier runtime
var (
	OfferOutcomes        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "courier_offer_outcomes_total", Help: "Offer resolutions seen by the courier runtime"}, []string{"status"})
	RideStageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "courier_ride_transitions_total", Help: "Ride stage transitions by target stage"}, []string{"stage"})
	GatewayCallFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "courier_gateway_failures_total", Help: "Failed dispatch backend calls by operation"}, []string{"operation"})
	LocationSamples      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "courier_location_samples_total", Help: "Position samples taken"})
	LocationForwards     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "courier_location_forwards_total", Help: "Position forwards to the backend by result"}, []string{"result"})
	NotifyReconnects     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "courier_notify_reconnects_total", Help: "Notification channel connection attempts by result"}, []string{"result"})
)
