package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbroker_requests_finished_total",
			Help: "Requests that reached a terminal status.",
		},
		[]string{"type", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetbroker_request_duration_seconds",
			Help:    "Time from request creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"type", "status"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbroker_provider_submissions_total",
			Help: "Provider submissions by outcome.",
		},
		[]string{"provider", "handler", "result"},
	)

	providerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbroker_provider_errors_total",
			Help: "Provider errors observed while reconciling.",
		},
		[]string{"provider", "code"},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbroker_active_requests",
			Help: "Requests not yet in a terminal status at the last poll.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsFinished)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(submissions)
	prometheus.MustRegister(providerErrors)
	prometheus.MustRegister(activeRequests)
}
