package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	offersSent     *prometheus.CounterVec
	roundsResolved *prometheus.CounterVec
	acceptOutcomes *prometheus.CounterVec
	acceptLatency  prometheus.Histogram
	pushFailures   prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Histogram, prometheus.Counter) {
	offers := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offers_sent_total",
			Help: "Number of offer notifications fanned out to partners",
		},
		[]string{"vehicle_type"},
	)
	rounds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_rounds_total",
			Help: "Escalation rounds by resolution",
		},
		[]string{"result"},
	)
	accepts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_accepts_total",
			Help: "Partner accept calls by outcome",
		},
		[]string{"outcome"},
	)
	lat := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_accept_latency_seconds",
			Help:    "Time between offer fan-out and the winning accept",
			Buckets: prometheus.DefBuckets,
		},
	)
	fail := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_push_failures_total",
			Help: "Offer notifications that could not be delivered",
		},
	)
	return offers, rounds, accepts, lat, fail
}

func init() {
	offersSent, roundsResolved, acceptOutcomes, acceptLatency, pushFailures = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(offersSent, roundsResolved, acceptOutcomes, acceptLatency, pushFailures)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	offersSent, roundsResolved, acceptOutcomes, acceptLatency, pushFailures = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
