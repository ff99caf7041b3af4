package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierhq/dispatchd/core/logger"
	coremetrics "github.com/courierhq/dispatchd/core/metrics"
)

// PromSink records dispatch events in Prometheus metrics.
type PromSink struct {
	offers      *prometheus.CounterVec
	assignments prometheus.Counter
	latency     prometheus.Histogram
	exhausted   prometheus.Counter
	pings       *prometheus.CounterVec
}

// NewPromSink registers dispatch metrics on the default Prometheus registerer.
// The Prometheus server should be started separately with StartServer.
func NewPromSink() (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	offers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_total",
		Help: "Total number of offers sent to candidate partners",
	}, []string{"attempt"})
	assignments := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_assignments_total",
		Help: "Total number of orders assigned to a partner",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_assignment_latency_seconds",
		Help:    "Time between offer fan-out and the winning accept",
		Buckets: prometheus.DefBuckets,
	})
	exhausted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_exhausted_total",
		Help: "Total number of orders that ran out of escalation attempts",
	})
	pings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_pings_total",
		Help: "Total number of ingested partner location pings",
	}, []string{"applied"})

	for _, c := range []prometheus.Collector{offers, assignments, latency, exhausted, pings} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return &PromSink{
		offers:      offers,
		assignments: assignments,
		latency:     latency,
		exhausted:   exhausted,
		pings:       pings,
	}, nil
}

// RecordOffers increments the offer counter per escalation attempt.
func (s *PromSink) RecordOffers(evs []coremetrics.OfferEvent) error {
	for _, ev := range evs {
		s.offers.WithLabelValues(strconv.Itoa(ev.Attempt)).Inc()
	}
	return nil
}

// RecordAssignment counts the win and observes the accept latency.
func (s *PromSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	s.assignments.Inc()
	s.latency.Observe(ev.Latency.Seconds())
	return nil
}

// RecordExhausted counts an order that ran out of attempts.
func (s *PromSink) RecordExhausted(coremetrics.ExhaustedEvent) error {
	s.exhausted.Inc()
	return nil
}

// RecordPing counts an ingested location ping, split by applied/stale.
func (s *PromSink) RecordPing(ev coremetrics.PingEvent) error {
	s.pings.WithLabelValues(strconv.FormatBool(ev.Applied)).Inc()
	return nil
}

// StartServer exposes /metrics on addr until ctx is canceled.
func StartServer(ctx context.Context, addr string, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("prometheus server: %v", err)
		}
	}()
}
