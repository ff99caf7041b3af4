package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/courierhq/dispatchd/core/logger"
	coremetrics "github.com/courierhq/dispatchd/core/metrics"
	infralogger "github.com/courierhq/dispatchd/infra/logger"
)

// InfluxSink writes dispatch events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      infralogger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordOffers writes one point per offer sent.
func (s *InfluxSink) RecordOffers(evs []coremetrics.OfferEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ev := range evs {
		p := write.NewPointWithMeasurement("dispatch_offer_sent").
			AddTag("order_id", ev.OrderID).
			AddTag("partner_id", ev.PartnerID).
			AddTag("attempt", strconv.Itoa(ev.Attempt)).
			AddTag("component", "dispatch_coordinator").
			AddField("radius_m", ev.RadiusM).
			SetTime(ev.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordAssignment writes the resolution of an offer round.
func (s *InfluxSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispatch_assignment").
		AddTag("order_id", ev.OrderID).
		AddTag("partner_id", ev.PartnerID).
		AddTag("attempt", strconv.Itoa(ev.Attempt)).
		AddTag("component", "dispatch_coordinator").
		AddField("latency_ms", ev.Latency.Seconds()*1000).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordExhausted writes a dispatch give-up event.
func (s *InfluxSink) RecordExhausted(ev coremetrics.ExhaustedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispatch_exhausted").
		AddTag("order_id", ev.OrderID).
		AddTag("component", "dispatch_coordinator").
		AddField("attempts", ev.Attempts).
		AddField("radius_m", ev.RadiusM).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordPing writes one ingested location ping.
func (s *InfluxSink) RecordPing(ev coremetrics.PingEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("tracking_ping").
		AddTag("order_id", ev.OrderID).
		AddTag("partner_id", ev.PartnerID).
		AddTag("applied", strconv.FormatBool(ev.Applied)).
		AddTag("component", "tracking_ingestor").
		AddField("count", 1).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close flushes and releases the influx client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
