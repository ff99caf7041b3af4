package metrics

import "time"

// OfferEvent is one offer notification sent to a candidate partner.
type OfferEvent struct {
	OrderID   string
	PartnerID string
	Attempt   int
	RadiusM   float64
	Time      time.Time
}

// AssignmentEvent captures the resolution of an offer round.
type AssignmentEvent struct {
	OrderID   string
	PartnerID string
	Attempt   int
	// Latency is the time between the round's fan-out and the winning
	// accept commit.
	Latency time.Duration
	Time    time.Time
}

// ExhaustedEvent is recorded when dispatch gives up on an order.
type ExhaustedEvent struct {
	OrderID  string
	Attempts int
	RadiusM  float64
	Time     time.Time
}

// PingEvent is one ingested partner location update.
type PingEvent struct {
	OrderID   string
	PartnerID string
	Applied   bool // false for stale or replayed pings
	Time      time.Time
}

// MetricsSink records dispatch events for observability purposes.
type MetricsSink interface {
	RecordOffers(evs []OfferEvent) error
	RecordAssignment(ev AssignmentEvent) error
	RecordExhausted(ev ExhaustedEvent) error
}

// PingRecorder is implemented by sinks that also record tracking ingest.
type PingRecorder interface {
	RecordPing(ev PingEvent) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordOffers([]OfferEvent) error        { return nil }
func (NopSink) RecordAssignment(AssignmentEvent) error { return nil }
func (NopSink) RecordExhausted(ExhaustedEvent) error   { return nil }
func (NopSink) RecordPing(PingEvent) error             { return nil }
