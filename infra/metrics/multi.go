package metrics

import coremetrics "github.com/courierhq/dispatchd/core/metrics"

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordOffers forwards offer events to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordOffers(evs []coremetrics.OfferEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordOffers(evs); err != nil {
			return err
		}
	}
	return nil
}

// RecordAssignment forwards assignment events.
func (m *MultiSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordAssignment(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordExhausted forwards exhaustion events.
func (m *MultiSink) RecordExhausted(ev coremetrics.ExhaustedEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordExhausted(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordPing forwards ping events to sinks that record tracking ingest.
func (m *MultiSink) RecordPing(ev coremetrics.PingEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.PingRecorder); ok {
			if err := rec.RecordPing(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
