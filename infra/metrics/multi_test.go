package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	coremetrics "github.com/courierhq/dispatchd/core/metrics"
)

// countingSink counts calls; it deliberately does not implement PingRecorder.
type countingSink struct {
	offers, assignments, exhausted int
	fail                           bool
}

func (c *countingSink) RecordOffers([]coremetrics.OfferEvent) error {
	if c.fail {
		return errors.New("sink down")
	}
	c.offers++
	return nil
}

func (c *countingSink) RecordAssignment(coremetrics.AssignmentEvent) error {
	c.assignments++
	return nil
}

func (c *countingSink) RecordExhausted(coremetrics.ExhaustedEvent) error {
	c.exhausted++
	return nil
}

type pingSink struct {
	countingSink
	pings int
}

func (p *pingSink) RecordPing(coremetrics.PingEvent) error {
	p.pings++
	return nil
}

func TestMultiSink_FanOut(t *testing.T) {
	a := &countingSink{}
	b := &pingSink{}
	m := NewMultiSink(a, b)

	require.NoError(t, m.RecordOffers(nil))
	require.NoError(t, m.RecordAssignment(coremetrics.AssignmentEvent{}))
	require.NoError(t, m.RecordExhausted(coremetrics.ExhaustedEvent{}))
	require.NoError(t, m.RecordPing(coremetrics.PingEvent{}))

	require.Equal(t, 1, a.offers)
	require.Equal(t, 1, a.assignments)
	require.Equal(t, 1, a.exhausted)
	require.Equal(t, 1, b.offers)
	// Only the ping-aware sink sees pings.
	require.Equal(t, 1, b.pings)
}

func TestMultiSink_FirstError(t *testing.T) {
	a := &countingSink{fail: true}
	b := &countingSink{}
	m := NewMultiSink(a, b)
	require.Error(t, m.RecordOffers(nil))
	require.Equal(t, 0, b.offers)
}
