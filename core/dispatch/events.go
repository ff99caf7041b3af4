package dispatch

import "time"

// OfferSentEvent is published when a round fans out offers to candidates.
type OfferSentEvent struct {
	OrderID    string
	PartnerIDs []string
	Attempt    int
	RadiusM    float64
}

// AssignedEvent is published when an accept wins the race.
type AssignedEvent struct {
	OrderID   string
	PartnerID string
	Attempt   int
	Latency   time.Duration
}

// RoundExpiredEvent is published when a round ends without a winner.
type RoundExpiredEvent struct {
	OrderID string
	Attempt int
	RadiusM float64
	Reason  string // "no-candidates" or "deadline"
}

// ExhaustedEvent is published once when the dispatch process gives up.
type ExhaustedEvent struct {
	OrderID  string
	Attempts int
}

// RejectedEvent is published when a partner rejects an assignment and the
// order returns to the pool.
type RejectedEvent struct {
	OrderID      string
	PartnerID    string
	Redispatched bool
}
