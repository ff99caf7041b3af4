package dispatch

import "errors"

// ErrDispatchActive is returned when a dispatch process is already running
// for the order.
var ErrDispatchActive = errors.New("dispatch already running for this order")

// AcceptOutcome is the explicit result of a partner's accept call. The lost
// race is an expected case and is reported as an outcome, not an error.
type AcceptOutcome int

const (
	// AcceptWon means the partner is now bound to the order.
	AcceptWon AcceptOutcome = iota
	// AcceptLost means another partner committed first; the offer is no
	// longer available.
	AcceptLost
	// AcceptInvalid means the order does not exist.
	AcceptInvalid
)

// String returns the wire representation of the outcome.
func (o AcceptOutcome) String() string {
	switch o {
	case AcceptWon:
		return "won"
	case AcceptLost:
		return "lost"
	case AcceptInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
