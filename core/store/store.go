package store

import (
	"context"
	"errors"
	"time"

	"github.com/courierhq/dispatchd/core/model"
)

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotPending indicates an accept lost the race: the order left the
	// pending state before the compare-and-set committed.
	ErrNotPending = errors.New("order is no longer pending")
	// ErrInvalidOrderState indicates a write attempted outside the states
	// that allow it, including illegal status transitions.
	ErrInvalidOrderState = errors.New("invalid order state")
	// ErrAlreadyDelivered indicates the completion path already ran.
	ErrAlreadyDelivered = errors.New("order already delivered")
	// ErrPartnerMismatch indicates the caller is not the assigned partner.
	ErrPartnerMismatch = errors.New("partner is not assigned to this order")
)

// OrderStore is the authoritative order record store. The accept path must be
// a single atomic compare-and-set: two concurrent accepts yield one winner.
type OrderStore interface {
	Create(ctx context.Context, o model.Order) error
	Get(ctx context.Context, id string) (model.Order, error)

	// AcceptAssign atomically binds the partner to a pending order and
	// moves it to assigned, appending ev to the history. Returns
	// ErrNotPending when the order already left the pending state.
	AcceptAssign(ctx context.Context, orderID, partnerID string, ev model.TrackingEvent) (model.Order, error)

	// ReleaseAssignment returns an assigned order to pending and clears
	// the partner binding. Only the assigned partner may release.
	ReleaseAssignment(ctx context.Context, orderID, partnerID string, ev model.TrackingEvent) (model.Order, error)

	// TransitionStatus applies a monotonic status change and appends ev.
	TransitionStatus(ctx context.Context, orderID string, next model.OrderStatus, ev model.TrackingEvent) (model.Order, error)

	// MarkDelivered moves an in-transit order to delivered exactly once.
	// A second call returns ErrAlreadyDelivered so completion credits are
	// never applied twice.
	MarkDelivered(ctx context.Context, orderID string, ev model.TrackingEvent) (model.Order, error)

	// SetDropDelivered marks the drop with the given sequence delivered
	// and stamps its actual time. Already-delivered drops are left as is;
	// orders outside assigned/picked/in-transit reject with
	// ErrInvalidOrderState.
	SetDropDelivered(ctx context.Context, orderID string, seq int, proof *model.DeliveryProof, at time.Time) (model.Order, error)

	// UpdateLiveLocation overwrites the live position, last-write-wins by
	// ping timestamp: older or equal timestamps are a no-op and report
	// applied=false. Orders outside assigned/picked/in-transit reject
	// with ErrInvalidOrderState.
	UpdateLiveLocation(ctx context.Context, orderID string, ping model.GeoPing) (applied bool, err error)

	// SetRoute replaces the remaining-route projection.
	SetRoute(ctx context.Context, orderID string, route model.RoutePlan) error

	// ListTrackable returns the ids of orders currently in a trackable
	// state, for the periodic projection refresh.
	ListTrackable(ctx context.Context) ([]string, error)
}

// NearQuery selects partners around a point. The store applies the
// index-level predicates: status, vehicle class, position freshness and
// radius. Performance thresholds and ranking are the eligibility filter's job.
type NearQuery struct {
	Lon            float64
	Lat            float64
	RadiusM        float64
	Vehicle        model.VehicleType
	MaxLocationAge time.Duration
	Limit          int
}

// PartnerStore holds partner records, their last known position and rolling
// metrics. Metric updates are per-partner counters and need no cross-partner
// coordination.
type PartnerStore interface {
	Put(ctx context.Context, p model.Partner) error
	Get(ctx context.Context, id string) (model.Partner, error)
	SetStatus(ctx context.Context, id string, st model.PartnerStatus) error
	UpdateLocation(ctx context.Context, id string, loc model.PartnerLocation) error
	Near(ctx context.Context, q NearQuery) ([]model.Partner, error)

	// RecordAssignment increments totalAssigned/totalAccepted and binds
	// the current order.
	RecordAssignment(ctx context.Context, id, orderID string) error
	// ClearAssignment unbinds the current order; cancelled additionally
	// bumps totalCancelled.
	ClearAssignment(ctx context.Context, id string, cancelled bool) error
	// RecordCompletion credits earnings and completion metrics. The
	// caller guarantees at-most-once invocation per order via the order
	// store's delivery compare-and-set.
	RecordCompletion(ctx context.Context, id string, earnings float64) error
}
