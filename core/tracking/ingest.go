package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courierhq/dispatchd/core/logger"
	"github.com/courierhq/dispatchd/core/metrics"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/routing"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/internal/eventbus"
)

// StatusChangedEvent is published for every recorded status transition.
type StatusChangedEvent struct {
	OrderID string
	Status  model.OrderStatus
	Actor   model.Actor
}

// CompletedEvent is published once when the final drop is confirmed and the
// order reaches delivered.
type CompletedEvent struct {
	OrderID   string
	PartnerID string
	Earnings  float64
}

// Config defines tracking ingest settings.
type Config struct {
	// ProjectionRefreshSeconds drives the periodic ETA/distance refresh.
	// Zero disables the ticker; the projection is still refreshed on
	// every status transition.
	ProjectionRefreshSeconds int `json:"projection_refresh_seconds"`
	// PartnerShare is the fraction of pricing.total credited on
	// completion.
	PartnerShare float64 `json:"partner_share"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.PartnerShare <= 0 {
		c.PartnerShare = 0.8
	}
}

// Ingestor accepts partner location pings and order status transitions. Pings
// update the live projection only; status changes are the durable trail.
type Ingestor struct {
	cfg      Config
	orders   store.OrderStore
	partners store.PartnerStore
	router   routing.Router
	bus      *eventbus.Bus
	logger   logger.Logger
	metrics  metrics.MetricsSink
}

// NewIngestor creates a tracking ingestor. router may be nil when no routing
// provider is configured; projections then carry no ETA.
func NewIngestor(cfg Config, orders store.OrderStore, partners store.PartnerStore, router routing.Router, sink metrics.MetricsSink, bus *eventbus.Bus, log logger.Logger) (*Ingestor, error) {
	if orders == nil || partners == nil || log == nil {
		return nil, fmt.Errorf("tracking: nil parameter provided to NewIngestor")
	}
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Ingestor{
		cfg:      cfg,
		orders:   orders,
		partners: partners,
		router:   router,
		bus:      bus,
		logger:   log,
		metrics:  sink,
	}, nil
}

// RecordLocation ingests one partner position report for an order. Writes are
// rejected with store.ErrInvalidOrderState outside assigned/picked/in-transit
// and with store.ErrPartnerMismatch for a partner not bound to the order.
// Stale and replayed pings (timestamp not newer than the stored one) are
// silent no-ops.
func (i *Ingestor) RecordLocation(ctx context.Context, orderID, partnerID string, ping model.GeoPing) error {
	o, err := i.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Trackable() {
		return store.ErrInvalidOrderState
	}
	if o.PartnerID != partnerID {
		return store.ErrPartnerMismatch
	}

	applied, err := i.orders.UpdateLiveLocation(ctx, orderID, ping)
	if err != nil {
		return err
	}
	if applied {
		loc := model.PartnerLocation{
			Point:     model.NewGeoPoint(ping.Coordinates[0], ping.Coordinates[1]),
			UpdatedAt: ping.Timestamp,
			AccuracyM: ping.AccuracyM,
			SpeedKMH:  ping.SpeedKMH,
			Bearing:   ping.Bearing,
		}
		if err := i.partners.UpdateLocation(ctx, partnerID, loc); err != nil {
			i.logger.Errorf("partner location update for %s: %v", partnerID, err)
		}
	}
	if pr, ok := i.metrics.(metrics.PingRecorder); ok {
		ev := metrics.PingEvent{OrderID: orderID, PartnerID: partnerID, Applied: applied, Time: ping.Timestamp}
		if err := pr.RecordPing(ev); err != nil {
			i.logger.Errorf("ping metrics: %v", err)
		}
	}
	return nil
}

// RecordStatus appends a status transition to the order history and refreshes
// the remaining-route projection so it is never older than the transition.
func (i *Ingestor) RecordStatus(ctx context.Context, orderID string, next model.OrderStatus, actor model.Actor, note string, loc *model.GeoPing) (model.Order, error) {
	ev := model.TrackingEvent{
		Status:    next,
		Timestamp: time.Now(),
		Location:  loc,
		Note:      note,
		UpdatedBy: actor,
	}
	o, err := i.orders.TransitionStatus(ctx, orderID, next, ev)
	if err != nil {
		return model.Order{}, err
	}
	if o.Status.Trackable() {
		i.refresh(ctx, o)
	}
	i.publish(StatusChangedEvent{OrderID: orderID, Status: next, Actor: actor})
	i.logger.Infof("order %s moved to %s by %s", orderID, next, actor.Type)
	return o, nil
}

// RefreshProjection recomputes the remaining distance and ETA for a tracked
// order. Routing failures leave the previous projection in place.
func (i *Ingestor) RefreshProjection(ctx context.Context, orderID string) error {
	o, err := i.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Trackable() {
		return store.ErrInvalidOrderState
	}
	i.refresh(ctx, o)
	return nil
}

// refresh computes the route from the partner's current position to the next
// undelivered drop. RouteUnavailable is recoverable: the projection simply
// goes stale.
func (i *Ingestor) refresh(ctx context.Context, o model.Order) {
	if i.router == nil {
		return
	}
	origin := routing.Point{Lon: o.Pickup.Location.Lon(), Lat: o.Pickup.Location.Lat()}
	if cur := o.Tracking.LiveTracking.CurrentLocation; cur != nil {
		origin = routing.Point{Lon: cur.Coordinates[0], Lat: cur.Coordinates[1]}
	}
	dest, ok := nextStop(o)
	if !ok {
		return
	}

	r, err := i.router.Route(ctx, origin, dest, string(o.VehicleType))
	if err != nil {
		if errors.Is(err, routing.ErrRouteUnavailable) {
			i.logger.Warnf("route refresh for order %s: %v", o.ID, err)
			return
		}
		i.logger.Errorf("route refresh for order %s: %v", o.ID, err)
		return
	}
	now := time.Now()
	eta := now.Add(r.Duration)
	plan := model.RoutePlan{
		PlannedPath: r.Geometry,
		ETA:         &eta,
		Distance:    model.RouteDistance{PlannedM: r.DistanceM},
		RefreshedAt: now,
	}
	if err := i.orders.SetRoute(ctx, o.ID, plan); err != nil {
		i.logger.Errorf("route projection for order %s: %v", o.ID, err)
	}
}

// nextStop picks the routing destination: the first undelivered drop, or the
// pickup point while the order is still assigned.
func nextStop(o model.Order) (routing.Point, bool) {
	if o.Status == model.StatusAssigned {
		return routing.Point{Lon: o.Pickup.Location.Lon(), Lat: o.Pickup.Location.Lat()}, true
	}
	var best *model.DropPoint
	for idx := range o.Drops {
		d := &o.Drops[idx]
		if d.Status == model.DropDeliveredStatus {
			continue
		}
		if best == nil || d.Sequence < best.Sequence {
			best = d
		}
	}
	if best == nil {
		return routing.Point{}, false
	}
	return routing.Point{Lon: best.Location.Lon(), Lat: best.Location.Lat()}, true
}

// ConfirmDrop records a proof-of-delivery confirmation for one drop. Like
// RecordLocation it is rejected with store.ErrInvalidOrderState outside
// assigned/picked/in-transit and with store.ErrPartnerMismatch for a partner
// not bound to the order; a confirmation replayed after completion is a
// no-op. When the final drop is confirmed the order transitions to delivered
// and the partner is credited exactly once.
func (i *Ingestor) ConfirmDrop(ctx context.Context, orderID string, seq int, proof *model.DeliveryProof, actor model.Actor) (model.Order, error) {
	o, err := i.orders.Get(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if o.Status.Trackable() {
		if actor.Type == model.ActorPartner && actor.ID != o.PartnerID {
			return model.Order{}, store.ErrPartnerMismatch
		}
	} else {
		if o.Status == model.StatusDelivered && dropConfirmed(o, seq) {
			return o, nil
		}
		return model.Order{}, store.ErrInvalidOrderState
	}

	now := time.Now()
	o, err = i.orders.SetDropDelivered(ctx, orderID, seq, proof, now)
	if err != nil {
		return model.Order{}, err
	}
	final, ok := o.FinalDrop()
	if !ok || final.Sequence != seq {
		i.publish(StatusChangedEvent{OrderID: orderID, Status: o.Status, Actor: actor})
		return o, nil
	}

	ev := model.TrackingEvent{
		Status:    model.StatusDelivered,
		Timestamp: now,
		UpdatedBy: actor,
	}
	o, err = i.orders.MarkDelivered(ctx, orderID, ev)
	if errors.Is(err, store.ErrAlreadyDelivered) {
		// Replayed confirmation: the credit already happened.
		return i.orders.Get(ctx, orderID)
	}
	if err != nil {
		return model.Order{}, err
	}

	earnings := o.Pricing.Total * i.cfg.PartnerShare
	if o.PartnerID != "" {
		if err := i.partners.RecordCompletion(ctx, o.PartnerID, earnings); err != nil {
			i.logger.Errorf("completion credit for partner %s: %v", o.PartnerID, err)
		}
	}
	i.publish(StatusChangedEvent{OrderID: orderID, Status: model.StatusDelivered, Actor: actor})
	i.publish(CompletedEvent{OrderID: orderID, PartnerID: o.PartnerID, Earnings: earnings})
	i.logger.Infof("order %s delivered by partner %s", orderID, o.PartnerID)
	return o, nil
}

func dropConfirmed(o model.Order, seq int) bool {
	for _, d := range o.Drops {
		if d.Sequence == seq {
			return d.Status == model.DropDeliveredStatus
		}
	}
	return false
}

// RunProjectionRefresh periodically refreshes projections for the given
// orders until the context is canceled. The order list is supplied by the
// caller on each tick.
func (i *Ingestor) RunProjectionRefresh(ctx context.Context, list func(context.Context) []string) {
	if i.cfg.ProjectionRefreshSeconds <= 0 || list == nil {
		return
	}
	ticker := time.NewTicker(time.Duration(i.cfg.ProjectionRefreshSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range list(ctx) {
				if err := i.RefreshProjection(ctx, id); err != nil && !errors.Is(err, store.ErrInvalidOrderState) {
					i.logger.Errorf("projection refresh for order %s: %v", id, err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (i *Ingestor) publish(e eventbus.Event) {
	if i.bus != nil {
		i.bus.Publish(e)
	}
}
