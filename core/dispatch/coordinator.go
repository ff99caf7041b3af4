package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/courierhq/dispatchd/core/logger"
	"github.com/courierhq/dispatchd/core/metrics"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/notify"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/internal/eventbus"
)

// OwnerNotifier signals the order owner when dispatch gives up. Delivery is
// best-effort.
type OwnerNotifier interface {
	NoPartnersAvailable(ctx context.Context, o model.Order)
}

// NopOwnerNotifier drops owner notices.
type NopOwnerNotifier struct{}

func (NopOwnerNotifier) NoPartnersAvailable(context.Context, model.Order) {}

// Coordinator owns the assignment lifecycle of orders: offer fan-out,
// acceptance race resolution, escalation and the give-up path. Each order's
// dispatch process runs independently; the order record is the only shared
// mutable state and every accept is a single compare-and-set against it.
type Coordinator struct {
	cfg      Config
	orders   store.OrderStore
	partners store.PartnerStore
	finder   CandidateFinder
	pusher   notify.Pusher
	owners   OwnerNotifier
	bus      *eventbus.Bus
	logger   logger.Logger
	metrics  metrics.MetricsSink

	mu     sync.Mutex
	active map[string]*process
	wg     sync.WaitGroup
}

// process tracks one order's running dispatch rounds. accepted is closed
// exactly once when an accept wins, turning any pending deadline timer into a
// no-op.
type process struct {
	accepted chan struct{}
	once     sync.Once

	mu       sync.Mutex
	attempt  int
	fanOutAt time.Time
}

func (p *process) noteFanOut(attempt int, at time.Time) {
	p.mu.Lock()
	p.attempt = attempt
	p.fanOutAt = at
	p.mu.Unlock()
}

func (p *process) round() (int, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt, p.fanOutAt
}

// NewCoordinator creates a new coordinator.
func NewCoordinator(cfg Config, orders store.OrderStore, partners store.PartnerStore, finder CandidateFinder, pusher notify.Pusher, owners OwnerNotifier, sink metrics.MetricsSink, bus *eventbus.Bus, log logger.Logger) (*Coordinator, error) {
	if orders == nil || partners == nil || finder == nil || log == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewCoordinator")
	}
	cfg.SetDefaults()
	if pusher == nil {
		pusher = notify.NopPusher{}
	}
	if owners == nil {
		owners = NopOwnerNotifier{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Coordinator{
		cfg:      cfg,
		orders:   orders,
		partners: partners,
		finder:   finder,
		pusher:   pusher,
		owners:   owners,
		bus:      bus,
		logger:   log,
		metrics:  sink,
		active:   make(map[string]*process),
	}, nil
}

// Begin starts the dispatch process for an order. At most one process runs
// per order; a second Begin returns ErrDispatchActive.
func (c *Coordinator) Begin(ctx context.Context, orderID string) error {
	c.mu.Lock()
	if _, ok := c.active[orderID]; ok {
		c.mu.Unlock()
		return ErrDispatchActive
	}
	p := &process{accepted: make(chan struct{})}
	c.active[orderID] = p
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(orderID)
		c.process(ctx, orderID, p)
	}()
	return nil
}

// Close waits for all running dispatch processes to settle.
func (c *Coordinator) Close() error {
	c.wg.Wait()
	return nil
}

func (c *Coordinator) finish(orderID string) {
	c.mu.Lock()
	delete(c.active, orderID)
	c.mu.Unlock()
}

// process drives the escalation rounds for one order. Each round grows the
// search radius; the loop ends on assignment, cancellation or exhaustion.
func (c *Coordinator) process(ctx context.Context, orderID string, p *process) {
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		o, err := c.orders.Get(ctx, orderID)
		if err != nil {
			c.logger.Errorf("dispatch round %d for order %s: %v", attempt, orderID, err)
			return
		}
		if o.Status != model.StatusPending {
			c.logger.Debugf("order %s left pending (%s), stopping dispatch", orderID, o.Status)
			return
		}

		radius := c.cfg.RadiusForAttempt(attempt)
		candidates, err := c.finder.FindCandidates(ctx, o, radius)
		if err != nil {
			c.logger.Errorf("candidate search for order %s: %v", orderID, err)
			return
		}
		if len(candidates) == 0 {
			c.logger.Infof("no candidates for order %s at radius %.0fm (attempt %d)", orderID, radius, attempt)
			roundsResolved.WithLabelValues("no-candidates").Inc()
			c.publish(RoundExpiredEvent{OrderID: orderID, Attempt: attempt, RadiusM: radius, Reason: "no-candidates"})
			continue
		}

		p.noteFanOut(attempt, time.Now())
		c.fanOut(ctx, o, candidates, attempt, radius)

		timer := time.NewTimer(c.cfg.OfferTimeout())
		select {
		case <-p.accepted:
			timer.Stop()
			return
		case <-timer.C:
			// The timer may have fired in the same instant an accept
			// committed; trust the store, not the timer.
			o, err := c.orders.Get(ctx, orderID)
			if err == nil && o.Status != model.StatusPending {
				return
			}
			roundsResolved.WithLabelValues("deadline").Inc()
			c.publish(RoundExpiredEvent{OrderID: orderID, Attempt: attempt, RadiusM: radius, Reason: "deadline"})
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	c.exhaust(ctx, orderID)
}

// fanOut pushes the offer to every candidate concurrently. Delivery failures
// are non-fatal: correctness rests on the atomic accept, not on every
// notification arriving.
func (c *Coordinator) fanOut(ctx context.Context, o model.Order, candidates []model.Partner, attempt int, radius float64) {
	n := notify.Notification{
		Title: "New delivery order",
		Body:  fmt.Sprintf("Pickup at %s", o.Pickup.Address),
		Data: map[string]string{
			"order_id":     o.ID,
			"vehicle_type": string(o.VehicleType),
			"attempt":      fmt.Sprintf("%d", attempt),
		},
	}
	ids := make([]string, 0, len(candidates))
	offers := make([]metrics.OfferEvent, 0, len(candidates))
	now := time.Now()
	for _, cand := range candidates {
		ids = append(ids, cand.ID)
		offers = append(offers, metrics.OfferEvent{
			OrderID:   o.ID,
			PartnerID: cand.ID,
			Attempt:   attempt,
			RadiusM:   radius,
			Time:      now,
		})
		offersSent.WithLabelValues(string(o.VehicleType)).Inc()
		go func(p model.Partner) {
			if err := c.pusher.Push(ctx, p.DeviceToken, n); err != nil {
				pushFailures.Inc()
				c.logger.Warnf("offer push to partner %s: %v", p.ID, err)
			}
		}(cand)
	}
	c.logger.Infof("offered order %s to %d partners (attempt %d, radius %.0fm)", o.ID, len(ids), attempt, radius)
	if err := c.metrics.RecordOffers(offers); err != nil {
		c.logger.Errorf("offer metrics: %v", err)
	}
	c.publish(OfferSentEvent{OrderID: o.ID, PartnerIDs: ids, Attempt: attempt, RadiusM: radius})
}

// exhaust ends the dispatch process without a winner. The order stays pending
// and may be retried manually; the owner is told exactly once.
func (c *Coordinator) exhaust(ctx context.Context, orderID string) {
	// An accept may have landed while the last round was expiring; the
	// store decides, not the round counter.
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		c.logger.Errorf("exhausted check for order %s: %v", orderID, err)
		return
	}
	if o.Status != model.StatusPending {
		c.logger.Debugf("order %s settled as %s, skipping exhaustion", orderID, o.Status)
		return
	}

	roundsResolved.WithLabelValues("exhausted").Inc()
	ev := metrics.ExhaustedEvent{
		OrderID:  orderID,
		Attempts: c.cfg.MaxAttempts,
		RadiusM:  c.cfg.RadiusForAttempt(c.cfg.MaxAttempts - 1),
		Time:     time.Now(),
	}
	if err := c.metrics.RecordExhausted(ev); err != nil {
		c.logger.Errorf("exhausted metrics: %v", err)
	}
	c.publish(ExhaustedEvent{OrderID: orderID, Attempts: c.cfg.MaxAttempts})
	c.logger.Warnf("dispatch exhausted for order %s after %d attempts", orderID, c.cfg.MaxAttempts)
	c.owners.NoPartnersAvailable(ctx, o)
}

// Accept resolves a partner's accept call. The order store performs a single
// compare-and-set on (order, status=pending); concurrent accepts yield
// exactly one winner and the rest observe AcceptLost.
func (c *Coordinator) Accept(ctx context.Context, orderID, partnerID string) (AcceptOutcome, error) {
	now := time.Now()
	ev := model.TrackingEvent{
		Status:    model.StatusAssigned,
		Timestamp: now,
		UpdatedBy: model.Actor{Type: model.ActorPartner, ID: partnerID},
	}
	_, err := c.orders.AcceptAssign(ctx, orderID, partnerID, ev)
	switch {
	case errors.Is(err, store.ErrNotPending):
		acceptOutcomes.WithLabelValues(AcceptLost.String()).Inc()
		return AcceptLost, nil
	case errors.Is(err, store.ErrNotFound):
		acceptOutcomes.WithLabelValues(AcceptInvalid.String()).Inc()
		return AcceptInvalid, nil
	case err != nil:
		return 0, fmt.Errorf("accept order %s: %w", orderID, err)
	}

	if err := c.partners.RecordAssignment(ctx, partnerID, orderID); err != nil {
		c.logger.Errorf("assignment metrics for partner %s: %v", partnerID, err)
	}

	attempt, fanOutAt := c.cancelProcess(orderID)
	var latency time.Duration
	if !fanOutAt.IsZero() {
		latency = now.Sub(fanOutAt)
		acceptLatency.Observe(latency.Seconds())
	}
	acceptOutcomes.WithLabelValues(AcceptWon.String()).Inc()
	roundsResolved.WithLabelValues("assigned").Inc()

	if err := c.metrics.RecordAssignment(metrics.AssignmentEvent{
		OrderID:   orderID,
		PartnerID: partnerID,
		Attempt:   attempt,
		Latency:   latency,
		Time:      now,
	}); err != nil {
		c.logger.Errorf("assignment metrics: %v", err)
	}
	c.publish(AssignedEvent{OrderID: orderID, PartnerID: partnerID, Attempt: attempt, Latency: latency})
	c.logger.Infof("order %s assigned to partner %s", orderID, partnerID)
	return AcceptWon, nil
}

// cancelProcess signals the order's running round, if any, that the race is
// over. The pending deadline timer becomes a no-op.
func (c *Coordinator) cancelProcess(orderID string) (int, time.Time) {
	c.mu.Lock()
	p, ok := c.active[orderID]
	c.mu.Unlock()
	if !ok {
		return 0, time.Time{}
	}
	p.once.Do(func() { close(p.accepted) })
	return p.round()
}

// Reject lets the assigned partner back out before pickup. The order returns
// to pending with the partner binding cleared; depending on configuration a
// fresh dispatch process starts immediately.
func (c *Coordinator) Reject(ctx context.Context, orderID, partnerID string) error {
	ev := model.TrackingEvent{
		Status:    model.StatusPending,
		Timestamp: time.Now(),
		Note:      "assignment rejected by partner",
		UpdatedBy: model.Actor{Type: model.ActorPartner, ID: partnerID},
	}
	if _, err := c.orders.ReleaseAssignment(ctx, orderID, partnerID, ev); err != nil {
		return fmt.Errorf("release order %s: %w", orderID, err)
	}
	if err := c.partners.ClearAssignment(ctx, partnerID, true); err != nil {
		c.logger.Errorf("clear assignment for partner %s: %v", partnerID, err)
	}

	redispatched := false
	if c.cfg.RedispatchOnReject {
		// The round must outlive the partner's HTTP request.
		if err := c.Begin(context.WithoutCancel(ctx), orderID); err == nil {
			redispatched = true
		} else if !errors.Is(err, ErrDispatchActive) {
			c.logger.Errorf("redispatch for order %s: %v", orderID, err)
		}
	}
	c.publish(RejectedEvent{OrderID: orderID, PartnerID: partnerID, Redispatched: redispatched})
	c.logger.Infof("order %s rejected by partner %s", orderID, partnerID)
	return nil
}

// Cancel aborts a pending or assigned order on behalf of its owner. A running
// dispatch process notices on its next status check and stops.
func (c *Coordinator) Cancel(ctx context.Context, orderID string, actor model.Actor) error {
	ev := model.TrackingEvent{
		Status:    model.StatusCancelled,
		Timestamp: time.Now(),
		UpdatedBy: actor,
	}
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	partnerID := o.PartnerID
	if _, err := c.orders.TransitionStatus(ctx, orderID, model.StatusCancelled, ev); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if partnerID != "" {
		if err := c.partners.ClearAssignment(ctx, partnerID, true); err != nil {
			c.logger.Errorf("clear assignment for partner %s: %v", partnerID, err)
		}
	}
	return nil
}

func (c *Coordinator) publish(e eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
