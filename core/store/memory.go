package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courierhq/dispatchd/core/geo"
	"github.com/courierhq/dispatchd/core/model"
)

// MemoryOrders is an in-memory OrderStore. It backs unit tests and the
// single-node deployment mode; the compare-and-set semantics match the mongo
// implementation.
type MemoryOrders struct {
	mu     sync.Mutex
	orders map[string]model.Order
}

// NewMemoryOrders creates an empty in-memory order store.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[string]model.Order)}
}

func cloneOrder(o model.Order) model.Order {
	o.Drops = append([]model.DropPoint(nil), o.Drops...)
	o.Tracking.History = append([]model.TrackingEvent(nil), o.Tracking.History...)
	if o.Tracking.LiveTracking.CurrentLocation != nil {
		loc := *o.Tracking.LiveTracking.CurrentLocation
		o.Tracking.LiveTracking.CurrentLocation = &loc
	}
	if o.Tracking.LiveTracking.Route != nil {
		r := *o.Tracking.LiveTracking.Route
		o.Tracking.LiveTracking.Route = &r
	}
	return o
}

func (s *MemoryOrders) Create(_ context.Context, o model.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *MemoryOrders) Get(_ context.Context, id string) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryOrders) AcceptAssign(_ context.Context, orderID, partnerID string, ev model.TrackingEvent) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if o.Status != model.StatusPending {
		return model.Order{}, ErrNotPending
	}
	o.Status = model.StatusAssigned
	o.PartnerID = partnerID
	o.Tracking.LiveTracking.IsEnabled = true
	o.Tracking.History = append(o.Tracking.History, ev)
	o.UpdatedAt = ev.Timestamp
	s.orders[orderID] = o
	return cloneOrder(o), nil
}

func (s *MemoryOrders) ReleaseAssignment(_ context.Context, orderID, partnerID string, ev model.TrackingEvent) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if o.Status != model.StatusAssigned {
		return model.Order{}, ErrInvalidOrderState
	}
	if o.PartnerID != partnerID {
		return model.Order{}, ErrPartnerMismatch
	}
	o.Status = model.StatusPending
	o.PartnerID = ""
	o.Tracking.LiveTracking.IsEnabled = false
	o.Tracking.History = append(o.Tracking.History, ev)
	o.UpdatedAt = ev.Timestamp
	s.orders[orderID] = o
	return cloneOrder(o), nil
}

func (s *MemoryOrders) TransitionStatus(_ context.Context, orderID string, next model.OrderStatus, ev model.TrackingEvent) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if !o.Status.CanTransition(next) {
		return model.Order{}, ErrInvalidOrderState
	}
	o.Status = next
	if next == model.StatusPending || next == model.StatusCancelled {
		o.PartnerID = ""
		o.Tracking.LiveTracking.IsEnabled = false
	}
	o.Tracking.History = append(o.Tracking.History, ev)
	o.UpdatedAt = ev.Timestamp
	s.orders[orderID] = o
	return cloneOrder(o), nil
}

func (s *MemoryOrders) MarkDelivered(_ context.Context, orderID string, ev model.TrackingEvent) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if o.Status == model.StatusDelivered {
		return model.Order{}, ErrAlreadyDelivered
	}
	if !o.Status.CanTransition(model.StatusDelivered) {
		return model.Order{}, ErrInvalidOrderState
	}
	o.Status = model.StatusDelivered
	o.Tracking.History = append(o.Tracking.History, ev)
	o.UpdatedAt = ev.Timestamp
	s.orders[orderID] = o
	return cloneOrder(o), nil
}

func (s *MemoryOrders) SetDropDelivered(_ context.Context, orderID string, seq int, proof *model.DeliveryProof, at time.Time) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if !o.Status.Trackable() {
		return model.Order{}, ErrInvalidOrderState
	}
	found := false
	drops := append([]model.DropPoint(nil), o.Drops...)
	for i := range drops {
		if drops[i].Sequence != seq {
			continue
		}
		found = true
		if drops[i].Status != model.DropDeliveredStatus {
			drops[i].Status = model.DropDeliveredStatus
			t := at
			drops[i].ActualTime = &t
			if proof != nil {
				p := *proof
				drops[i].Proof = &p
			}
		}
	}
	if !found {
		return model.Order{}, ErrNotFound
	}
	o.Drops = drops
	o.UpdatedAt = at
	s.orders[orderID] = o
	return cloneOrder(o), nil
}

func (s *MemoryOrders) UpdateLiveLocation(_ context.Context, orderID string, ping model.GeoPing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if !o.Status.Trackable() {
		return false, ErrInvalidOrderState
	}
	cur := o.Tracking.LiveTracking.CurrentLocation
	if cur != nil && !ping.Timestamp.After(cur.Timestamp) {
		return false, nil // stale or replayed ping, keep the newer position
	}
	p := ping
	o.Tracking.LiveTracking.CurrentLocation = &p
	s.orders[orderID] = o
	return true, nil
}

func (s *MemoryOrders) ListTrackable(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.orders {
		if o.Status.Trackable() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryOrders) SetRoute(_ context.Context, orderID string, route model.RoutePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	r := route
	o.Tracking.LiveTracking.Route = &r
	s.orders[orderID] = o
	return nil
}

// MemoryPartners is an in-memory PartnerStore with a linear-scan geo query.
type MemoryPartners struct {
	mu       sync.RWMutex
	partners map[string]model.Partner
	now      func() time.Time
}

// NewMemoryPartners creates an empty in-memory partner store.
func NewMemoryPartners() *MemoryPartners {
	return &MemoryPartners{partners: make(map[string]model.Partner), now: time.Now}
}

func (s *MemoryPartners) Put(_ context.Context, p model.Partner) error {
	s.mu.Lock()
	s.partners[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *MemoryPartners) Get(_ context.Context, id string) (model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partners[id]
	if !ok {
		return model.Partner{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryPartners) SetStatus(_ context.Context, id string, st model.PartnerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = st
	s.partners[id] = p
	return nil
}

func (s *MemoryPartners) UpdateLocation(_ context.Context, id string, loc model.PartnerLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return ErrNotFound
	}
	if !loc.UpdatedAt.After(p.Location.UpdatedAt) {
		return nil
	}
	p.Location = loc
	s.partners[id] = p
	return nil
}

func (s *MemoryPartners) Near(_ context.Context, q NearQuery) ([]model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	type hit struct {
		p model.Partner
		d float64
	}
	var hits []hit
	for _, p := range s.partners {
		if p.Status != model.PartnerActive || p.CurrentOrderID != "" {
			continue
		}
		if q.Vehicle != "" && p.Vehicle != q.Vehicle {
			continue
		}
		if q.MaxLocationAge > 0 && !p.SeenWithin(q.MaxLocationAge, now) {
			continue
		}
		d := geo.HaversineMeters(q.Lon, q.Lat, p.Location.Point.Lon(), p.Location.Point.Lat())
		if d > q.RadiusM {
			continue
		}
		hits = append(hits, hit{p: p, d: d})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	res := make([]model.Partner, 0, len(hits))
	for _, h := range hits {
		res = append(res, h.p)
	}
	return res, nil
}

func (s *MemoryPartners) RecordAssignment(_ context.Context, id, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.Metrics.TotalAssigned++
	p.Metrics.TotalAccepted++
	p.CurrentOrderID = orderID
	p.Metrics.CompletionRate = completionRate(p.Metrics)
	s.partners[id] = p
	return nil
}

func (s *MemoryPartners) ClearAssignment(_ context.Context, id string, cancelled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.CurrentOrderID = ""
	if cancelled {
		p.Metrics.TotalCancelled++
	}
	s.partners[id] = p
	return nil
}

func (s *MemoryPartners) RecordCompletion(_ context.Context, id string, earnings float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.Metrics.TotalCompleted++
	p.Metrics.CompletionRate = completionRate(p.Metrics)
	p.EarningsTotal += earnings
	p.CurrentOrderID = ""
	s.partners[id] = p
	return nil
}

func completionRate(m model.PartnerMetrics) float64 {
	if m.TotalAssigned == 0 {
		return 0
	}
	return float64(m.TotalCompleted) / float64(m.TotalAssigned)
}
