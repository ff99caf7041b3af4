package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/courierhq/dispatchd/core/model"
)

func testOrder(id string) model.Order {
	return model.Order{
		ID:     id,
		UserID: "u1",
		Kind:   model.KindCourier,
		Status: model.StatusPending,
		Pickup: model.PickupPoint{Location: model.NewGeoPoint(77.60, 12.97)},
		Drops: []model.DropPoint{
			{Sequence: 1, Location: model.NewGeoPoint(77.61, 12.98), Status: model.DropPendingStatus},
		},
	}
}

func assignedEvent(partnerID string) model.TrackingEvent {
	return model.TrackingEvent{
		Status:    model.StatusAssigned,
		Timestamp: time.Now(),
		UpdatedBy: model.Actor{Type: model.ActorPartner, ID: partnerID},
	}
}

func TestMemoryOrders_AcceptAssign_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrders()
	if err := s.Create(ctx, testOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			partnerID := string(rune('a' + n%26))
			_, err := s.AcceptAssign(ctx, "o1", partnerID, assignedEvent(partnerID))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrNotPending):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if losers != racers-1 {
		t.Fatalf("expected %d losers, got %d", racers-1, losers)
	}
	o, err := s.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != model.StatusAssigned || o.PartnerID == "" {
		t.Fatalf("order not assigned after race: %s partner=%q", o.Status, o.PartnerID)
	}
	if !o.Tracking.LiveTracking.IsEnabled {
		t.Error("live tracking should be enabled on assignment")
	}
}

func TestMemoryOrders_AcceptAssign_NotFound(t *testing.T) {
	s := NewMemoryOrders()
	_, err := s.AcceptAssign(context.Background(), "missing", "p1", assignedEvent("p1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryOrders_ReleaseAssignment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrders()
	if err := s.Create(ctx, testOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AcceptAssign(ctx, "o1", "p1", assignedEvent("p1")); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := s.ReleaseAssignment(ctx, "o1", "p2", assignedEvent("p2")); !errors.Is(err, ErrPartnerMismatch) {
		t.Fatalf("expected ErrPartnerMismatch for wrong partner, got %v", err)
	}
	o, err := s.ReleaseAssignment(ctx, "o1", "p1", model.TrackingEvent{Status: model.StatusPending, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if o.Status != model.StatusPending || o.PartnerID != "" {
		t.Fatalf("order not back in pool: %s partner=%q", o.Status, o.PartnerID)
	}
	// A second release has nothing to undo.
	if _, err := s.ReleaseAssignment(ctx, "o1", "p1", assignedEvent("p1")); !errors.Is(err, ErrInvalidOrderState) {
		t.Fatalf("expected ErrInvalidOrderState, got %v", err)
	}
}

func advance(t *testing.T, s *MemoryOrders, id string, statuses ...model.OrderStatus) {
	t.Helper()
	for _, st := range statuses {
		if _, err := s.TransitionStatus(context.Background(), id, st, model.TrackingEvent{Status: st, Timestamp: time.Now()}); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
}

func TestMemoryOrders_TransitionStatus_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrders()
	if err := s.Create(ctx, testOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AcceptAssign(ctx, "o1", "p1", assignedEvent("p1")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	advance(t, s, "o1", model.StatusPicked, model.StatusInTransit)

	// Skipping backwards or sideways is rejected.
	if _, err := s.TransitionStatus(ctx, "o1", model.StatusPicked, model.TrackingEvent{}); !errors.Is(err, ErrInvalidOrderState) {
		t.Fatalf("expected ErrInvalidOrderState, got %v", err)
	}
	if _, err := s.TransitionStatus(ctx, "o1", model.StatusCancelled, model.TrackingEvent{}); !errors.Is(err, ErrInvalidOrderState) {
		t.Fatalf("cancel after pickup should fail, got %v", err)
	}
}

func TestMemoryOrders_MarkDelivered_Once(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrders()
	if err := s.Create(ctx, testOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AcceptAssign(ctx, "o1", "p1", assignedEvent("p1")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	advance(t, s, "o1", model.StatusPicked, model.StatusInTransit)

	ev := model.TrackingEvent{Status: model.StatusDelivered, Timestamp: time.Now()}
	if _, err := s.MarkDelivered(ctx, "o1", ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if _, err := s.MarkDelivered(ctx, "o1", ev); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered on replay, got %v", err)
	}
}

func TestMemoryOrders_UpdateLiveLocation_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrders()
	if err := s.Create(ctx, testOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	ping := model.GeoPing{Coordinates: [2]float64{77.6, 12.97}, Timestamp: time.Now()}
	if _, err := s.UpdateLiveLocation(ctx, "o1", ping); !errors.Is(err, ErrInvalidOrderState) {
		t.Fatalf("pending order must reject pings, got %v", err)
	}

	if _, err := s.AcceptAssign(ctx, "o1", "p1", assignedEvent("p1")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	applied, err := s.UpdateLiveLocation(ctx, "o1", ping)
	if err != nil || !applied {
		t.Fatalf("first ping: applied=%v err=%v", applied, err)
	}

	stale := model.GeoPing{Coordinates: [2]float64{77.7, 13.0}, Timestamp: ping.Timestamp.Add(-time.Second)}
	applied, err = s.UpdateLiveLocation(ctx, "o1", stale)
	if err != nil {
		t.Fatalf("stale ping: %v", err)
	}
	if applied {
		t.Fatal("stale ping must not be applied")
	}
	// Replay of the same timestamp is also a no-op.
	applied, err = s.UpdateLiveLocation(ctx, "o1", ping)
	if err != nil || applied {
		t.Fatalf("replayed ping: applied=%v err=%v", applied, err)
	}

	o, _ := s.Get(ctx, "o1")
	if got := o.Tracking.LiveTracking.CurrentLocation.Coordinates; got != ping.Coordinates {
		t.Fatalf("stored position overwritten by stale ping: %v", got)
	}
}

func TestMemoryOrders_SetDropDelivered_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrders()
	if err := s.Create(ctx, testOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Nothing can be confirmed before a partner holds the order.
	if _, err := s.SetDropDelivered(ctx, "o1", 1, nil, time.Now()); !errors.Is(err, ErrInvalidOrderState) {
		t.Fatalf("expected ErrInvalidOrderState for pending order, got %v", err)
	}

	if _, err := s.AcceptAssign(ctx, "o1", "p1", assignedEvent("p1")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	advance(t, s, "o1", model.StatusPicked, model.StatusInTransit)

	first := time.Now()
	o, err := s.SetDropDelivered(ctx, "o1", 1, nil, first)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if o.Drops[0].Status != model.DropDeliveredStatus || o.Drops[0].ActualTime == nil {
		t.Fatal("drop not marked delivered")
	}

	o, err = s.SetDropDelivered(ctx, "o1", 1, nil, first.Add(time.Minute))
	if err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if !o.Drops[0].ActualTime.Equal(first) {
		t.Fatal("replay must not move the actual delivery time")
	}

	if _, err := s.SetDropDelivered(ctx, "o1", 9, nil, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown sequence, got %v", err)
	}
}

func TestMemoryOrders_SetDropDelivered_TerminalOrderImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrders()
	if err := s.Create(ctx, testOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	advance(t, s, "o1", model.StatusCancelled)

	if _, err := s.SetDropDelivered(ctx, "o1", 1, nil, time.Now()); !errors.Is(err, ErrInvalidOrderState) {
		t.Fatalf("expected ErrInvalidOrderState for cancelled order, got %v", err)
	}
	o, _ := s.Get(ctx, "o1")
	if o.Drops[0].Status != model.DropPendingStatus || o.Drops[0].ActualTime != nil {
		t.Fatalf("cancelled order was mutated: %+v", o.Drops[0])
	}
}

func activePartner(id string, vehicle model.VehicleType, lon, lat float64, seen time.Time) model.Partner {
	return model.Partner{
		ID:      id,
		Name:    id,
		Status:  model.PartnerActive,
		Vehicle: vehicle,
		Location: model.PartnerLocation{
			Point:     model.NewGeoPoint(lon, lat),
			UpdatedAt: seen,
		},
		Metrics: model.PartnerMetrics{CompletionRate: 0.9, Rating: 4.5},
	}
}

func TestMemoryPartners_Near(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPartners()
	now := time.Now()
	s.now = func() time.Time { return now }

	// Roughly 1.1km per 0.01 degrees longitude at this latitude.
	_ = s.Put(ctx, activePartner("close", model.VehicleBike, 77.605, 12.97, now))
	_ = s.Put(ctx, activePartner("far", model.VehicleBike, 77.70, 12.97, now))
	_ = s.Put(ctx, activePartner("wrong-vehicle", model.VehicleVan, 77.605, 12.97, now))
	_ = s.Put(ctx, activePartner("stale", model.VehicleBike, 77.605, 12.97, now.Add(-2*time.Hour)))
	busy := activePartner("busy", model.VehicleBike, 77.605, 12.97, now)
	busy.CurrentOrderID = "other"
	_ = s.Put(ctx, busy)
	offline := activePartner("offline", model.VehicleBike, 77.605, 12.97, now)
	offline.Status = model.PartnerOffline
	_ = s.Put(ctx, offline)

	got, err := s.Near(ctx, NearQuery{
		Lon: 77.60, Lat: 12.97, RadiusM: 3000,
		Vehicle:        model.VehicleBike,
		MaxLocationAge: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("near: %v", err)
	}
	if len(got) != 1 || got[0].ID != "close" {
		t.Fatalf("expected only the close bike partner, got %v", got)
	}
}

func TestMemoryPartners_CompletionRate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPartners()
	_ = s.Put(ctx, activePartner("p1", model.VehicleBike, 77.6, 12.97, time.Now()))

	for i := 0; i < 4; i++ {
		if err := s.RecordAssignment(ctx, "p1", "o"); err != nil {
			t.Fatalf("assignment: %v", err)
		}
		if i < 3 {
			if err := s.RecordCompletion(ctx, "p1", 100); err != nil {
				t.Fatalf("completion: %v", err)
			}
		}
	}
	p, _ := s.Get(ctx, "p1")
	if p.Metrics.TotalAssigned != 4 || p.Metrics.TotalCompleted != 3 {
		t.Fatalf("unexpected counters: %+v", p.Metrics)
	}
	if p.Metrics.CompletionRate != 0.75 {
		t.Fatalf("expected completion rate 0.75, got %v", p.Metrics.CompletionRate)
	}
	if p.EarningsTotal != 300 {
		t.Fatalf("expected earnings 300, got %v", p.EarningsTotal)
	}
	if p.CurrentOrderID != "o" {
		t.Fatalf("fourth assignment should still be bound, got %q", p.CurrentOrderID)
	}

	if err := s.ClearAssignment(ctx, "p1", true); err != nil {
		t.Fatalf("clear: %v", err)
	}
	p, _ = s.Get(ctx, "p1")
	if p.CurrentOrderID != "" || p.Metrics.TotalCancelled != 1 {
		t.Fatalf("clear did not apply: %+v", p)
	}
}
