package model

import (
	"testing"
	"time"
)

func TestOrderStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusAssigned, StatusPicked, true},
		{StatusPicked, StatusInTransit, true},
		{StatusInTransit, StatusDelivered, true},
		{StatusPending, StatusCancelled, true},
		{StatusAssigned, StatusCancelled, true},
		{StatusAssigned, StatusPending, true}, // rejection path
		{StatusPending, StatusPicked, false},
		{StatusAssigned, StatusInTransit, false},
		{StatusAssigned, StatusDelivered, false},
		{StatusPicked, StatusCancelled, false},
		{StatusInTransit, StatusCancelled, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusCancelled, StatusAssigned, false},
		{StatusInTransit, StatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestOrderStatus_Trackable(t *testing.T) {
	trackable := []OrderStatus{StatusAssigned, StatusPicked, StatusInTransit}
	for _, s := range trackable {
		if !s.Trackable() {
			t.Errorf("%s should be trackable", s)
		}
	}
	for _, s := range []OrderStatus{StatusPending, StatusDelivered, StatusCancelled} {
		if s.Trackable() {
			t.Errorf("%s should not be trackable", s)
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	if _, err := ParseOrderStatus("in-transit"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseOrderStatus("shipped"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func validOrder() Order {
	return Order{
		ID:     "o1",
		UserID: "u1",
		Kind:   KindCourier,
		Status: StatusPending,
		Pickup: PickupPoint{Location: NewGeoPoint(77.60, 12.97)},
		Drops: []DropPoint{
			{Sequence: 1, Location: NewGeoPoint(77.61, 12.98), Status: DropPendingStatus},
			{Sequence: 2, Location: NewGeoPoint(77.62, 12.99), Status: DropPendingStatus},
		},
		CreatedAt: time.Now(),
	}
}

func TestOrder_Validate(t *testing.T) {
	if err := validOrder().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o := validOrder()
	o.Drops = nil
	if err := o.Validate(); err == nil {
		t.Error("expected error without drops")
	}

	o = validOrder()
	o.Drops[1].Sequence = 1
	if err := o.Validate(); err == nil {
		t.Error("expected error for duplicate sequence")
	}

	o = validOrder()
	o.Drops[1].Sequence = 3
	if err := o.Validate(); err == nil {
		t.Error("expected error for sparse sequences")
	}
}

func TestOrder_FinalDrop(t *testing.T) {
	o := validOrder()
	final, ok := o.FinalDrop()
	if !ok || final.Sequence != 2 {
		t.Fatalf("expected final drop 2, got %d (ok=%v)", final.Sequence, ok)
	}
	empty := Order{}
	if _, ok := empty.FinalDrop(); ok {
		t.Fatal("expected no final drop for empty order")
	}
}

func TestPartner_SeenWithin(t *testing.T) {
	now := time.Now()
	p := Partner{Location: PartnerLocation{UpdatedAt: now.Add(-10 * time.Minute)}}
	if !p.SeenWithin(30*time.Minute, now) {
		t.Error("10min old position should pass a 30min freshness check")
	}
	if p.SeenWithin(5*time.Minute, now) {
		t.Error("10min old position should fail a 5min freshness check")
	}
	var never Partner
	if never.SeenWithin(time.Hour, now) {
		t.Error("partner without a position is never fresh")
	}
}
