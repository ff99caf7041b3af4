package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/courierhq/dispatchd/core/dispatch"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/core/tracking"
	"github.com/courierhq/dispatchd/infra/logger"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryOrders, *store.MemoryPartners) {
	t.Helper()
	orders := store.NewMemoryOrders()
	partners := store.NewMemoryPartners()
	finder := dispatch.NewEligibilityFilter(partners, dispatch.Config{})
	coord, err := dispatch.NewCoordinator(dispatch.Config{}, orders, partners, finder, nil, nil, nil, nil, logger.NopLogger{})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	ingest, err := tracking.NewIngestor(tracking.Config{}, orders, partners, nil, nil, nil, logger.NopLogger{})
	if err != nil {
		t.Fatalf("ingestor: %v", err)
	}
	mux := http.NewServeMux()
	NewHandler(orders, coord, ingest, nil, PricingConfig{}, logger.NopLogger{}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = coord.Close() })
	return srv, orders, partners
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func intakeBody() map[string]any {
	return map[string]any{
		"userId":      "u1",
		"vehicleType": "bike",
		"pickup": map[string]any{
			"address": "12 MG Road",
			"lon":     77.60, "lat": 12.97,
			"contact": map[string]string{"name": "Asha", "phone": "99"},
		},
		"drops": []map[string]any{
			{"address": "Koramangala", "lon": 77.6245, "lat": 12.9279},
		},
		"paymentMethod": "upi",
	}
}

func TestCreate_Intake(t *testing.T) {
	srv, orders, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/orders", intakeBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created model.Order
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != model.StatusPending {
		t.Fatalf("unexpected order: %+v", created)
	}
	if created.Drops[0].Sequence != 1 || created.Drops[0].Status != model.DropPendingStatus {
		t.Fatalf("drop not initialized: %+v", created.Drops[0])
	}
	// Roughly 5.4km straight line; the fare follows the schedule.
	if created.Pricing.DistanceKM < 5 || created.Pricing.DistanceKM > 6 {
		t.Fatalf("unexpected distance: %v", created.Pricing.DistanceKM)
	}
	wantTotal := (created.Pricing.Base + created.Pricing.DistanceFare) * 1.05
	if diff := created.Pricing.Total - wantTotal; diff > 0.01 || diff < -0.01 {
		t.Fatalf("total %v does not match schedule %v", created.Pricing.Total, wantTotal)
	}

	stored, err := orders.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if len(stored.Tracking.History) != 1 || stored.Tracking.History[0].Status != model.StatusPending {
		t.Fatalf("history not initialized: %+v", stored.Tracking.History)
	}
}

func TestCreate_Invalid(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := intakeBody()
	body["drops"] = []map[string]any{}
	if resp := postJSON(t, srv.URL+"/api/orders", body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without drops, got %d", resp.StatusCode)
	}

	body = intakeBody()
	body["vehicleType"] = "horse"
	if resp := postJSON(t, srv.URL+"/api/orders", body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown vehicle, got %d", resp.StatusCode)
	}
}

func TestGetAndTracking(t *testing.T) {
	srv, orders, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/orders", intakeBody())
	var created model.Order
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	getResp, err := http.Get(srv.URL + "/api/orders/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}

	ev := model.TrackingEvent{Status: model.StatusAssigned, Timestamp: time.Now()}
	if _, err := orders.AcceptAssign(context.Background(), created.ID, "p1", ev); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ping := model.GeoPing{Coordinates: [2]float64{77.61, 12.95}, Timestamp: time.Now()}
	if _, err := orders.UpdateLiveLocation(context.Background(), created.ID, ping); err != nil {
		t.Fatalf("ping: %v", err)
	}

	trResp, err := http.Get(srv.URL + "/api/orders/" + created.ID + "/tracking")
	if err != nil {
		t.Fatalf("tracking: %v", err)
	}
	defer trResp.Body.Close()
	var tr trackingResponse
	if err := json.NewDecoder(trResp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode tracking: %v", err)
	}
	if tr.Status != model.StatusAssigned || tr.Live.CurrentLocation == nil {
		t.Fatalf("projection missing: %+v", tr)
	}
	if len(tr.DropETAs) != 1 {
		t.Fatalf("expected 1 drop, got %d", len(tr.DropETAs))
	}

	if resp, err := http.Get(srv.URL + "/api/orders/missing"); err != nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order")
	}
}

func TestCancelAndStatus(t *testing.T) {
	srv, orders, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/orders", intakeBody())
	var created model.Order
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	cResp := postJSON(t, srv.URL+"/api/orders/"+created.ID+"/cancel", map[string]string{"userId": "u1"})
	if cResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", cResp.StatusCode)
	}
	cur, _ := orders.Get(context.Background(), created.ID)
	if cur.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cur.Status)
	}

	// Any further transition conflicts.
	sResp := postJSON(t, srv.URL+"/api/orders/"+created.ID+"/status", map[string]string{"status": "picked"})
	if sResp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", sResp.StatusCode)
	}
}

func TestConfirmDrop_OverHTTP(t *testing.T) {
	srv, orders, partners := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/orders", intakeBody())
	var created model.Order
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx := context.Background()
	_ = partners.Put(ctx, model.Partner{ID: "p1", Name: "p1", Status: model.PartnerActive, Vehicle: model.VehicleBike})

	// No confirmations while the order is still looking for a partner.
	early := map[string]any{"partnerId": "p1"}
	if resp := postJSON(t, srv.URL+"/api/orders/"+created.ID+"/drops/1/confirm", early); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before assignment, got %d", resp.StatusCode)
	}

	ev := model.TrackingEvent{Status: model.StatusAssigned, Timestamp: time.Now()}
	if _, err := orders.AcceptAssign(ctx, created.ID, "p1", ev); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, st := range []model.OrderStatus{model.StatusPicked, model.StatusInTransit} {
		if _, err := orders.TransitionStatus(ctx, created.ID, st, model.TrackingEvent{Status: st, Timestamp: time.Now()}); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	body := map[string]any{
		"partnerId": "p1",
		"proof":     map[string]any{"kind": "otp", "value": "4321", "captured": time.Now()},
	}
	dResp := postJSON(t, srv.URL+"/api/orders/"+created.ID+"/drops/1/confirm", body)
	if dResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", dResp.StatusCode)
	}
	var done model.Order
	if err := json.NewDecoder(dResp.Body).Decode(&done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if done.Status != model.StatusDelivered {
		t.Fatalf("expected delivered, got %s", done.Status)
	}

	if resp := postJSON(t, srv.URL+"/api/orders/"+created.ID+"/drops/0/confirm", body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad sequence, got %d", resp.StatusCode)
	}
}
