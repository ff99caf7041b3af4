package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
)

// TestIntegration exercises the stores against a real mongod. The atomicity of
// the accept race and the $nearSphere ordering cannot be verified any other way.
func TestIntegration(t *testing.T) {
	if os.Getenv("DOCKER_AVAILABLE") != "true" && os.Getenv("DOCKER_AVAILABLE") != "1" {
		t.Skip("docker not available")
	}
	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "mongo:7.0",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp"),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}

	cfg := Config{URI: fmt.Sprintf("mongodb://%s:%s", host, port.Port()), Database: "dispatchd_test"}
	client, db, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer func() { _ = client.Disconnect(ctx) }()

	orders := NewOrders(db)
	partners := NewPartners(db)
	if err := orders.EnsureIndexes(ctx); err != nil {
		t.Fatalf("order indexes: %v", err)
	}
	if err := partners.EnsureIndexes(ctx); err != nil {
		t.Fatalf("partner indexes: %v", err)
	}

	t.Run("accept race", func(t *testing.T) {
		testAcceptRace(t, ctx, orders)
	})
	t.Run("live location guard", func(t *testing.T) {
		testLiveLocationGuard(t, ctx, orders)
	})
	t.Run("near query", func(t *testing.T) {
		testNearQuery(t, ctx, partners)
	})
	t.Run("completion pipeline", func(t *testing.T) {
		testCompletionPipeline(t, ctx, partners)
	})
}

func seedOrder(t *testing.T, ctx context.Context, orders *Orders, id string) {
	t.Helper()
	o := model.Order{
		ID:          id,
		UserID:      "u1",
		VehicleType: model.VehicleBike,
		Status:      model.StatusPending,
		Pickup:      model.PickupPoint{Location: model.NewGeoPoint(77.60, 12.97)},
		Drops:       []model.DropPoint{{Sequence: 1, Status: model.DropPendingStatus}},
		CreatedAt:   time.Now(),
	}
	if err := orders.Create(ctx, o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func testAcceptRace(t *testing.T, ctx context.Context, orders *Orders) {
	seedOrder(t, ctx, orders, "race-1")

	const contenders = 16
	var wg sync.WaitGroup
	won := make([]bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := model.TrackingEvent{Status: model.StatusAssigned, Timestamp: time.Now()}
			_, err := orders.AcceptAssign(ctx, "race-1", fmt.Sprintf("p%d", i), ev)
			switch {
			case err == nil:
				won[i] = true
			case errors.Is(err, store.ErrNotPending):
			default:
				t.Errorf("accept: %v", err)
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range won {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	cur, err := orders.Get(ctx, "race-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != model.StatusAssigned || cur.PartnerID == "" {
		t.Fatalf("order not bound: %s partner=%q", cur.Status, cur.PartnerID)
	}
	if !cur.Tracking.LiveTracking.IsEnabled {
		t.Fatal("live tracking not enabled on assignment")
	}
}

func testLiveLocationGuard(t *testing.T, ctx context.Context, orders *Orders) {
	seedOrder(t, ctx, orders, "loc-1")
	ev := model.TrackingEvent{Status: model.StatusAssigned, Timestamp: time.Now()}
	if _, err := orders.AcceptAssign(ctx, "loc-1", "p1", ev); err != nil {
		t.Fatalf("assign: %v", err)
	}

	base := time.Now().Truncate(time.Millisecond)
	fresh := model.GeoPing{Coordinates: [2]float64{77.61, 12.98}, Timestamp: base}
	applied, err := orders.UpdateLiveLocation(ctx, "loc-1", fresh)
	if err != nil || !applied {
		t.Fatalf("first ping applied=%v err=%v", applied, err)
	}

	stale := model.GeoPing{Coordinates: [2]float64{0, 0}, Timestamp: base.Add(-time.Minute)}
	applied, err = orders.UpdateLiveLocation(ctx, "loc-1", stale)
	if err != nil || applied {
		t.Fatalf("stale ping applied=%v err=%v", applied, err)
	}
	cur, _ := orders.Get(ctx, "loc-1")
	if cur.Tracking.LiveTracking.CurrentLocation.Coordinates[0] != 77.61 {
		t.Fatalf("stale ping overwrote position: %+v", cur.Tracking.LiveTracking.CurrentLocation)
	}

	// Replay of the same timestamp is a no-op too.
	applied, err = orders.UpdateLiveLocation(ctx, "loc-1", fresh)
	if err != nil || applied {
		t.Fatalf("replayed ping applied=%v err=%v", applied, err)
	}

	if _, err := orders.UpdateLiveLocation(ctx, "missing", fresh); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testNearQuery(t *testing.T, ctx context.Context, partners *Partners) {
	now := time.Now()
	seed := func(id string, lon, lat float64, mutate func(*model.Partner)) {
		p := model.Partner{
			ID: id, Name: id,
			Status:   model.PartnerActive,
			Vehicle:  model.VehicleBike,
			Location: model.PartnerLocation{Point: model.NewGeoPoint(lon, lat), UpdatedAt: now},
		}
		if mutate != nil {
			mutate(&p)
		}
		if err := partners.Put(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("near", 77.601, 12.971, nil)
	seed("nearer", 77.6005, 12.9705, nil)
	seed("far", 77.70, 13.05, nil)
	seed("busy", 77.601, 12.971, func(p *model.Partner) { p.CurrentOrderID = "o9" })
	seed("car", 77.601, 12.971, func(p *model.Partner) { p.Vehicle = model.VehicleCar })

	got, err := partners.Near(ctx, store.NearQuery{
		Lon: 77.60, Lat: 12.97, RadiusM: 3000,
		Vehicle: model.VehicleBike, Limit: 10,
	})
	if err != nil {
		t.Fatalf("near: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != "nearer" || got[1].ID != "near" {
		t.Fatalf("not sorted by distance: %s, %s", got[0].ID, got[1].ID)
	}
}

func testCompletionPipeline(t *testing.T, ctx context.Context, partners *Partners) {
	p := model.Partner{ID: "pm-1", Name: "pm-1", Status: model.PartnerActive, Vehicle: model.VehicleBike}
	if err := partners.Put(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := partners.RecordAssignment(ctx, "pm-1", fmt.Sprintf("o%d", i)); err != nil {
			t.Fatalf("assignment: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := partners.RecordCompletion(ctx, "pm-1", 100); err != nil {
			t.Fatalf("completion: %v", err)
		}
	}
	cur, err := partners.Get(ctx, "pm-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Metrics.TotalAssigned != 4 || cur.Metrics.TotalCompleted != 3 {
		t.Fatalf("counters: %+v", cur.Metrics)
	}
	if cur.Metrics.CompletionRate != 0.75 {
		t.Fatalf("rate %v, want 0.75", cur.Metrics.CompletionRate)
	}
	if cur.EarningsTotal != 300 {
		t.Fatalf("earnings %v, want 300", cur.EarningsTotal)
	}
	if cur.CurrentOrderID != "" {
		t.Fatalf("current order not cleared: %q", cur.CurrentOrderID)
	}
}
