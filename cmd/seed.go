package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/dispatchd/config"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/infra/logger"
	"github.com/courierhq/dispatchd/infra/mongo"
)

var (
	seedLon float64
	seedLat float64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert demo partners around a point for local testing",
	RunE:  seedPartners,
}

func init() {
	seedCmd.Flags().Float64Var(&seedLon, "lon", 77.5946, "seed center longitude")
	seedCmd.Flags().Float64Var(&seedLat, "lat", 12.9716, "seed center latitude")
	rootCmd.AddCommand(seedCmd)
}

func seedPartners(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Mongo.Enabled {
		return fmt.Errorf("seed requires the mongo store")
	}
	logg := logger.New("seed")
	client, db, err := mongo.Connect(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	defer func() { _ = client.Disconnect(ctx) }()
	partners := mongo.NewPartners(db)
	if err := partners.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("partner indexes: %w", err)
	}

	now := time.Now()
	demo := []struct {
		id      string
		vehicle model.VehicleType
		dLon    float64
		dLat    float64
	}{
		{"partner-bike-1", model.VehicleBike, 0.005, 0.002},
		{"partner-bike-2", model.VehicleBike, -0.010, 0.006},
		{"partner-scooter-1", model.VehicleScooter, 0.015, -0.008},
		{"partner-car-1", model.VehicleCar, 0.030, 0.020},
	}
	for _, d := range demo {
		p := model.Partner{
			ID:      d.id,
			Name:    d.id,
			Status:  model.PartnerActive,
			Vehicle: d.vehicle,
			Location: model.PartnerLocation{
				Point:     model.NewGeoPoint(seedLon+d.dLon, seedLat+d.dLat),
				UpdatedAt: now,
			},
			Metrics: model.PartnerMetrics{CompletionRate: 0.95, Rating: 4.6},
		}
		if err := seedPut(ctx, partners, p); err != nil {
			return err
		}
		logg.Infof("seeded partner %s (%s)", p.ID, p.Vehicle)
	}
	return nil
}

func seedPut(ctx context.Context, partners store.PartnerStore, p model.Partner) error {
	if err := partners.Put(ctx, p); err != nil {
		return fmt.Errorf("seed partner %s: %w", p.ID, err)
	}
	return nil
}
