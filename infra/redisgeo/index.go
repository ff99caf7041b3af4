package redisgeo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierhq/dispatchd/core/logger"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
)

// Config defines the optional redis GEO index settings.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Key is the GEO sorted-set holding partner positions.
	Key string `json:"key"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Key == "" {
		c.Key = "dispatchd:partner:geo"
	}
}

// Index is a redis GEO spatial index over partner positions. The radius search
// runs in redis; records are hydrated from the partner store, so redis only
// ever holds coordinates and membership.
type Index struct {
	rdb      *redis.Client
	partners store.PartnerStore
	key      string
	logger   logger.Logger
}

// New connects to redis and verifies connectivity.
func New(ctx context.Context, cfg Config, partners store.PartnerStore, log logger.Logger) (*Index, error) {
	if partners == nil || log == nil {
		return nil, fmt.Errorf("redisgeo: nil parameter provided to New")
	}
	cfg.SetDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Index{rdb: rdb, partners: partners, key: cfg.Key, logger: log}, nil
}

// Close releases the redis connection.
func (x *Index) Close() error {
	return x.rdb.Close()
}

// Track records the partner's latest position in the GEO set.
func (x *Index) Track(ctx context.Context, partnerID string, lon, lat float64) error {
	err := x.rdb.GeoAdd(ctx, x.key, &redis.GeoLocation{
		Name:      partnerID,
		Longitude: lon,
		Latitude:  lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd partner %s: %w", partnerID, err)
	}
	return nil
}

// Remove drops the partner from the GEO set, typically on going inactive.
func (x *Index) Remove(ctx context.Context, partnerID string) error {
	if err := x.rdb.ZRem(ctx, x.key, partnerID).Err(); err != nil {
		return fmt.Errorf("zrem partner %s: %w", partnerID, err)
	}
	return nil
}

// Near implements the spatial query with GEOSEARCH, nearest first, then
// hydrates the full partner records. Predicates that need the record (vehicle
// class, freshness) are applied after hydration; partners that vanished from
// the store since their last GEOADD are skipped.
func (x *Index) Near(ctx context.Context, q store.NearQuery) ([]model.Partner, error) {
	locs, err := x.rdb.GeoSearchLocation(ctx, x.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Lon,
			Latitude:   q.Lat,
			Radius:     q.RadiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}

	now := time.Now()
	out := make([]model.Partner, 0, len(locs))
	for _, loc := range locs {
		p, err := x.partners.Get(ctx, loc.Name)
		if err != nil {
			x.logger.Debugf("geo member %s not in partner store, skipping", loc.Name)
			continue
		}
		if p.Status != model.PartnerActive || p.CurrentOrderID != "" {
			continue
		}
		if q.Vehicle != "" && p.Vehicle != q.Vehicle {
			continue
		}
		if q.MaxLocationAge > 0 && !p.SeenWithin(q.MaxLocationAge, now) {
			continue
		}
		out = append(out, p)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
