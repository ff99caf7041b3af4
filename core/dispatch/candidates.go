package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/courierhq/dispatchd/core/geo"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
)

// NearQuerier is the spatial index over partner last-known positions. The
// mongo partner store, the redis GEO index and the in-memory store all
// satisfy it.
type NearQuerier interface {
	Near(ctx context.Context, q store.NearQuery) ([]model.Partner, error)
}

// CandidateFinder produces the ranked candidate list for one offer round.
type CandidateFinder interface {
	// FindCandidates returns up to MaxCandidates eligible partners,
	// nearest first. An empty list is a normal condition, not a fault.
	FindCandidates(ctx context.Context, o model.Order, radiusM float64) ([]model.Partner, error)
}

// EligibilityFilter ranks partners for an order: active, free, matching
// vehicle class, above the performance floor, recently seen and within the
// search radius.
type EligibilityFilter struct {
	index NearQuerier
	cfg   Config
	now   func() time.Time
}

// NewEligibilityFilter creates a filter over the given spatial index.
func NewEligibilityFilter(index NearQuerier, cfg Config) *EligibilityFilter {
	cfg.SetDefaults()
	return &EligibilityFilter{index: index, cfg: cfg, now: time.Now}
}

// FindCandidates implements CandidateFinder.
func (f *EligibilityFilter) FindCandidates(ctx context.Context, o model.Order, radiusM float64) ([]model.Partner, error) {
	pickup := o.Pickup.Location
	partners, err := f.index.Near(ctx, store.NearQuery{
		Lon:            pickup.Lon(),
		Lat:            pickup.Lat(),
		RadiusM:        radiusM,
		Vehicle:        o.VehicleType,
		MaxLocationAge: f.cfg.LocationMaxAge(),
	})
	if err != nil {
		return nil, err
	}

	now := f.now()
	type candidate struct {
		p model.Partner
		d float64
	}
	var list []candidate
	for _, p := range partners {
		if p.Status != model.PartnerActive || p.CurrentOrderID != "" {
			continue
		}
		if p.Vehicle != o.VehicleType {
			continue
		}
		if p.Metrics.CompletionRate <= f.cfg.MinCompletionRate {
			continue
		}
		if p.Metrics.Rating <= f.cfg.MinRating {
			continue
		}
		if !p.SeenWithin(f.cfg.LocationMaxAge(), now) {
			continue
		}
		d := geo.HaversineMeters(pickup.Lon(), pickup.Lat(), p.Location.Point.Lon(), p.Location.Point.Lat())
		if d > radiusM {
			continue
		}
		list = append(list, candidate{p: p, d: d})
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].d != list[j].d {
			return list[i].d < list[j].d
		}
		if list[i].p.Metrics.Rating != list[j].p.Metrics.Rating {
			return list[i].p.Metrics.Rating > list[j].p.Metrics.Rating
		}
		return list[i].p.Metrics.AvgResponseSecs < list[j].p.Metrics.AvgResponseSecs
	})
	if len(list) > f.cfg.MaxCandidates {
		list = list[:f.cfg.MaxCandidates]
	}
	res := make([]model.Partner, 0, len(list))
	for _, c := range list {
		res = append(res, c.p)
	}
	return res, nil
}
