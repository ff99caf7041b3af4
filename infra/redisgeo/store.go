package redisgeo

import (
	"context"

	"github.com/courierhq/dispatchd/core/logger"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
)

// tracker is the slice of Index the decorator needs.
type tracker interface {
	Track(ctx context.Context, partnerID string, lon, lat float64) error
	Remove(ctx context.Context, partnerID string) error
}

// Store decorates a PartnerStore so position and availability writes keep the
// GEO set current. Index maintenance failures are logged, not returned: the
// partner store stays the source of truth.
type Store struct {
	store.PartnerStore
	geo tracker
	log logger.Logger
}

// NewStore wraps the base partner store with GEO index maintenance.
func NewStore(base store.PartnerStore, index *Index) *Store {
	return &Store{PartnerStore: base, geo: index, log: index.logger}
}

// UpdateLocation writes through to the partner store and then mirrors the
// position the store retained. The store drops out-of-order reports, so the
// GEO member must follow the stored location rather than the incoming one.
func (s *Store) UpdateLocation(ctx context.Context, id string, loc model.PartnerLocation) error {
	if err := s.PartnerStore.UpdateLocation(ctx, id, loc); err != nil {
		return err
	}
	p, err := s.PartnerStore.Get(ctx, id)
	if err != nil {
		s.log.Errorf("geo index read-back for partner %s: %v", id, err)
		return nil
	}
	if err := s.geo.Track(ctx, id, p.Location.Point.Lon(), p.Location.Point.Lat()); err != nil {
		s.log.Errorf("geo index update for partner %s: %v", id, err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, st model.PartnerStatus) error {
	if err := s.PartnerStore.SetStatus(ctx, id, st); err != nil {
		return err
	}
	if st != model.PartnerActive {
		if err := s.geo.Remove(ctx, id); err != nil {
			s.log.Errorf("geo index removal for partner %s: %v", id, err)
		}
	}
	return nil
}
