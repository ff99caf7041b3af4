package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
)

// Partners is the mongo-backed PartnerStore. The eligibility query runs on a
// 2dsphere index so $nearSphere returns candidates already sorted by distance.
type Partners struct {
	c *mongo.Collection
}

// NewPartners creates the partner store over the "partners" collection.
func NewPartners(db *mongo.Database) *Partners {
	return &Partners{c: db.Collection("partners")}
}

// EnsureIndexes creates the geo and status indexes the Near query depends on.
func (s *Partners) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "location.point", Value: "2dsphere"}},
			Options: options.Index().SetName("idx_partners_geo"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "vehicle", Value: 1}},
			Options: options.Index().SetName("idx_partners_status"),
		},
	}
	_, err := s.c.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Partners) Put(ctx context.Context, p model.Partner) error {
	_, err := s.c.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert partner: %w", err)
	}
	return nil
}

func (s *Partners) Get(ctx context.Context, id string) (model.Partner, error) {
	var p model.Partner
	err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Partner{}, store.ErrNotFound
	}
	if err != nil {
		return model.Partner{}, fmt.Errorf("find partner: %w", err)
	}
	return p, nil
}

func (s *Partners) SetStatus(ctx context.Context, id string, st model.PartnerStatus) error {
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": st}})
	if err != nil {
		return fmt.Errorf("partner status: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateLocation is last-write-wins by report timestamp: an older report never
// overwrites a newer stored position.
func (s *Partners) UpdateLocation(ctx context.Context, id string, loc model.PartnerLocation) error {
	filter := bson.M{"_id": id, "location.updated_at": bson.M{"$lt": loc.UpdatedAt}}
	res, err := s.c.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"location": loc}})
	if err != nil {
		return fmt.Errorf("partner location: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.c.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("partner location: %w", err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

// Near returns free, active partners inside the radius, closest first.
func (s *Partners) Near(ctx context.Context, q store.NearQuery) ([]model.Partner, error) {
	filter := bson.M{
		"status":           model.PartnerActive,
		"current_order_id": bson.M{"$in": bson.A{nil, ""}},
		"location.point": bson.M{"$nearSphere": bson.M{
			"$geometry":    model.NewGeoPoint(q.Lon, q.Lat),
			"$maxDistance": q.RadiusM,
		}},
	}
	if q.Vehicle != "" {
		filter["vehicle"] = q.Vehicle
	}
	if q.MaxLocationAge > 0 {
		filter["location.updated_at"] = bson.M{"$gte": time.Now().Add(-q.MaxLocationAge)}
	}
	opts := options.Find()
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("near query: %w", err)
	}
	defer cur.Close(ctx)
	var out []model.Partner
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("near query decode: %w", err)
	}
	return out, nil
}

// completionRateStage recomputes metrics.completion_rate from the counters
// already updated earlier in the same pipeline.
func completionRateStage() bson.M {
	return bson.M{"$set": bson.M{
		"metrics.completion_rate": bson.M{"$cond": bson.A{
			bson.M{"$gt": bson.A{"$metrics.total_assigned", 0}},
			bson.M{"$divide": bson.A{"$metrics.total_completed", "$metrics.total_assigned"}},
			0.0,
		}},
	}}
}

func (s *Partners) RecordAssignment(ctx context.Context, id, orderID string) error {
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"metrics.total_assigned": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$metrics.total_assigned", 0}}, 1}},
			"metrics.total_accepted": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$metrics.total_accepted", 0}}, 1}},
			"current_order_id":       orderID,
		}},
		completionRateStage(),
	}
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return fmt.Errorf("record assignment: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Partners) ClearAssignment(ctx context.Context, id string, cancelled bool) error {
	update := bson.M{"$unset": bson.M{"current_order_id": ""}}
	if cancelled {
		update["$inc"] = bson.M{"metrics.total_cancelled": 1}
	}
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("clear assignment: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordCompletion credits earnings and advances the completion counters in a
// single pipeline update so the derived rate never lags the counters.
func (s *Partners) RecordCompletion(ctx context.Context, id string, earnings float64) error {
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"metrics.total_completed": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$metrics.total_completed", 0}}, 1}},
			"earnings_total":          bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$earnings_total", 0}}, earnings}},
		}},
		completionRateStage(),
		bson.M{"$unset": "current_order_id"},
	}
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
