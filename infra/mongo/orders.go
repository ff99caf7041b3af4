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

// Orders is the mongo-backed OrderStore. Every state-changing write is a
// filtered single-document update, so the status checks and the mutation
// commit atomically; that is what makes the accept race safe.
type Orders struct {
	c *mongo.Collection
}

// NewOrders creates the order store over the "orders" collection.
func NewOrders(db *mongo.Database) *Orders {
	return &Orders{c: db.Collection("orders")}
}

// EnsureIndexes creates the indexes the dispatch and tracking paths query by.
func (s *Orders) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_orders_status"),
		},
		{
			Keys:    bson.D{{Key: "partner_id", Value: 1}},
			Options: options.Index().SetName("idx_orders_partner"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_orders_user"),
		},
	}
	_, err := s.c.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Orders) Create(ctx context.Context, o model.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if _, err := s.c.InsertOne(ctx, o); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *Orders) Get(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Order{}, store.ErrNotFound
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("find order: %w", err)
	}
	return o, nil
}

// AcceptAssign is the atomic accept: the pending check and the assignment
// commit in one FindOneAndUpdate. Concurrent accepts for the same order
// observe exactly one winner.
func (s *Orders) AcceptAssign(ctx context.Context, orderID, partnerID string, ev model.TrackingEvent) (model.Order, error) {
	filter := bson.M{"_id": orderID, "status": model.StatusPending}
	update := bson.M{
		"$set": bson.M{
			"status":                            model.StatusAssigned,
			"partner_id":                        partnerID,
			"tracking.live_tracking.is_enabled": true,
			"updated_at":                        ev.Timestamp,
		},
		"$push": bson.M{"tracking.history": ev},
	}
	var o model.Order
	err := s.c.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.Get(ctx, orderID); errors.Is(getErr, store.ErrNotFound) {
			return model.Order{}, store.ErrNotFound
		}
		return model.Order{}, store.ErrNotPending
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("accept order: %w", err)
	}
	return o, nil
}

func (s *Orders) ReleaseAssignment(ctx context.Context, orderID, partnerID string, ev model.TrackingEvent) (model.Order, error) {
	filter := bson.M{"_id": orderID, "status": model.StatusAssigned, "partner_id": partnerID}
	update := bson.M{
		"$set": bson.M{
			"status":                            model.StatusPending,
			"tracking.live_tracking.is_enabled": false,
			"updated_at":                        ev.Timestamp,
		},
		"$unset": bson.M{"partner_id": ""},
		"$push":  bson.M{"tracking.history": ev},
	}
	var o model.Order
	err := s.c.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, getErr := s.Get(ctx, orderID)
		switch {
		case errors.Is(getErr, store.ErrNotFound):
			return model.Order{}, store.ErrNotFound
		case getErr != nil:
			return model.Order{}, getErr
		case cur.Status == model.StatusAssigned && cur.PartnerID != partnerID:
			return model.Order{}, store.ErrPartnerMismatch
		default:
			return model.Order{}, store.ErrInvalidOrderState
		}
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("release order: %w", err)
	}
	return o, nil
}

// statusPredecessors returns the states allowed to transition into next.
func statusPredecessors(next model.OrderStatus) []model.OrderStatus {
	all := []model.OrderStatus{
		model.StatusPending, model.StatusAssigned, model.StatusPicked,
		model.StatusInTransit, model.StatusDelivered, model.StatusCancelled,
	}
	var from []model.OrderStatus
	for _, s := range all {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

func (s *Orders) TransitionStatus(ctx context.Context, orderID string, next model.OrderStatus, ev model.TrackingEvent) (model.Order, error) {
	filter := bson.M{"_id": orderID, "status": bson.M{"$in": statusPredecessors(next)}}
	set := bson.M{"status": next, "updated_at": ev.Timestamp}
	update := bson.M{"$set": set, "$push": bson.M{"tracking.history": ev}}
	if next == model.StatusPending || next == model.StatusCancelled {
		update["$unset"] = bson.M{"partner_id": ""}
		set["tracking.live_tracking.is_enabled"] = false
	}
	var o model.Order
	err := s.c.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.Get(ctx, orderID); errors.Is(getErr, store.ErrNotFound) {
			return model.Order{}, store.ErrNotFound
		}
		return model.Order{}, store.ErrInvalidOrderState
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("transition order: %w", err)
	}
	return o, nil
}

// MarkDelivered fires at most once per order; replays surface
// ErrAlreadyDelivered so the completion credit is never applied twice.
func (s *Orders) MarkDelivered(ctx context.Context, orderID string, ev model.TrackingEvent) (model.Order, error) {
	filter := bson.M{"_id": orderID, "status": model.StatusInTransit}
	update := bson.M{
		"$set":  bson.M{"status": model.StatusDelivered, "updated_at": ev.Timestamp},
		"$push": bson.M{"tracking.history": ev},
	}
	var o model.Order
	err := s.c.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, getErr := s.Get(ctx, orderID)
		switch {
		case errors.Is(getErr, store.ErrNotFound):
			return model.Order{}, store.ErrNotFound
		case getErr != nil:
			return model.Order{}, getErr
		case cur.Status == model.StatusDelivered:
			return model.Order{}, store.ErrAlreadyDelivered
		default:
			return model.Order{}, store.ErrInvalidOrderState
		}
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("deliver order: %w", err)
	}
	return o, nil
}

// SetDropDelivered accepts confirmations only while the order is in flight;
// the status predicate keeps a cancelled or still-pending order immutable
// even when the confirm races a transition.
func (s *Orders) SetDropDelivered(ctx context.Context, orderID string, seq int, proof *model.DeliveryProof, at time.Time) (model.Order, error) {
	trackable := bson.A{model.StatusAssigned, model.StatusPicked, model.StatusInTransit}
	filter := bson.M{
		"_id":    orderID,
		"status": bson.M{"$in": trackable},
		"drops": bson.M{"$elemMatch": bson.M{
			"sequence": seq,
			"status":   bson.M{"$ne": model.DropDeliveredStatus},
		}},
	}
	set := bson.M{
		"drops.$.status":      model.DropDeliveredStatus,
		"drops.$.actual_time": at,
		"updated_at":          at,
	}
	if proof != nil {
		set["drops.$.proof"] = proof
	}
	res, err := s.c.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return model.Order{}, fmt.Errorf("confirm drop: %w", err)
	}
	if res.MatchedCount == 0 {
		cur, getErr := s.Get(ctx, orderID)
		switch {
		case errors.Is(getErr, store.ErrNotFound):
			return model.Order{}, store.ErrNotFound
		case getErr != nil:
			return model.Order{}, getErr
		case !cur.Status.Trackable():
			return model.Order{}, store.ErrInvalidOrderState
		}
		for _, d := range cur.Drops {
			if d.Sequence == seq {
				// Already delivered; the replay changes nothing.
				return cur, nil
			}
		}
		return model.Order{}, store.ErrNotFound
	}
	return s.Get(ctx, orderID)
}

func (s *Orders) UpdateLiveLocation(ctx context.Context, orderID string, ping model.GeoPing) (bool, error) {
	trackable := bson.A{model.StatusAssigned, model.StatusPicked, model.StatusInTransit}
	filter := bson.M{
		"_id":    orderID,
		"status": bson.M{"$in": trackable},
		"$or": bson.A{
			bson.M{"tracking.live_tracking.current_location": bson.M{"$exists": false}},
			bson.M{"tracking.live_tracking.current_location.timestamp": bson.M{"$lt": ping.Timestamp}},
		},
	}
	update := bson.M{"$set": bson.M{"tracking.live_tracking.current_location": ping}}
	res, err := s.c.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("live location: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	cur, getErr := s.Get(ctx, orderID)
	if getErr != nil {
		return false, getErr
	}
	if !cur.Status.Trackable() {
		return false, store.ErrInvalidOrderState
	}
	return false, nil // stale or replayed ping
}

func (s *Orders) ListTrackable(ctx context.Context) ([]string, error) {
	trackable := bson.A{model.StatusAssigned, model.StatusPicked, model.StatusInTransit}
	cur, err := s.c.Find(ctx, bson.M{"status": bson.M{"$in": trackable}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list trackable: %w", err)
	}
	defer cur.Close(ctx)
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list trackable decode: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *Orders) SetRoute(ctx context.Context, orderID string, route model.RoutePlan) error {
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": orderID},
		bson.M{"$set": bson.M{"tracking.live_tracking.route": route}})
	if err != nil {
		return fmt.Errorf("route projection: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
