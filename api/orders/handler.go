package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/dispatchd/core/dispatch"
	"github.com/courierhq/dispatchd/core/geo"
	"github.com/courierhq/dispatchd/core/logger"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/routing"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/core/tracking"
)

// Handler serves the order-owner API: intake, lookup, live tracking,
// cancellation and status administration.
type Handler struct {
	orders  store.OrderStore
	coord   *dispatch.Coordinator
	ingest  *tracking.Ingestor
	router  routing.Router
	pricing PricingConfig
	logger  logger.Logger
}

// NewHandler creates the order API handler. router may be nil; pricing then
// falls back to straight-line distance.
func NewHandler(orders store.OrderStore, coord *dispatch.Coordinator, ingest *tracking.Ingestor, router routing.Router, pricing PricingConfig, log logger.Logger) *Handler {
	pricing.SetDefaults()
	return &Handler{
		orders:  orders,
		coord:   coord,
		ingest:  ingest,
		router:  router,
		pricing: pricing,
		logger:  log,
	}
}

// Register mounts the order routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.create)
	mux.HandleFunc("GET /api/orders/{id}", h.get)
	mux.HandleFunc("GET /api/orders/{id}/tracking", h.tracking)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.cancel)
	mux.HandleFunc("POST /api/orders/{id}/status", h.status)
	mux.HandleFunc("POST /api/orders/{id}/drops/{seq}/confirm", h.confirmDrop)
}

type pointRequest struct {
	Address string        `json:"address"`
	Lon     float64       `json:"lon"`
	Lat     float64       `json:"lat"`
	Contact model.Contact `json:"contact"`
}

type createRequest struct {
	UserID        string         `json:"userId"`
	Kind          string         `json:"kind"`
	VehicleType   string         `json:"vehicleType"`
	Pickup        pointRequest   `json:"pickup"`
	Drops         []pointRequest `json:"drops"`
	PaymentMethod string         `json:"paymentMethod"`
}

// create is the intake endpoint: price the order, persist it pending and
// start the dispatch process.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || len(req.Drops) == 0 {
		http.Error(w, "userId and at least one drop are required", http.StatusBadRequest)
		return
	}
	kind := model.OrderKind(req.Kind)
	if kind == "" {
		kind = model.KindCourier
	}
	vehicle, err := model.ParseVehicleType(req.VehicleType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	o := model.Order{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Kind:        kind,
		VehicleType: vehicle,
		Status:      model.StatusPending,
		Pickup: model.PickupPoint{
			Address:  req.Pickup.Address,
			Location: model.NewGeoPoint(req.Pickup.Lon, req.Pickup.Lat),
			Contact:  req.Pickup.Contact,
		},
		Payment:   model.Payment{Method: req.PaymentMethod, Status: "pending"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, d := range req.Drops {
		o.Drops = append(o.Drops, model.DropPoint{
			Sequence: i + 1,
			Address:  d.Address,
			Location: model.NewGeoPoint(d.Lon, d.Lat),
			Contact:  d.Contact,
			Status:   model.DropPendingStatus,
		})
	}
	if h.router != nil {
		h.fillAddresses(r.Context(), &o)
	}
	o.Pricing = h.price(r.Context(), o)
	o.Tracking.History = []model.TrackingEvent{{
		Status:    model.StatusPending,
		Timestamp: now,
		UpdatedBy: model.Actor{Type: model.ActorSystem},
	}}

	if err := h.orders.Create(r.Context(), o); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Dispatch must outlive this request.
	if err := h.coord.Begin(context.WithoutCancel(r.Context()), o.ID); err != nil && !errors.Is(err, dispatch.ErrDispatchActive) {
		h.logger.Errorf("dispatch start for order %s: %v", o.ID, err)
	}
	writeJSON(w, http.StatusCreated, o)
}

// fillAddresses reverse-geocodes points submitted without a street address.
// Geocoding failures leave the address empty; intake continues.
func (h *Handler) fillAddresses(ctx context.Context, o *model.Order) {
	if o.Pickup.Address == "" {
		p := routing.Point{Lon: o.Pickup.Location.Lon(), Lat: o.Pickup.Location.Lat()}
		if addr, err := h.router.ReverseGeocode(ctx, p); err == nil {
			o.Pickup.Address = addr.DisplayName
		}
	}
	for i := range o.Drops {
		if o.Drops[i].Address != "" {
			continue
		}
		p := routing.Point{Lon: o.Drops[i].Location.Lon(), Lat: o.Drops[i].Location.Lat()}
		if addr, err := h.router.ReverseGeocode(ctx, p); err == nil {
			o.Drops[i].Address = addr.DisplayName
		}
	}
}

// price computes the fare from the planned route, falling back to the
// straight-line distance when no routing provider answers.
func (h *Handler) price(ctx context.Context, o model.Order) model.Pricing {
	pickup := routing.Point{Lon: o.Pickup.Location.Lon(), Lat: o.Pickup.Location.Lat()}
	var distanceM float64
	prev := pickup
	for _, d := range o.Drops {
		next := routing.Point{Lon: d.Location.Lon(), Lat: d.Location.Lat()}
		distanceM += h.legDistance(ctx, prev, next, string(o.VehicleType))
		prev = next
	}
	km := distanceM / 1000
	base := h.pricing.BaseFare
	fare := km * h.pricing.PerKM
	tax := (base + fare) * h.pricing.TaxRate
	return model.Pricing{
		DistanceKM:   km,
		Base:         base,
		DistanceFare: fare,
		Tax:          tax,
		Total:        base + fare + tax,
	}
}

func (h *Handler) legDistance(ctx context.Context, from, to routing.Point, mode string) float64 {
	if h.router != nil {
		if r, err := h.router.Route(ctx, from, to, mode); err == nil {
			return r.DistanceM
		}
	}
	return geo.HaversineMeters(from.Lon, from.Lat, to.Lon, to.Lat)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// trackingResponse is the live projection served to the order owner.
type trackingResponse struct {
	OrderID  string                `json:"orderId"`
	Status   model.OrderStatus     `json:"status"`
	Live     model.LiveTracking    `json:"live"`
	History  []model.TrackingEvent `json:"history"`
	DropETAs []dropState           `json:"drops"`
}

type dropState struct {
	Sequence int              `json:"sequence"`
	Status   model.DropStatus `json:"status"`
}

func (h *Handler) tracking(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	resp := trackingResponse{
		OrderID: o.ID,
		Status:  o.Status,
		Live:    o.Tracking.LiveTracking,
		History: o.Tracking.History,
	}
	for _, d := range o.Drops {
		resp.DropETAs = append(resp.DropETAs, dropState{Sequence: d.Sequence, Status: d.Status})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	actor := model.Actor{Type: model.ActorAdmin}
	if req.UserID != "" {
		actor = model.Actor{Type: model.ActorSystem, ID: req.UserID}
	}
	if err := h.coord.Cancel(r.Context(), r.PathValue("id"), actor); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status    string         `json:"status"`
		Note      string         `json:"note"`
		PartnerID string         `json:"partnerId"`
		Location  *model.GeoPing `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	next, err := model.ParseOrderStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actor := model.Actor{Type: model.ActorAdmin}
	if req.PartnerID != "" {
		actor = model.Actor{Type: model.ActorPartner, ID: req.PartnerID}
	}
	o, err := h.ingest.RecordStatus(r.Context(), r.PathValue("id"), next, actor, req.Note, req.Location)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) confirmDrop(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil || seq < 1 {
		http.Error(w, "invalid drop sequence", http.StatusBadRequest)
		return
	}
	var req struct {
		PartnerID string               `json:"partnerId"`
		Proof     *model.DeliveryProof `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actor := model.Actor{Type: model.ActorPartner, ID: req.PartnerID}
	o, err := h.ingest.ConfirmDrop(r.Context(), r.PathValue("id"), seq, req.Proof, actor)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidOrderState),
		errors.Is(err, store.ErrNotPending),
		errors.Is(err, store.ErrAlreadyDelivered):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrPartnerMismatch):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
