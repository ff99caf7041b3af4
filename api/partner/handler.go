package partner

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/courierhq/dispatchd/core/dispatch"
	"github.com/courierhq/dispatchd/core/logger"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/core/tracking"
)

// Handler serves the partner-facing API: the accept/reject race endpoints,
// location reports, availability toggling and registration.
type Handler struct {
	partners store.PartnerStore
	coord    *dispatch.Coordinator
	ingest   *tracking.Ingestor
	logger   logger.Logger
}

// NewHandler creates the partner API handler.
func NewHandler(partners store.PartnerStore, coord *dispatch.Coordinator, ingest *tracking.Ingestor, log logger.Logger) *Handler {
	return &Handler{partners: partners, coord: coord, ingest: ingest, logger: log}
}

// Register mounts the partner routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/partners/{id}", h.upsert)
	mux.HandleFunc("GET /api/partners/{id}", h.get)
	mux.HandleFunc("POST /api/partners/{id}/status", h.setStatus)
	mux.HandleFunc("POST /api/partners/{id}/location", h.location)
	mux.HandleFunc("POST /api/partners/{id}/orders/{orderID}/accept", h.accept)
	mux.HandleFunc("POST /api/partners/{id}/orders/{orderID}/reject", h.reject)
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	var p model.Partner
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p.ID = r.PathValue("id")
	if p.ID == "" || p.Name == "" {
		http.Error(w, "partner id and name are required", http.StatusBadRequest)
		return
	}
	if _, err := model.ParseVehicleType(string(p.Vehicle)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Status == "" {
		p.Status = model.PartnerOffline
	}
	if err := h.partners.Put(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.partners.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// setStatus toggles the partner between active and offline. Blocked and
// deleted are administrative states set through the same endpoint.
func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st := model.PartnerStatus(req.Status)
	switch st {
	case model.PartnerActive, model.PartnerOffline, model.PartnerBlocked, model.PartnerDeleted:
	default:
		http.Error(w, "unknown partner status", http.StatusBadRequest)
		return
	}
	if err := h.partners.SetStatus(r.Context(), r.PathValue("id"), st); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type locationRequest struct {
	OrderID   string    `json:"orderId"`
	Lon       float64   `json:"lon"`
	Lat       float64   `json:"lat"`
	Timestamp time.Time `json:"timestamp"`
	AccuracyM float64   `json:"accuracyM"`
	SpeedKMH  float64   `json:"speedKmh"`
	Bearing   float64   `json:"bearing"`
}

// location ingests a position report. With an order id it feeds the order's
// live projection; without one it only refreshes the partner's last known
// position for eligibility.
func (h *Handler) location(w http.ResponseWriter, r *http.Request) {
	partnerID := r.PathValue("id")
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	if req.OrderID == "" {
		loc := model.PartnerLocation{
			Point:     model.NewGeoPoint(req.Lon, req.Lat),
			UpdatedAt: req.Timestamp,
			AccuracyM: req.AccuracyM,
			SpeedKMH:  req.SpeedKMH,
			Bearing:   req.Bearing,
		}
		if err := h.partners.UpdateLocation(r.Context(), partnerID, loc); err != nil {
			writeStoreErr(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ping := model.GeoPing{
		Coordinates: [2]float64{req.Lon, req.Lat},
		Timestamp:   req.Timestamp,
		AccuracyM:   req.AccuracyM,
		SpeedKMH:    req.SpeedKMH,
		Bearing:     req.Bearing,
	}
	if err := h.ingest.RecordLocation(r.Context(), req.OrderID, partnerID, ping); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// accept resolves the acceptance race. Exactly one partner per order gets a
// 200; the rest get 409.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	partnerID := r.PathValue("id")
	orderID := r.PathValue("orderID")
	outcome, err := h.coord.Accept(r.Context(), orderID, partnerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch outcome {
	case dispatch.AcceptWon:
		writeJSON(w, http.StatusOK, map[string]string{"result": outcome.String(), "orderId": orderID})
	case dispatch.AcceptLost:
		writeJSON(w, http.StatusConflict, map[string]string{"result": outcome.String()})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"result": outcome.String()})
	}
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Reject(r.Context(), r.PathValue("orderID"), r.PathValue("id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
