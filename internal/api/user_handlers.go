package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"prenotazioni/internal/entities"
	apperrors "prenotazioni/internal/errors"
	"prenotazioni/internal/service"
)

type UserReservationHandler struct {
	Modifications *service.ModificationService
	Availability  *service.AvailabilityService
}

func NewUserReservationHandler(modifications *service.ModificationService, availability *service.AvailabilityService) *UserReservationHandler {
	return &UserReservationHandler{Modifications: modifications, Availability: availability}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.StatusCode(err))
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}

func (h *UserReservationHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		http.Error(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	resp, err := h.Availability.Availability(r.Context(), entities.AvailabilityRequest{
		RestaurantID: req.RestaurantID,
		TableID:      req.TableID,
		SectionID:    req.SectionID,
		Date:         date,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *UserReservationHandler) ModifyReservation(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	var req ModifyReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	modReq := entities.ModificationRequest{
		ReservationCode: code,
		RequestedBy:     req.RequestedBy,
		NewPartySize:    req.NewPartySize,
		NewMealService:  req.NewMealService,
		NewTableID:      req.NewTableID,
		NewSectionID:    req.NewSectionID,
		NewNotes:        req.NewNotes,
		PromoCode:       req.PromoCode,
	}
	if modReq.RequestedBy == "" {
		modReq.RequestedBy = "customer"
	}
	if req.NewDate != nil {
		d, err := time.Parse("2006-01-02", *req.NewDate)
		if err != nil {
			http.Error(w, "Invalid new_date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		modReq.NewDate = &d
	}

	result, err := h.Modifications.Modify(r.Context(), &modReq)
	if err != nil {
		if result != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apperrors.StatusCode(err))
			json.NewEncoder(w).Encode(result)
			return
		}
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.RequiresPayment {
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(result)
}

func (h *UserReservationHandler) GetModification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := h.Modifications.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}
