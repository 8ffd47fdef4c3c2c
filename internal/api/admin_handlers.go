package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"prenotazioni/internal/db"
	"prenotazioni/internal/service"
)

type AdminHandler struct {
	Admin *service.AdminService
}

func NewAdminHandler(admin *service.AdminService) *AdminHandler {
	return &AdminHandler{Admin: admin}
}

func (h *AdminHandler) BlockSlot(w http.ResponseWriter, r *http.Request) {
	slotID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid slot id", http.StatusBadRequest)
		return
	}
	var req BlockSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = db.SlotBlocked
	}
	if err := h.Admin.BlockSlot(r.Context(), slotID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Slot blocked"})
}

func (h *AdminHandler) UnblockSlot(w http.ResponseWriter, r *http.Request) {
	slotID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid slot id", http.StatusBadRequest)
		return
	}
	if err := h.Admin.UnblockSlot(r.Context(), slotID); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Slot available"})
}

func (h *AdminHandler) SweepHolds(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.Body != nil {
		// An empty body means a default full sweep.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	swept, err := h.Admin.Sweep(r.Context(), req.BatchSize, req.DryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SweepResponse{SweptSlotIDs: swept, DryRun: req.DryRun})
}

func (h *AdminHandler) ListModifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	mods, err := h.Admin.ListModifications(r.Context(), q.Get("status"), q.Get("code"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mods)
}
