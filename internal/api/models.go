package api

// Availability
type AvailabilityRequest struct {
	RestaurantID int64  `json:"restaurant_id"`
	TableID      *int64 `json:"table_id,omitempty"`
	SectionID    *int64 `json:"section_id,omitempty"`
	Date         string `json:"date"` // "2006-01-02"
}

// Modification
type ModifyReservationRequest struct {
	RequestedBy    string  `json:"requested_by"`
	NewDate        *string `json:"new_date,omitempty"` // "2006-01-02"
	NewPartySize   *int    `json:"new_party_size,omitempty"`
	NewMealService *int64  `json:"new_meal_service_id,omitempty"`
	NewTableID     *int64  `json:"new_table_id,omitempty"`
	NewSectionID   *int64  `json:"new_section_id,omitempty"`
	NewNotes       *string `json:"new_notes,omitempty"`
	PromoCode      string  `json:"promo_code,omitempty"`
}

// Admin
type BlockSlotRequest struct {
	Status string `json:"status"` // BLOCKED or MAINTENANCE
}

type SweepRequest struct {
	BatchSize int  `json:"batch_size,omitempty"`
	DryRun    bool `json:"dry_run,omitempty"`
}

type SweepResponse struct {
	SweptSlotIDs []int64 `json:"swept_slot_ids"`
	DryRun       bool    `json:"dry_run"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
