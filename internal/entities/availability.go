package entities

import "time"

// AvailabilityRequest asks for the slot picture of one table or one whole
// section on a date. Exactly one of TableID/SectionID should be set.
type AvailabilityRequest struct {
	RestaurantID int64     `json:"restaurant_id"`
	TableID      *int64    `json:"table_id,omitempty"`
	SectionID    *int64    `json:"section_id,omitempty"`
	Date         time.Time `json:"date"`
}

// SlotView is one slot row as exposed to callers.
type SlotView struct {
	SlotID    int64     `json:"slot_id"`
	TableID   int64     `json:"table_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
}

// AvailabilityResponse lists slots grouped by status. Consumers poll this
// surface; there is no push notification of availability changes.
type AvailabilityResponse struct {
	Date      time.Time  `json:"date"`
	Available []SlotView `json:"available"`
	Held      []SlotView `json:"held"`
	Reserved  []SlotView `json:"reserved"`
	Blocked   []SlotView `json:"blocked"`
}
