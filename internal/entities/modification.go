package entities

import "time"

// ModificationRequest is the inbound edit request against a confirmed
// reservation. Nil pointers mean "leave this field alone".
type ModificationRequest struct {
	ReservationCode string     `json:"reservation_code"`
	RequestedBy     string     `json:"requested_by"`
	NewDate         *time.Time `json:"new_date,omitempty"`
	NewPartySize    *int       `json:"new_party_size,omitempty"`
	NewMealService  *int64     `json:"new_meal_service_id,omitempty"`
	NewTableID      *int64     `json:"new_table_id,omitempty"`
	NewSectionID    *int64     `json:"new_section_id,omitempty"`
	NewNotes        *string    `json:"new_notes,omitempty"`
	PromoCode       string     `json:"promo_code,omitempty"`
}

// ModificationResult is the response contract for one modification attempt.
// Failures always carry ErrorMessage; a parked request carries the payment
// fields and a Stripe checkout URL.
type ModificationResult struct {
	Success         bool                 `json:"success"`
	ModificationID  string               `json:"modification_id,omitempty"`
	Status          string               `json:"status,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	RequiresPayment bool                 `json:"requires_payment,omitempty"`
	PaymentAmount   int64                `json:"payment_amount_cents,omitempty"`
	PaymentURL      string               `json:"payment_url,omitempty"`
	RequiresRefund  bool                 `json:"requires_refund,omitempty"`
	RefundAmount    int64                `json:"refund_amount_cents,omitempty"`
	Reservation     *ReservationSnapshot `json:"reservation,omitempty"`
}

// ReservationSnapshot is the post-modification view of the reservation
// returned to callers.
type ReservationSnapshot struct {
	Code          string    `json:"code"`
	Date          time.Time `json:"date"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	PartySize     int       `json:"party_size"`
	MealServiceID int64     `json:"meal_service_id"`
	TableID       *int64    `json:"table_id,omitempty"`
	SectionID     *int64    `json:"section_id,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amount_cents"`
}
