package db

import "time"

// Slot statuses. BLOCKED and MAINTENANCE are administrative states and are
// never entered through the booking path.
const (
	SlotAvailable   = "AVAILABLE"
	SlotHeld        = "HELD"
	SlotReserved    = "RESERVED"
	SlotBlocked     = "BLOCKED"
	SlotMaintenance = "MAINTENANCE"
)

// Slot is one bookable (table, date, time window) unit. Rows are created
// lazily on the first hold or reserve attempt and are never deleted, only
// transitioned.
type Slot struct {
	ID            int64
	RestaurantID  int64
	TableID       int64
	Date          time.Time
	StartTime     time.Time
	EndTime       time.Time
	Status        string
	ReservationID *int64
	HoldExpiresAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Hold is an ephemeral claim on a slot tied to a pending modification
// request. At most one live (unexpired) hold exists per slot.
type Hold struct {
	ID            int64
	RequestID     string
	SlotID        int64
	HoldExpiresAt time.Time
	CreatedAt     time.Time
}

// CapacityRecord is the buffet seat ledger for one (restaurant, meal
// service, date). booked_seats is clamped at zero on release; the upper
// bound is intentionally not enforced at booking time.
type CapacityRecord struct {
	ID            int64
	RestaurantID  int64
	MealServiceID int64
	Date          time.Time
	TotalSeats    int
	BookedSeats   int
	IsEnabled     bool
	UpdatedAt     time.Time
}

// TableSet statuses.
const (
	TableSetActive       = "ACTIVE"
	TableSetPendingMerge = "PENDING_MERGE"
	TableSetDissolved    = "DISSOLVED"
)

// TableSet is a merge of multiple physical tables serving one large-party
// reservation. A merged configuration cannot survive a table or section
// reassignment, so the coordinator dissolves it as a whole.
type TableSet struct {
	ID             int64
	ReservationID  int64
	TableIDs       []int64
	SlotIDs        []int64
	PrimaryTableID int64
	Status         string
	DissolvedAt    *time.Time
	DissolvedBy    string
	CreatedAt      time.Time
}

// Modification request statuses.
const (
	ModPending        = "PENDING"
	ModProcessing     = "PROCESSING"
	ModPaymentPending = "PAYMENT_PENDING"
	ModPaymentFailed  = "PAYMENT_FAILED"
	ModCompleted      = "COMPLETED"
	ModRejected       = "REJECTED"
)

// ModificationRequest is the durable record of one edit attempt against a
// confirmed reservation. Original* fields snapshot the reservation at
// request time; New* fields carry the requested values (nil when the field
// is not being edited).
type ModificationRequest struct {
	ID            string
	ReservationID int64
	RequestedBy   string
	Status        string

	OriginalDate          time.Time
	OriginalPartySize     int
	OriginalMealServiceID int64
	OriginalTableID       *int64
	OriginalSectionID     *int64
	OriginalNotes         string

	NewDate          *time.Time
	NewPartySize     *int
	NewMealServiceID *int64
	NewTableID       *int64
	NewSectionID     *int64
	NewNotes         *string
	NewPromoCode     *string

	SeatsReleased             int
	SeatsReserved             int
	PriceDifference           int64
	AdditionalPaymentRequired int64
	RefundRequired            int64
	StripeSessionID           string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusHistory records one status transition of a modification request.
type StatusHistory struct {
	ID             string
	ModificationID string
	PreviousStatus string
	NewStatus      string
	Reason         string
	Actor          string
	CreatedAt      time.Time
}

// ModificationHistory records the before/after field snapshots once a
// modification has been applied to the reservation row.
type ModificationHistory struct {
	ID             int64
	ModificationID string
	ReservationID  int64
	BeforeDate     time.Time
	AfterDate      time.Time
	BeforeParty    int
	AfterParty     int
	BeforeTableID  *int64
	AfterTableID   *int64
	CreatedAt      time.Time
}

// Compensation is one recorded inverse action for a committed side effect
// of a modification. Pending rows are replayed when a later step fails or
// after a crash.
type Compensation struct {
	ID             int64
	ModificationID string
	Kind           string
	Payload        []byte
	Applied        bool
	CreatedAt      time.Time
}

// Compensation kinds.
const (
	CompCapacityAdjust = "capacity_adjust"
	CompReleaseSlot    = "release_slot"
	CompReserveSlot    = "reserve_slot"
	CompRestoreSet     = "restore_set"
)

// Reservation statuses used by the coordinator's validation step.
const (
	ResConfirmed = "CONFIRMED"
	ResCancelled = "CANCELLED"
	ResNoShow    = "NO_SHOW"
	ResCompleted = "COMPLETED"
)

// Reservation is the confirmed booking row the coordinator edits. Buffet
// reservations have no table; table reservations reference a table and a
// section.
type Reservation struct {
	ID              int64
	Code            string
	RestaurantID    int64
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	Date            time.Time
	StartTime       time.Time
	EndTime         time.Time
	PartySize       int
	MealServiceID   int64
	TableID         *int64
	SectionID       *int64
	Notes           string
	PromoCode       string
	Status          string
	AmountCents     int64
	StripeSessionID string
	Language        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Directory rows. Read-only to the core.

type Restaurant struct {
	ID           int64
	Name         string
	Capacity     int
	DwellMinutes int
}

type Table struct {
	ID        int64
	SectionID int64
	Name      string
	Seats     int
	IsActive  bool
}

type Section struct {
	ID           int64
	RestaurantID int64
	Name         string
}

type MealService struct {
	ID           int64
	RestaurantID int64
	Name         string
	StartTime    string // "HH:MM", combined with the reservation date
	EndTime      string
	IsBuffet     bool
}

// RefundPolicy gates edits: a modification must happen before the service
// start minus FullRefundBeforeMinutes.
type RefundPolicy struct {
	ID                      int64
	RestaurantID            int64
	MealServiceID           int64
	FullRefundBeforeMinutes int
}

// PromoCode is a discount configuration. Validation is re-run against the
// new party size and date whenever a modification changes either.
type PromoCode struct {
	ID           int64
	Code         string
	DiscountPct  int
	MinPartySize int
	ValidFrom    time.Time
	ValidUntil   time.Time
	IsActive     bool
}
