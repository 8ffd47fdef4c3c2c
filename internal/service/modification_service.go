package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"prenotazioni/internal/db"
	"prenotazioni/internal/entities"
	apperrors "prenotazioni/internal/errors"
)

// ChangeSet is the compiled edit intent of one modification request.
// Fields are nil when the requested value equals the current reservation
// value, so the coordinator dispatches on a closed set of real changes.
type ChangeSet struct {
	Date        *time.Time
	PartySize   *int
	MealService *int64
	Table       *int64
	Section     *int64
	Notes       *string
	Promo       *string
}

// Empty reports a no-op edit.
func (c ChangeSet) Empty() bool {
	return c.Date == nil && c.PartySize == nil && c.MealService == nil &&
		c.Table == nil && c.Section == nil && c.Notes == nil && c.Promo == nil
}

// DateOrMealChanged selects the release-and-reacquire capacity path.
func (c ChangeSet) DateOrMealChanged() bool { return c.Date != nil || c.MealService != nil }

// TableOrSectionChanged selects the slot release-and-reacquire path and
// forces table-set dissolution.
func (c ChangeSet) TableOrSectionChanged() bool { return c.Table != nil || c.Section != nil }

// CompileChangeSet diffs the request against the reservation. Requested
// values equal to the current ones are dropped.
func CompileChangeSet(res *db.Reservation, req *entities.ModificationRequest) ChangeSet {
	var c ChangeSet
	if req.NewDate != nil && !sameDay(*req.NewDate, res.Date) {
		d := *req.NewDate
		c.Date = &d
	}
	if req.NewPartySize != nil && *req.NewPartySize != res.PartySize {
		n := *req.NewPartySize
		c.PartySize = &n
	}
	if req.NewMealService != nil && *req.NewMealService != res.MealServiceID {
		id := *req.NewMealService
		c.MealService = &id
	}
	if req.NewTableID != nil && (res.TableID == nil || *req.NewTableID != *res.TableID) {
		id := *req.NewTableID
		c.Table = &id
	}
	if req.NewSectionID != nil && (res.SectionID == nil || *req.NewSectionID != *res.SectionID) {
		id := *req.NewSectionID
		c.Section = &id
	}
	if req.NewNotes != nil && *req.NewNotes != res.Notes {
		s := *req.NewNotes
		c.Notes = &s
	}
	if req.PromoCode != "" && req.PromoCode != res.PromoCode {
		p := req.PromoCode
		c.Promo = &p
	}
	return c
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ModificationStore is the durable surface for requests, history,
// compensations and the reservation rows being edited.
type ModificationStore interface {
	Create(ctx context.Context, m *db.ModificationRequest) error
	GetByID(ctx context.Context, id string) (*db.ModificationRequest, error)
	GetByStripeSession(ctx context.Context, sessionID string) (*db.ModificationRequest, error)
	TransitionStatus(ctx context.Context, id, from, to, reason, actor string) (bool, error)
	SetPricing(ctx context.Context, id string, priceDifference, additionalPayment, refund int64) error
	SetSeatMovement(ctx context.Context, id string, released, reserved int) error
	SetResolvedAssignment(ctx context.Context, id string, tableID, sectionID int64) error
	SetStripeSession(ctx context.Context, id, sessionID string) error
	AddCompensation(ctx context.Context, modificationID, kind string, payload []byte) error
	PendingCompensations(ctx context.Context, modificationID string) ([]db.Compensation, error)
	MarkCompensationApplied(ctx context.Context, id int64) error
	ClearCompensations(ctx context.Context, modificationID string) error
	StalledRequests(ctx context.Context, before time.Time) ([]string, error)
	GetReservationByCode(ctx context.Context, code string) (*db.Reservation, error)
	GetReservationByID(ctx context.Context, id int64) (*db.Reservation, error)
	ApplyReservationChanges(ctx context.Context, m *db.ModificationRequest, updated *db.Reservation) error
}

// Directory is the read-only restaurant configuration surface.
type Directory interface {
	GetRestaurant(ctx context.Context, id int64) (*db.Restaurant, error)
	GetTable(ctx context.Context, id int64) (*db.Table, error)
	GetSection(ctx context.Context, id int64) (*db.Section, error)
	GetMealService(ctx context.Context, id int64) (*db.MealService, error)
	GetRefundPolicy(ctx context.Context, restaurantID, mealServiceID int64) (*db.RefundPolicy, error)
}

// SeatLedger is the buffet capacity surface the coordinator adjusts.
type SeatLedger interface {
	Reserve(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, n int) (*db.CapacityRecord, error)
	Release(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, n int) (*db.CapacityRecord, error)
	Adjust(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, delta int) (*db.CapacityRecord, error)
}

// SlotEngine is the table-slot surface the coordinator drives.
type SlotEngine interface {
	Hold(ctx context.Context, p HoldParams) (*db.Slot, error)
	Reserve(ctx context.Context, slotID, reservationID int64, requestID string) (*db.Slot, error)
	ReserveByKey(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, reservationID int64, requestID string) (*db.Slot, error)
	Release(ctx context.Context, slotID int64) error
}

// SetDissolver dissolves merged-table assignments and restores them when
// a failed modification is compensated.
type SetDissolver interface {
	DissolveActiveSets(ctx context.Context, reservationID int64, reason, actor string) ([]db.TableSet, error)
	Reactivate(ctx context.Context, setID int64) error
}

// TableLocator finds a table automatically when the section changes.
type TableLocator interface {
	Find(ctx context.Context, p FindParams) (*db.Table, error)
}

// PaymentGateway gates the PAYMENT_PENDING transition.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, amountCents int64, currency, description, customerEmail string) (url, sessionID string, err error)
	RefundBySession(ctx context.Context, sessionID string, amountCents int64) error
}

// CompletionNotifier publishes/sends post-completion signals. Failures are
// logged, never fatal.
type CompletionNotifier interface {
	ModificationCompleted(ctx context.Context, res *db.Reservation, m *db.ModificationRequest)
}

// AvailabilityInvalidator drops cached availability views after a slot
// mutation so the next read recomputes from rows.
type AvailabilityInvalidator interface {
	InvalidateSlot(ctx context.Context, restaurantID, tableID, sectionID int64, date time.Time)
}

// ModificationService orchestrates the end-to-end state machine for
// editing a confirmed reservation: validate, re-derive resource needs,
// adjust capacity or slots, price, gate on payment, apply, record history.
// Side effects commit as local atomic transactions; each one records an
// inverse in the compensation log, replayed when a later step fails.
type ModificationService struct {
	Store      ModificationStore
	Directory  Directory
	Capacity   SeatLedger
	Slots      SlotEngine
	SlotReader SlotLister
	Sets       SetDissolver
	Finder     TableLocator
	Pricer     Pricer
	Payments   PaymentGateway
	Notifier   CompletionNotifier
	Cache      AvailabilityInvalidator
}

func NewModificationService(store ModificationStore, dir Directory, capacity SeatLedger, slots SlotEngine, slotReader SlotLister, sets SetDissolver, finder TableLocator, pricer Pricer, payments PaymentGateway, notifier CompletionNotifier, cache AvailabilityInvalidator) *ModificationService {
	return &ModificationService{
		Store:      store,
		Directory:  dir,
		Capacity:   capacity,
		Slots:      slots,
		SlotReader: slotReader,
		Sets:       sets,
		Finder:     finder,
		Pricer:     pricer,
		Payments:   payments,
		Notifier:   notifier,
		Cache:      cache,
	}
}

// Modify runs one modification request to completion, to PAYMENT_PENDING,
// or to REJECTED. Validation failures return the typed error before any
// mutation; failures after the request record exists also return a result
// carrying the modification ID.
func (s *ModificationService) Modify(ctx context.Context, req *entities.ModificationRequest) (*entities.ModificationResult, error) {
	res, err := s.Store.GetReservationByCode(ctx, req.ReservationCode)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperrors.NewNotFound("reservation", req.ReservationCode)
	}
	switch res.Status {
	case db.ResCancelled, db.ResNoShow, db.ResCompleted:
		return nil, apperrors.NewInvalidState("reservation", res.Status)
	}

	changes := CompileChangeSet(res, req)
	if changes.Empty() {
		return nil, apperrors.ErrNoChange
	}

	targetMealID := res.MealServiceID
	if changes.MealService != nil {
		targetMealID = *changes.MealService
	}
	meal, err := s.Directory.GetMealService(ctx, targetMealID)
	if err != nil {
		return nil, err
	}
	if meal == nil {
		return nil, apperrors.NewNotFound("meal service", fmt.Sprint(targetMealID))
	}

	targetDate := res.Date
	if changes.Date != nil {
		targetDate = *changes.Date
	}
	if err := s.checkRefundWindow(ctx, res.RestaurantID, meal, targetDate); err != nil {
		return nil, err
	}

	m := buildRequestRecord(res, req, changes)
	if err := s.Store.Create(ctx, m); err != nil {
		return nil, err
	}
	if _, err := s.Store.TransitionStatus(ctx, m.ID, db.ModPending, db.ModProcessing, "validation passed", m.RequestedBy); err != nil {
		return nil, err
	}

	var result *entities.ModificationResult
	if meal.IsBuffet {
		result, err = s.runBuffetPath(ctx, m, res, meal, changes)
	} else {
		result, err = s.runTablePath(ctx, m, res, meal, changes)
	}
	if err != nil {
		s.reject(ctx, m, err)
		return failureWithID(m.ID, err), err
	}
	return result, nil
}

func buildRequestRecord(res *db.Reservation, req *entities.ModificationRequest, changes ChangeSet) *db.ModificationRequest {
	m := &db.ModificationRequest{
		ReservationID:         res.ID,
		RequestedBy:           req.RequestedBy,
		OriginalDate:          res.Date,
		OriginalPartySize:     res.PartySize,
		OriginalMealServiceID: res.MealServiceID,
		OriginalTableID:       res.TableID,
		OriginalSectionID:     res.SectionID,
		OriginalNotes:         res.Notes,
		NewDate:               changes.Date,
		NewPartySize:          changes.PartySize,
		NewMealServiceID:      changes.MealService,
		NewTableID:            changes.Table,
		NewSectionID:          changes.Section,
		NewNotes:              changes.Notes,
		NewPromoCode:          changes.Promo,
	}
	return m
}

// checkRefundWindow rejects edits issued after serviceStart minus the
// configured full-refund window, relative to the target date and meal.
func (s *ModificationService) checkRefundWindow(ctx context.Context, restaurantID int64, meal *db.MealService, targetDate time.Time) error {
	policy, err := s.Directory.GetRefundPolicy(ctx, restaurantID, meal.ID)
	if err != nil {
		return err
	}
	if policy == nil {
		return nil
	}
	serviceStart, err := combineDateTime(targetDate, meal.StartTime)
	if err != nil {
		return err
	}
	cutoff := serviceStart.Add(-time.Duration(policy.FullRefundBeforeMinutes) * time.Minute)
	if !time.Now().UTC().Before(cutoff) {
		return apperrors.NewInvalidState("modification window", "closed")
	}
	return nil
}

func combineDateTime(date time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad service time %q: %w", hhmm, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
}

// --- buffet path ---

func (s *ModificationService) runBuffetPath(ctx context.Context, m *db.ModificationRequest, res *db.Reservation, meal *db.MealService, changes ChangeSet) (*entities.ModificationResult, error) {
	if err := s.capacityStep(ctx, m, res, changes); err != nil {
		return nil, err
	}

	quote, addl, refund, err := s.pricingStep(ctx, m, res, meal, changes)
	if err != nil {
		return nil, err
	}

	if addl > 0 {
		return s.parkForPayment(ctx, m, res, addl)
	}
	if refund > 0 {
		if err := s.issueRefund(ctx, res, refund); err != nil {
			return nil, err
		}
	}
	return s.finalize(ctx, m, res, meal, changes, quote)
}

// capacityStep moves buffet seats between ledger rows. It is invoked
// again after an async payment, so it consults the recorded seat movement
// and becomes a no-op on the second call with unchanged inputs.
func (s *ModificationService) capacityStep(ctx context.Context, m *db.ModificationRequest, res *db.Reservation, changes ChangeSet) error {
	if m.SeatsReserved != 0 || m.SeatsReleased != 0 {
		return nil // already applied
	}
	newParty := res.PartySize
	if changes.PartySize != nil {
		newParty = *changes.PartySize
	}
	targetDate := res.Date
	if changes.Date != nil {
		targetDate = *changes.Date
	}
	targetMeal := res.MealServiceID
	if changes.MealService != nil {
		targetMeal = *changes.MealService
	}

	if changes.DateOrMealChanged() {
		if _, err := s.Capacity.Release(ctx, res.RestaurantID, res.MealServiceID, res.Date, res.PartySize); err != nil {
			return err
		}
		s.recordCapacityComp(ctx, m.ID, res.RestaurantID, res.MealServiceID, res.Date, res.PartySize)
		if _, err := s.Capacity.Reserve(ctx, res.RestaurantID, targetMeal, targetDate, newParty); err != nil {
			return err
		}
		s.recordCapacityComp(ctx, m.ID, res.RestaurantID, targetMeal, targetDate, -newParty)
		return s.Store.SetSeatMovement(ctx, m.ID, res.PartySize, newParty)
	}

	// Same date and meal: adjust only the delta.
	delta := newParty - res.PartySize
	if delta == 0 {
		return nil
	}
	if _, err := s.Capacity.Adjust(ctx, res.RestaurantID, targetMeal, targetDate, delta); err != nil {
		return err
	}
	s.recordCapacityComp(ctx, m.ID, res.RestaurantID, targetMeal, targetDate, -delta)
	released, reserved := 0, delta
	if delta < 0 {
		released, reserved = -delta, 0
	}
	return s.Store.SetSeatMovement(ctx, m.ID, released, reserved)
}

type capacityCompPayload struct {
	RestaurantID  int64     `json:"restaurant_id"`
	MealServiceID int64     `json:"meal_service_id"`
	Date          time.Time `json:"date"`
	Delta         int       `json:"delta"`
}

func (s *ModificationService) recordCapacityComp(ctx context.Context, modID string, restaurantID, mealServiceID int64, date time.Time, delta int) {
	payload, err := json.Marshal(capacityCompPayload{RestaurantID: restaurantID, MealServiceID: mealServiceID, Date: date, Delta: delta})
	if err == nil {
		err = s.Store.AddCompensation(ctx, modID, db.CompCapacityAdjust, payload)
	}
	if err != nil {
		log.Printf("modification %s: failed to record capacity compensation: %v", modID, err)
	}
}

// --- table path ---

func (s *ModificationService) runTablePath(ctx context.Context, m *db.ModificationRequest, res *db.Reservation, meal *db.MealService, changes ChangeSet) (*entities.ModificationResult, error) {
	rest, err := s.Directory.GetRestaurant(ctx, res.RestaurantID)
	if err != nil {
		return nil, err
	}
	if rest == nil {
		return nil, apperrors.NewNotFound("restaurant", fmt.Sprint(res.RestaurantID))
	}
	dwell := time.Duration(rest.DwellMinutes) * time.Minute
	if rest.DwellMinutes <= 0 {
		dwell = DefaultDwellMinutes * time.Minute
	}

	targetDate := res.Date
	if changes.Date != nil {
		targetDate = *changes.Date
	}
	targetStart, targetEnd := res.StartTime, res.EndTime
	if changes.Date != nil {
		targetStart = moveToDate(res.StartTime, targetDate)
		targetEnd = moveToDate(res.EndTime, targetDate)
	}

	needsMove := changes.TableOrSectionChanged() || changes.Date != nil
	var newSlotID int64

	if needsMove {
		// A merged configuration cannot survive a reassignment. The set
		// comp goes in before its slot comps so the newest-first replay
		// re-reserves the slots and then reactivates the set.
		if changes.Section != nil || changes.Table != nil {
			dissolved, err := s.Sets.DissolveActiveSets(ctx, res.ID, "reassignment", m.RequestedBy)
			if err != nil {
				return nil, err
			}
			for _, set := range dissolved {
				s.recordSetComp(ctx, m.ID, set.ID)
				for _, slotID := range set.SlotIDs {
					s.recordSlotComp(ctx, m.ID, db.CompReserveSlot, slotID, res.ID)
				}
			}
		}

		table, err := s.resolveTargetTable(ctx, m, res, changes, targetDate, targetStart, targetEnd, dwell)
		if err != nil {
			return nil, err
		}

		// Hold then reserve: the hold protects the slot while the rest of
		// the pipeline runs, and the reserve consumes our own hold.
		held, err := s.Slots.Hold(ctx, HoldParams{
			RestaurantID: res.RestaurantID,
			TableID:      table.ID,
			Date:         targetDate,
			StartTime:    targetStart,
			EndTime:      targetEnd,
			RequestID:    m.ID,
		})
		if err != nil {
			return nil, err
		}
		reserved, err := s.Slots.Reserve(ctx, held.ID, res.ID, m.ID)
		if err != nil {
			return nil, err
		}
		newSlotID = reserved.ID
		s.recordSlotComp(ctx, m.ID, db.CompReleaseSlot, reserved.ID, res.ID)

		if err := s.releasePreviousSlot(ctx, m, res); err != nil {
			return nil, err
		}

		sectionID := table.SectionID
		m.NewTableID = &table.ID
		m.NewSectionID = &sectionID
		changes.Table = &table.ID
		changes.Section = &sectionID

		if s.Cache != nil {
			if res.TableID != nil {
				oldSection := int64(0)
				if res.SectionID != nil {
					oldSection = *res.SectionID
				}
				s.Cache.InvalidateSlot(ctx, res.RestaurantID, *res.TableID, oldSection, res.Date)
			}
			s.Cache.InvalidateSlot(ctx, res.RestaurantID, table.ID, sectionID, targetDate)
		}

		// Survives a payment pause; the resume path rebuilds the change
		// set from the stored record.
		if err := s.Store.SetResolvedAssignment(ctx, m.ID, table.ID, sectionID); err != nil {
			return nil, err
		}
	}

	quote, addl, refund, err := s.pricingStep(ctx, m, res, meal, changes)
	if err != nil {
		return nil, err
	}
	if addl > 0 {
		return s.parkForPayment(ctx, m, res, addl)
	}
	if refund > 0 {
		if err := s.issueRefund(ctx, res, refund); err != nil {
			return nil, err
		}
	}
	result, err := s.finalize(ctx, m, res, meal, changes, quote)
	if err != nil && newSlotID != 0 {
		log.Printf("modification %s: finalize failed after slot %d reserved", m.ID, newSlotID)
	}
	return result, err
}

// resolveTargetTable returns the explicitly requested table, or searches
// the target section when the section changed without a table choice.
func (s *ModificationService) resolveTargetTable(ctx context.Context, m *db.ModificationRequest, res *db.Reservation, changes ChangeSet, date, start, end time.Time, dwell time.Duration) (*db.Table, error) {
	newParty := res.PartySize
	if changes.PartySize != nil {
		newParty = *changes.PartySize
	}

	if changes.Table != nil {
		table, err := s.Directory.GetTable(ctx, *changes.Table)
		if err != nil {
			return nil, err
		}
		if table == nil {
			return nil, apperrors.NewNotFound("table", fmt.Sprint(*changes.Table))
		}
		// The finder path filters candidates itself; an explicitly
		// requested table gets the same overlap and dwell checks here.
		detector := NewConflictDetector(s.SlotReader)
		overlap, err := detector.HasOverlap(ctx, table.ID, date, start, end, &res.ID)
		if err != nil {
			return nil, err
		}
		if overlap {
			return nil, apperrors.NewConflict("table %d already has a booking overlapping [%s, %s)",
				table.ID, start.Format("15:04"), end.Format("15:04"))
		}
		cand := []CandidateSlot{{TableID: table.ID, StartTime: start, EndTime: end}}
		kept, err := detector.FilterByDwellConflicts(ctx, res.RestaurantID, date, cand, dwell, &res.ID)
		if err != nil {
			return nil, err
		}
		if len(kept) == 0 {
			return nil, apperrors.NewConflict("table %d is occupied within the dwell buffer around [%s, %s)",
				table.ID, start.Format("15:04"), end.Format("15:04"))
		}
		return table, nil
	}

	sectionID := res.SectionID
	if changes.Section != nil {
		sectionID = changes.Section
	}
	if sectionID == nil {
		return nil, apperrors.NewNotFound("section", "reservation has no section")
	}
	if sec, err := s.Directory.GetSection(ctx, *sectionID); err != nil {
		return nil, err
	} else if sec == nil {
		return nil, apperrors.NewNotFound("section", fmt.Sprint(*sectionID))
	}

	return s.Finder.Find(ctx, FindParams{
		RestaurantID:         res.RestaurantID,
		SectionID:            *sectionID,
		Date:                 date,
		StartTime:            start,
		EndTime:              end,
		PartySize:            newParty,
		Dwell:                dwell,
		ExcludeReservationID: &res.ID,
	})
}

// releasePreviousSlot frees the slot the reservation held on its previous
// table, when one exists.
func (s *ModificationService) releasePreviousSlot(ctx context.Context, m *db.ModificationRequest, res *db.Reservation) error {
	if res.TableID == nil {
		return nil
	}
	prev, err := s.findReservationSlot(ctx, res)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if err := s.Slots.Release(ctx, prev.ID); err != nil {
		return err
	}
	s.recordSlotComp(ctx, m.ID, db.CompReserveSlot, prev.ID, res.ID)
	return nil
}

// findReservationSlot locates the RESERVED slot owned by the reservation
// on its current table and window.
func (s *ModificationService) findReservationSlot(ctx context.Context, res *db.Reservation) (*db.Slot, error) {
	slots, err := s.SlotReader.ListForTableDate(ctx, *res.TableID, res.Date)
	if err != nil {
		return nil, err
	}
	for i := range slots {
		sl := slots[i]
		if sl.Status == db.SlotReserved && sl.ReservationID != nil && *sl.ReservationID == res.ID {
			return &sl, nil
		}
	}
	return nil, nil
}

type slotCompPayload struct {
	SlotID        int64 `json:"slot_id"`
	ReservationID int64 `json:"reservation_id"`
}

type setCompPayload struct {
	SetID int64 `json:"set_id"`
}

func (s *ModificationService) recordSetComp(ctx context.Context, modID string, setID int64) {
	payload, err := json.Marshal(setCompPayload{SetID: setID})
	if err == nil {
		err = s.Store.AddCompensation(ctx, modID, db.CompRestoreSet, payload)
	}
	if err != nil {
		log.Printf("modification %s: failed to record set compensation: %v", modID, err)
	}
}

func (s *ModificationService) recordSlotComp(ctx context.Context, modID, kind string, slotID, reservationID int64) {
	payload, err := json.Marshal(slotCompPayload{SlotID: slotID, ReservationID: reservationID})
	if err == nil {
		err = s.Store.AddCompensation(ctx, modID, kind, payload)
	}
	if err != nil {
		log.Printf("modification %s: failed to record slot compensation: %v", modID, err)
	}
}

// --- shared pipeline tail ---

// pricingStep invokes the pricing collaborator against the target
// configuration and derives the payment delta. A promo supplied with the
// edit must validate or the edit fails; a promo carried over from the
// reservation is dropped silently when the new configuration rejects it.
func (s *ModificationService) pricingStep(ctx context.Context, m *db.ModificationRequest, res *db.Reservation, meal *db.MealService, changes ChangeSet) (*PriceQuote, int64, int64, error) {
	newParty := res.PartySize
	if changes.PartySize != nil {
		newParty = *changes.PartySize
	}
	targetDate := res.Date
	if changes.Date != nil {
		targetDate = *changes.Date
	}

	promo := res.PromoCode
	if changes.Promo != nil {
		promo = *changes.Promo
		if err := s.Pricer.ValidatePromoCode(ctx, promo, newParty, targetDate); err != nil {
			return nil, 0, 0, err
		}
	} else if promo != "" && (changes.PartySize != nil || changes.Date != nil) {
		if err := s.Pricer.ValidatePromoCode(ctx, promo, newParty, targetDate); err != nil {
			log.Printf("modification %s: promo %q no longer valid, repricing without it: %v", m.ID, promo, err)
			promo = ""
		}
	}

	quote, err := s.Pricer.ComputePrice(ctx, meal, newParty, promo)
	if err != nil {
		return nil, 0, 0, err
	}

	diff := quote.AmountCents - res.AmountCents
	var addl, refund int64
	if diff > 0 {
		addl = diff
	} else if diff < 0 {
		refund = -diff
	}
	m.PriceDifference = diff
	m.AdditionalPaymentRequired = addl
	m.RefundRequired = refund
	if err := s.Store.SetPricing(ctx, m.ID, diff, addl, refund); err != nil {
		return nil, 0, 0, err
	}
	return quote, addl, refund, nil
}

// parkForPayment creates the checkout session and leaves the request at
// PAYMENT_PENDING until the gateway callback resumes it.
func (s *ModificationService) parkForPayment(ctx context.Context, m *db.ModificationRequest, res *db.Reservation, amount int64) (*entities.ModificationResult, error) {
	desc := fmt.Sprintf("Reservation %s modification %s", res.Code, m.ID)
	url, sessionID, err := s.Payments.CreateCheckoutSession(ctx, amount, "eur", desc, res.CustomerEmail)
	if err != nil {
		return nil, apperrors.NewExternalFailure("payment gateway", err)
	}
	if err := s.Store.SetStripeSession(ctx, m.ID, sessionID); err != nil {
		return nil, err
	}
	if _, err := s.Store.TransitionStatus(ctx, m.ID, db.ModProcessing, db.ModPaymentPending, "additional payment required", m.RequestedBy); err != nil {
		return nil, err
	}
	return &entities.ModificationResult{
		Success:         true,
		ModificationID:  m.ID,
		Status:          db.ModPaymentPending,
		RequiresPayment: true,
		PaymentAmount:   amount,
		PaymentURL:      url,
	}, nil
}

func (s *ModificationService) issueRefund(ctx context.Context, res *db.Reservation, amount int64) error {
	if res.StripeSessionID == "" {
		return apperrors.NewExternalFailure("payment gateway",
			fmt.Errorf("no payment session on reservation %s to refund against", res.Code))
	}
	if err := s.Payments.RefundBySession(ctx, res.StripeSessionID, amount); err != nil {
		return apperrors.NewExternalFailure("payment gateway", err)
	}
	return nil
}

// finalize applies the edited fields and the history snapshot in one
// transaction, completes the request, and fires completion signals.
func (s *ModificationService) finalize(ctx context.Context, m *db.ModificationRequest, res *db.Reservation, meal *db.MealService, changes ChangeSet, quote *PriceQuote) (*entities.ModificationResult, error) {
	updated := *res
	if changes.Date != nil {
		updated.Date = *changes.Date
		updated.StartTime = moveToDate(res.StartTime, *changes.Date)
		updated.EndTime = moveToDate(res.EndTime, *changes.Date)
	}
	if changes.PartySize != nil {
		updated.PartySize = *changes.PartySize
	}
	if changes.MealService != nil {
		updated.MealServiceID = *changes.MealService
	}
	if changes.Table != nil {
		updated.TableID = changes.Table
	}
	if changes.Section != nil {
		updated.SectionID = changes.Section
	}
	if changes.Notes != nil {
		updated.Notes = *changes.Notes
	}
	if changes.Promo != nil {
		updated.PromoCode = *changes.Promo
	}
	if quote != nil {
		updated.AmountCents = quote.AmountCents
	} else if m.PriceDifference != 0 {
		updated.AmountCents = res.AmountCents + m.PriceDifference
	}

	if err := s.Store.ApplyReservationChanges(ctx, m, &updated); err != nil {
		return nil, err
	}
	if _, err := s.Store.TransitionStatus(ctx, m.ID, db.ModProcessing, db.ModCompleted, "modification applied", m.RequestedBy); err != nil {
		return nil, err
	}
	if err := s.Store.ClearCompensations(ctx, m.ID); err != nil {
		log.Printf("modification %s: failed to clear compensations: %v", m.ID, err)
	}
	if s.Notifier != nil {
		s.Notifier.ModificationCompleted(ctx, &updated, m)
	}

	return &entities.ModificationResult{
		Success:        true,
		ModificationID: m.ID,
		Status:         db.ModCompleted,
		RequiresRefund: m.RefundRequired > 0,
		RefundAmount:   m.RefundRequired,
		Reservation:    snapshot(&updated),
	}, nil
}

func moveToDate(t, date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), t.Second(), 0, t.Location())
}

func snapshot(res *db.Reservation) *entities.ReservationSnapshot {
	return &entities.ReservationSnapshot{
		Code:          res.Code,
		Date:          res.Date,
		StartTime:     res.StartTime,
		EndTime:       res.EndTime,
		PartySize:     res.PartySize,
		MealServiceID: res.MealServiceID,
		TableID:       res.TableID,
		SectionID:     res.SectionID,
		Notes:         res.Notes,
		Status:        res.Status,
		AmountCents:   res.AmountCents,
	}
}

// Get returns the request record for status polling.
func (s *ModificationService) Get(ctx context.Context, id string) (*db.ModificationRequest, error) {
	m, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperrors.NewNotFound("modification", id)
	}
	return m, nil
}

// --- payment callbacks ---

// ResumeAfterPayment is invoked by the payment webhook once the checkout
// session completes. The status predicate makes duplicate webhook
// deliveries harmless. The capacity step re-runs idempotently before the
// fields commit.
func (s *ModificationService) ResumeAfterPayment(ctx context.Context, sessionID string) error {
	m, err := s.Store.GetByStripeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if m == nil {
		return apperrors.NewNotFound("modification", sessionID)
	}
	ok, err := s.Store.TransitionStatus(ctx, m.ID, db.ModPaymentPending, db.ModProcessing, "payment confirmed", "stripe")
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("modification %s: duplicate or out-of-order payment callback ignored", m.ID)
		return nil
	}

	res, err := s.Store.GetReservationByID(ctx, m.ReservationID)
	if err != nil {
		return err
	}
	if res == nil {
		return apperrors.NewNotFound("reservation", fmt.Sprint(m.ReservationID))
	}
	changes := changeSetFromRecord(m)
	meal, err := s.Directory.GetMealService(ctx, targetMeal(m))
	if err != nil {
		return err
	}

	if meal.IsBuffet {
		if err := s.capacityStep(ctx, m, res, changes); err != nil {
			s.reject(ctx, m, err)
			return err
		}
	}
	if _, err := s.finalize(ctx, m, res, meal, changes, nil); err != nil {
		s.reject(ctx, m, err)
		return err
	}
	return nil
}

// PaymentFailed parks the request at PAYMENT_FAILED and unwinds committed
// side effects.
func (s *ModificationService) PaymentFailed(ctx context.Context, sessionID, reason string) error {
	m, err := s.Store.GetByStripeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if m == nil {
		return apperrors.NewNotFound("modification", sessionID)
	}
	ok, err := s.Store.TransitionStatus(ctx, m.ID, db.ModPaymentPending, db.ModPaymentFailed, reason, "stripe")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.compensate(ctx, m.ID)
	return nil
}

func targetMeal(m *db.ModificationRequest) int64 {
	if m.NewMealServiceID != nil {
		return *m.NewMealServiceID
	}
	return m.OriginalMealServiceID
}

func changeSetFromRecord(m *db.ModificationRequest) ChangeSet {
	return ChangeSet{
		Date:        m.NewDate,
		PartySize:   m.NewPartySize,
		MealService: m.NewMealServiceID,
		Table:       m.NewTableID,
		Section:     m.NewSectionID,
		Notes:       m.NewNotes,
		Promo:       m.NewPromoCode,
	}
}

// --- failure handling ---

// reject records the failure and replays pending compensations in reverse
// order of their effects.
func (s *ModificationService) reject(ctx context.Context, m *db.ModificationRequest, cause error) {
	s.compensate(ctx, m.ID)
	for _, from := range []string{db.ModProcessing, db.ModPaymentPending, db.ModPending} {
		if ok, err := s.Store.TransitionStatus(ctx, m.ID, from, db.ModRejected, cause.Error(), "coordinator"); err == nil && ok {
			return
		}
	}
	log.Printf("modification %s: could not transition to REJECTED after %v", m.ID, cause)
}

func (s *ModificationService) compensate(ctx context.Context, modID string) {
	comps, err := s.Store.PendingCompensations(ctx, modID)
	if err != nil {
		log.Printf("modification %s: failed to load compensations: %v", modID, err)
		return
	}
	for _, c := range comps {
		if err := s.applyCompensation(ctx, c); err != nil {
			log.Printf("modification %s: compensation %d (%s) failed: %v", modID, c.ID, c.Kind, err)
			continue
		}
		if err := s.Store.MarkCompensationApplied(ctx, c.ID); err != nil {
			log.Printf("modification %s: failed to mark compensation %d applied: %v", modID, c.ID, err)
		}
	}
}

func (s *ModificationService) applyCompensation(ctx context.Context, c db.Compensation) error {
	switch c.Kind {
	case db.CompCapacityAdjust:
		var p capacityCompPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return err
		}
		_, err := s.Capacity.Adjust(ctx, p.RestaurantID, p.MealServiceID, p.Date, p.Delta)
		return err
	case db.CompReleaseSlot:
		var p slotCompPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return err
		}
		return s.Slots.Release(ctx, p.SlotID)
	case db.CompReserveSlot:
		var p slotCompPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return err
		}
		_, err := s.Slots.Reserve(ctx, p.SlotID, p.ReservationID, "compensation")
		return err
	case db.CompRestoreSet:
		var p setCompPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return err
		}
		return s.Sets.Reactivate(ctx, p.SetID)
	default:
		return fmt.Errorf("unknown compensation kind %q", c.Kind)
	}
}

// RecoverStalled rejects PROCESSING requests untouched since the cutoff,
// replaying their compensations. Run periodically to clean up after
// crashes between committed side effects and the field commit.
func (s *ModificationService) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.Store.StalledRequests(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m, err := s.Store.GetByID(ctx, id)
		if err != nil || m == nil {
			log.Printf("recovery: failed to load modification %s: %v", id, err)
			continue
		}
		s.reject(ctx, m, errors.New("stalled in processing; recovered"))
	}
	return len(ids), nil
}

func failureWithID(id string, err error) *entities.ModificationResult {
	return &entities.ModificationResult{
		Success:        false,
		ModificationID: id,
		Status:         db.ModRejected,
		ErrorMessage:   err.Error(),
	}
}
