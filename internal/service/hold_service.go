package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"prenotazioni/internal/db"
	apperrors "prenotazioni/internal/errors"
)

// DefaultHoldTTLMinutes is how long a hold protects a slot before it
// becomes reclaimable.
const DefaultHoldTTLMinutes = 10

// SlotStore is the persistence surface of the hold manager. Transition
// methods return false when the conditional update matched no row, i.e.
// the caller lost the race or the slot state did not admit the move.
type SlotStore interface {
	GetByID(ctx context.Context, id int64) (*db.Slot, error)
	GetByKey(ctx context.Context, tableID int64, date, start, end time.Time) (*db.Slot, error)
	CreateHeld(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, requestID string, expiresAt time.Time) (*db.Slot, bool, error)
	ClaimHeld(ctx context.Context, slotID int64, requestID string, expiresAt time.Time) (bool, error)
	RenewHold(ctx context.Context, slotID int64, requestID string, expiresAt time.Time) (bool, error)
	Reserve(ctx context.Context, slotID, reservationID int64, requestID string) (bool, error)
	CreateReserved(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, reservationID int64) (*db.Slot, bool, error)
	Release(ctx context.Context, slotID int64) error
	SweepExpired(ctx context.Context, batchSize int, dryRun bool) ([]int64, error)
}

// HoldService creates, renews, steals and expires temporary TTL-backed
// holds on slots, and finalizes them into reservations. Per-row state
// decisions ride on the store's conditional updates; overlapping windows
// on the same table are rejected by the conflict detector before any row
// is touched, since a new window lazily creates its own row and the row
// CAS alone cannot see its neighbours.
type HoldService struct {
	Slots     SlotStore
	Conflicts *ConflictDetector
}

func NewHoldService(slots SlotStore, conflicts *ConflictDetector) *HoldService {
	return &HoldService{Slots: slots, Conflicts: conflicts}
}

// HoldParams identifies the slot to claim and the claiming request.
type HoldParams struct {
	RestaurantID int64
	TableID      int64
	Date         time.Time
	StartTime    time.Time
	EndTime      time.Time
	RequestID    string
	TTLMinutes   int
}

// Hold finds or lazily creates the slot row and claims it for the
// request. An AVAILABLE slot transitions to HELD; a HELD slot with an
// expired hold is stolen; anything else fails with SlotUnavailable.
func (s *HoldService) Hold(ctx context.Context, p HoldParams) (*db.Slot, error) {
	ttl := p.TTLMinutes
	if ttl <= 0 {
		ttl = DefaultHoldTTLMinutes
	}
	expiresAt := time.Now().UTC().Add(time.Duration(ttl) * time.Minute)

	conflicted, err := s.Conflicts.HasBookingConflict(ctx, p.TableID, p.Date, p.StartTime, p.EndTime, nil)
	if err != nil {
		return nil, err
	}
	if conflicted {
		return nil, apperrors.NewConflict("table %d already has a booking overlapping [%s, %s)",
			p.TableID, p.StartTime.Format("15:04"), p.EndTime.Format("15:04"))
	}

	slot, err := s.Slots.GetByKey(ctx, p.TableID, p.Date, p.StartTime, p.EndTime)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		created, ok, err := s.Slots.CreateHeld(ctx, p.RestaurantID, p.TableID, p.Date, p.StartTime, p.EndTime, p.RequestID, expiresAt)
		if err != nil {
			return nil, err
		}
		if ok {
			return created, nil
		}
		// Lost the creation race; the row exists now.
		slot, err = s.Slots.GetByKey(ctx, p.TableID, p.Date, p.StartTime, p.EndTime)
		if err != nil {
			return nil, err
		}
		if slot == nil {
			return nil, apperrors.NewNotFound("slot", "created concurrently then vanished")
		}
	}

	switch slot.Status {
	case db.SlotReserved, db.SlotBlocked, db.SlotMaintenance:
		return nil, apperrors.SlotUnavailable(slot.Status)
	}

	ok, err := s.Slots.ClaimHeld(ctx, slot.ID, p.RequestID, expiresAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Re-read for an accurate status in the error.
		if cur, gerr := s.Slots.GetByID(ctx, slot.ID); gerr == nil && cur != nil {
			return nil, apperrors.SlotUnavailable(cur.Status)
		}
		return nil, apperrors.SlotUnavailable(db.SlotHeld)
	}
	slot, err = s.Slots.GetByID(ctx, slot.ID)
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// Renew extends a live hold owned by the request. Expired or foreign
// holds cannot be renewed; acquire a fresh hold instead.
func (s *HoldService) Renew(ctx context.Context, slotID int64, requestID string, ttlMinutes int) error {
	if ttlMinutes <= 0 {
		ttlMinutes = DefaultHoldTTLMinutes
	}
	ok, err := s.Slots.RenewHold(ctx, slotID, requestID, time.Now().UTC().Add(time.Duration(ttlMinutes)*time.Minute))
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewConflict("hold on slot %d is not renewable by request %s", slotID, requestID)
	}
	return nil
}

// Reserve finalizes a slot for a reservation. RESERVED, BLOCKED and
// MAINTENANCE slots always reject; a live foreign hold rejects; an
// expired hold is overtaken.
func (s *HoldService) Reserve(ctx context.Context, slotID, reservationID int64, requestID string) (*db.Slot, error) {
	slot, err := s.Slots.GetByID(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, apperrors.NewNotFound("slot", fmt.Sprint(slotID))
	}
	switch slot.Status {
	case db.SlotReserved, db.SlotBlocked, db.SlotMaintenance:
		return nil, apperrors.SlotUnavailable(slot.Status)
	}
	ok, err := s.Slots.Reserve(ctx, slotID, reservationID, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if cur, gerr := s.Slots.GetByID(ctx, slotID); gerr == nil && cur != nil {
			return nil, apperrors.SlotUnavailable(cur.Status)
		}
		return nil, apperrors.SlotUnavailable(db.SlotHeld)
	}
	return s.Slots.GetByID(ctx, slotID)
}

// ReserveByKey reserves the slot for a (table, date, window), creating the
// row directly as RESERVED when it does not exist yet.
func (s *HoldService) ReserveByKey(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, reservationID int64, requestID string) (*db.Slot, error) {
	conflicted, err := s.Conflicts.HasBookingConflict(ctx, tableID, date, start, end, &reservationID)
	if err != nil {
		return nil, err
	}
	if conflicted {
		return nil, apperrors.NewConflict("table %d already has a booking overlapping [%s, %s)",
			tableID, start.Format("15:04"), end.Format("15:04"))
	}

	slot, err := s.Slots.GetByKey(ctx, tableID, date, start, end)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		created, ok, err := s.Slots.CreateReserved(ctx, restaurantID, tableID, date, start, end, reservationID)
		if err != nil {
			return nil, err
		}
		if ok {
			return created, nil
		}
		slot, err = s.Slots.GetByKey(ctx, tableID, date, start, end)
		if err != nil {
			return nil, err
		}
		if slot == nil {
			return nil, apperrors.NewNotFound("slot", "created concurrently then vanished")
		}
	}
	return s.Reserve(ctx, slot.ID, reservationID, requestID)
}

// Release returns a slot to AVAILABLE.
func (s *HoldService) Release(ctx context.Context, slotID int64) error {
	return s.Slots.Release(ctx, slotID)
}

// SweepExpired reclaims up to batchSize expired holds, oldest first. Safe
// to run concurrently; designed for the periodic job.
func (s *HoldService) SweepExpired(ctx context.Context, batchSize int, dryRun bool) ([]int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	ids, err := s.Slots.SweepExpired(ctx, batchSize, dryRun)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 && !dryRun {
		log.Printf("hold sweep: released %d expired holds", len(ids))
	}
	return ids, nil
}
