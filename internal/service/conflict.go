package service

import (
	"context"
	"time"

	"prenotazioni/internal/db"
)

// DefaultDwellMinutes is the fallback table-occupancy buffer when the
// restaurant does not configure one.
const DefaultDwellMinutes = 90

// SlotLister is the read surface the conflict detector needs.
type SlotLister interface {
	ListForTableDate(ctx context.Context, tableID int64, date time.Time) ([]db.Slot, error)
	ListForRestaurantDate(ctx context.Context, restaurantID int64, date time.Time) ([]db.Slot, error)
}

// ConflictDetector evaluates raw time overlap and dwell-time buffer
// conflicts against existing slots. Both checks are required: raw overlap
// alone under-counts true occupancy because a party dwells at the table
// longer than the nominal slot.
type ConflictDetector struct {
	Slots SlotLister
}

func NewConflictDetector(slots SlotLister) *ConflictDetector {
	return &ConflictDetector{Slots: slots}
}

// Overlaps reports whether [aStart, aEnd) intersects [bStart, bEnd).
// Identical windows always conflict; windows that merely touch do not.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// blocksBooking reports whether an existing slot counts as occupancy for
// conflict purposes.
func blocksBooking(status string) bool {
	return status == db.SlotReserved || status == db.SlotHeld || status == db.SlotBlocked
}

// HasOverlap reports whether any existing RESERVED, HELD or BLOCKED slot
// for the table on that date intersects [newStart, newEnd). Slots owned by
// excludeReservationID are ignored so a reservation does not conflict with
// itself during a move.
func (d *ConflictDetector) HasOverlap(ctx context.Context, tableID int64, date, newStart, newEnd time.Time, excludeReservationID *int64) (bool, error) {
	slots, err := d.Slots.ListForTableDate(ctx, tableID, date)
	if err != nil {
		return false, err
	}
	return OverlapInSlots(slots, newStart, newEnd, excludeReservationID), nil
}

// OverlapInSlots is the pure core of HasOverlap.
func OverlapInSlots(slots []db.Slot, newStart, newEnd time.Time, excludeReservationID *int64) bool {
	for _, s := range slots {
		if !blocksBooking(s.Status) {
			continue
		}
		if excludeReservationID != nil && s.ReservationID != nil && *s.ReservationID == *excludeReservationID {
			continue
		}
		if Overlaps(s.StartTime, s.EndTime, newStart, newEnd) {
			return true
		}
	}
	return false
}

// HasBookingConflict reports whether taking a hold or reservation for
// [newStart, newEnd) on the table would intersect any other occupied
// window. The exact target window is skipped since its own row's state
// machine decides that case, and lapsed holds do not block.
func (d *ConflictDetector) HasBookingConflict(ctx context.Context, tableID int64, date, newStart, newEnd time.Time, excludeReservationID *int64) (bool, error) {
	slots, err := d.Slots.ListForTableDate(ctx, tableID, date)
	if err != nil {
		return false, err
	}
	return BookingConflictInSlots(slots, newStart, newEnd, excludeReservationID, time.Now().UTC()), nil
}

// BookingConflictInSlots is the pure core of HasBookingConflict.
func BookingConflictInSlots(slots []db.Slot, newStart, newEnd time.Time, excludeReservationID *int64, now time.Time) bool {
	for _, s := range slots {
		if !blocksBooking(s.Status) {
			continue
		}
		if s.Status == db.SlotHeld && s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(now) {
			continue // reclaimable
		}
		if s.StartTime.Equal(newStart) && s.EndTime.Equal(newEnd) {
			continue
		}
		if excludeReservationID != nil && s.ReservationID != nil && *s.ReservationID == *excludeReservationID {
			continue
		}
		if Overlaps(s.StartTime, s.EndTime, newStart, newEnd) {
			return true
		}
	}
	return false
}

// CandidateSlot is a prospective (table, window) assignment to be checked
// for dwell conflicts.
type CandidateSlot struct {
	TableID   int64
	StartTime time.Time
	EndTime   time.Time
}

// FilterByDwellConflicts recomputes each candidate's effective occupied
// window as [start, start+dwell) and discards candidates whose effective
// window intersects another occupancy's effective window on the same
// table. Slots owned by excludeReservationID are ignored.
func (d *ConflictDetector) FilterByDwellConflicts(ctx context.Context, restaurantID int64, date time.Time, candidates []CandidateSlot, dwell time.Duration, excludeReservationID *int64) ([]CandidateSlot, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	existing, err := d.Slots.ListForRestaurantDate(ctx, restaurantID, date)
	if err != nil {
		return nil, err
	}
	return FilterDwell(candidates, existing, dwell, excludeReservationID), nil
}

// FilterDwell is the pure core of FilterByDwellConflicts.
func FilterDwell(candidates []CandidateSlot, existing []db.Slot, dwell time.Duration, excludeReservationID *int64) []CandidateSlot {
	if dwell <= 0 {
		dwell = DefaultDwellMinutes * time.Minute
	}
	kept := make([]CandidateSlot, 0, len(candidates))
	for _, c := range candidates {
		candEnd := c.StartTime.Add(dwell)
		conflict := false
		for _, s := range existing {
			if s.TableID != c.TableID || !blocksBooking(s.Status) {
				continue
			}
			if excludeReservationID != nil && s.ReservationID != nil && *s.ReservationID == *excludeReservationID {
				continue
			}
			if Overlaps(c.StartTime, candEnd, s.StartTime, s.StartTime.Add(dwell)) {
				conflict = true
				break
			}
		}
		if !conflict {
			kept = append(kept, c)
		}
	}
	return kept
}
