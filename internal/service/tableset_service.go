package service

import (
	"context"
	"log"

	"prenotazioni/internal/db"
)

// TableSetStore is the merged-table persistence surface.
type TableSetStore interface {
	ListActiveByReservation(ctx context.Context, reservationID int64) ([]db.TableSet, error)
	MarkDissolved(ctx context.Context, setID int64, reason, actor string) (bool, error)
	Reactivate(ctx context.Context, setID int64) (bool, error)
}

// SlotBatchReleaser releases a batch of slots back to AVAILABLE.
type SlotBatchReleaser interface {
	ReleaseMany(ctx context.Context, slotIDs []int64) error
}

// TableSetService dissolves merged-table assignments. A merged
// configuration is table- and section-specific; a reassignment cannot
// preserve part of it, so every slot of every table in the set is
// released.
type TableSetService struct {
	Sets  TableSetStore
	Slots SlotBatchReleaser
}

func NewTableSetService(sets TableSetStore, slots SlotBatchReleaser) *TableSetService {
	return &TableSetService{Sets: sets, Slots: slots}
}

// DissolveActiveSets releases all slots of every ACTIVE or PENDING_MERGE
// set owned by the reservation and marks the sets DISSOLVED. It returns
// the dissolved sets so the caller can record compensations for both the
// slots and the set rows.
func (s *TableSetService) DissolveActiveSets(ctx context.Context, reservationID int64, reason, actor string) ([]db.TableSet, error) {
	sets, err := s.Sets.ListActiveByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	var dissolved []db.TableSet
	for _, set := range sets {
		if err := s.Slots.ReleaseMany(ctx, set.SlotIDs); err != nil {
			return dissolved, err
		}
		ok, err := s.Sets.MarkDissolved(ctx, set.ID, reason, actor)
		if err != nil {
			return dissolved, err
		}
		if !ok {
			// Another dissolution won; the slots are already free.
			log.Printf("table set %d already dissolved", set.ID)
			continue
		}
		dissolved = append(dissolved, set)
	}
	return dissolved, nil
}

// Reactivate restores a DISSOLVED set to ACTIVE when the dissolution is
// being compensated. A set that is no longer DISSOLVED needs no restore.
func (s *TableSetService) Reactivate(ctx context.Context, setID int64) error {
	ok, err := s.Sets.Reactivate(ctx, setID)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("table set %d not dissolved, nothing to restore", setID)
	}
	return nil
}
