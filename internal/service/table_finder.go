package service

import (
	"context"
	"sort"
	"time"

	"prenotazioni/internal/db"
	apperrors "prenotazioni/internal/errors"
)

// SectionTableLister lists the active tables of a section.
type SectionTableLister interface {
	ListSectionTables(ctx context.Context, sectionID int64) ([]db.Table, error)
}

// TableFinder ranks a section's tables for an automatic assignment.
type TableFinder struct {
	Tables    SectionTableLister
	Conflicts *ConflictDetector
}

func NewTableFinder(tables SectionTableLister, conflicts *ConflictDetector) *TableFinder {
	return &TableFinder{Tables: tables, Conflicts: conflicts}
}

// FindParams describes the assignment being searched for.
type FindParams struct {
	RestaurantID         int64
	SectionID            int64
	Date                 time.Time
	StartTime            time.Time
	EndTime              time.Time
	PartySize            int
	Dwell                time.Duration
	ExcludeReservationID *int64
}

// Find returns the first table of the section that fits the party and
// passes both the raw-overlap and dwell filters. The first pass ranks
// tables with enough seats ascending by capacity (tightest fit first).
// When none qualify, a second pass ranks all active tables descending by
// capacity with the seat floor dropped: an undersized table is allowed,
// the capacity warning is a presentation-layer concern.
func (f *TableFinder) Find(ctx context.Context, p FindParams) (*db.Table, error) {
	tables, err := f.Tables.ListSectionTables(ctx, p.SectionID)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, apperrors.ErrCapacityExhausted
	}

	fitting := make([]db.Table, 0, len(tables))
	for _, t := range tables {
		if t.Seats >= p.PartySize {
			fitting = append(fitting, t)
		}
	}
	// ListSectionTables already orders ascending by seats.
	if t, err := f.firstFree(ctx, p, fitting); err != nil || t != nil {
		return t, err
	}

	// Fallback: all active tables, biggest first, ignoring the seat floor.
	all := make([]db.Table, len(tables))
	copy(all, tables)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Seats > all[j].Seats })
	if t, err := f.firstFree(ctx, p, all); err != nil || t != nil {
		return t, err
	}
	return nil, apperrors.ErrCapacityExhausted
}

func (f *TableFinder) firstFree(ctx context.Context, p FindParams, ranked []db.Table) (*db.Table, error) {
	for i := range ranked {
		t := ranked[i]
		overlap, err := f.Conflicts.HasOverlap(ctx, t.ID, p.Date, p.StartTime, p.EndTime, p.ExcludeReservationID)
		if err != nil {
			return nil, err
		}
		if overlap {
			continue
		}
		cand := []CandidateSlot{{TableID: t.ID, StartTime: p.StartTime, EndTime: p.EndTime}}
		kept, err := f.Conflicts.FilterByDwellConflicts(ctx, p.RestaurantID, p.Date, cand, p.Dwell, p.ExcludeReservationID)
		if err != nil {
			return nil, err
		}
		if len(kept) == 1 {
			return &t, nil
		}
	}
	return nil, nil
}
