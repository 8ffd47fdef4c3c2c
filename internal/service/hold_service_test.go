package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prenotazioni/internal/db"
	apperrors "prenotazioni/internal/errors"
)

// fakeSlotStore mirrors the conditional-update semantics of the SQL
// repository in memory.
type fakeSlotStore struct {
	slots  map[int64]*db.Slot
	owners map[int64]string // slotID -> holding request
	nextID int64
}

func newFakeSlotStore() *fakeSlotStore {
	return &fakeSlotStore{slots: map[int64]*db.Slot{}, owners: map[int64]string{}}
}

func (f *fakeSlotStore) GetByID(ctx context.Context, id int64) (*db.Slot, error) {
	if s, ok := f.slots[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeSlotStore) GetByKey(ctx context.Context, tableID int64, date, start, end time.Time) (*db.Slot, error) {
	for _, s := range f.slots {
		if s.TableID == tableID && s.Date.Equal(date) && s.StartTime.Equal(start) && s.EndTime.Equal(end) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSlotStore) CreateHeld(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, requestID string, expiresAt time.Time) (*db.Slot, bool, error) {
	if existing, _ := f.GetByKey(ctx, tableID, date, start, end); existing != nil {
		return nil, false, nil
	}
	f.nextID++
	s := &db.Slot{
		ID: f.nextID, RestaurantID: restaurantID, TableID: tableID,
		Date: date, StartTime: start, EndTime: end,
		Status: db.SlotHeld, HoldExpiresAt: &expiresAt,
	}
	f.slots[s.ID] = s
	f.owners[s.ID] = requestID
	cp := *s
	return &cp, true, nil
}

func (f *fakeSlotStore) ClaimHeld(ctx context.Context, slotID int64, requestID string, expiresAt time.Time) (bool, error) {
	s, ok := f.slots[slotID]
	if !ok {
		return false, nil
	}
	claimable := s.Status == db.SlotAvailable ||
		(s.Status == db.SlotHeld && s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(time.Now().UTC()))
	if !claimable {
		return false, nil
	}
	s.Status = db.SlotHeld
	exp := expiresAt
	s.HoldExpiresAt = &exp
	f.owners[slotID] = requestID
	return true, nil
}

func (f *fakeSlotStore) RenewHold(ctx context.Context, slotID int64, requestID string, expiresAt time.Time) (bool, error) {
	s, ok := f.slots[slotID]
	if !ok || s.Status != db.SlotHeld {
		return false, nil
	}
	if f.owners[slotID] != requestID || s.HoldExpiresAt == nil || s.HoldExpiresAt.Before(time.Now().UTC()) {
		return false, nil
	}
	exp := expiresAt
	s.HoldExpiresAt = &exp
	return true, nil
}

func (f *fakeSlotStore) Reserve(ctx context.Context, slotID, reservationID int64, requestID string) (bool, error) {
	s, ok := f.slots[slotID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	allowed := s.Status == db.SlotAvailable
	if s.Status == db.SlotHeld && s.HoldExpiresAt != nil {
		if s.HoldExpiresAt.Before(now) {
			allowed = true // expired hold is overtaken
		} else if f.owners[slotID] == requestID {
			allowed = true // own live hold
		}
	}
	if !allowed {
		return false, nil
	}
	s.Status = db.SlotReserved
	s.ReservationID = &reservationID
	s.HoldExpiresAt = nil
	delete(f.owners, slotID)
	return true, nil
}

func (f *fakeSlotStore) CreateReserved(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, reservationID int64) (*db.Slot, bool, error) {
	if existing, _ := f.GetByKey(ctx, tableID, date, start, end); existing != nil {
		return nil, false, nil
	}
	f.nextID++
	s := &db.Slot{
		ID: f.nextID, RestaurantID: restaurantID, TableID: tableID,
		Date: date, StartTime: start, EndTime: end,
		Status: db.SlotReserved, ReservationID: &reservationID,
	}
	f.slots[s.ID] = s
	cp := *s
	return &cp, true, nil
}

func (f *fakeSlotStore) Release(ctx context.Context, slotID int64) error {
	if s, ok := f.slots[slotID]; ok {
		s.Status = db.SlotAvailable
		s.ReservationID = nil
		s.HoldExpiresAt = nil
		delete(f.owners, slotID)
	}
	return nil
}

func (f *fakeSlotStore) SweepExpired(ctx context.Context, batchSize int, dryRun bool) ([]int64, error) {
	now := time.Now().UTC()
	var ids []int64
	for id, s := range f.slots {
		if s.Status == db.SlotHeld && s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > batchSize {
		ids = ids[:batchSize]
	}
	if !dryRun {
		for _, id := range ids {
			s := f.slots[id]
			s.Status = db.SlotAvailable
			s.HoldExpiresAt = nil
			delete(f.owners, id)
		}
	}
	return ids, nil
}

func (f *fakeSlotStore) expireHold(slotID int64) {
	past := time.Now().UTC().Add(-time.Minute)
	f.slots[slotID].HoldExpiresAt = &past
}

func holdParams(requestID string) HoldParams {
	return HoldParams{
		RestaurantID: 1,
		TableID:      4,
		Date:         time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		StartTime:    at(19, 0),
		EndTime:      at(21, 0),
		RequestID:    requestID,
	}
}

func TestHoldCreatesSlotLazily(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	slot, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)
	assert.Equal(t, db.SlotHeld, slot.Status)
	require.NotNil(t, slot.HoldExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(DefaultHoldTTLMinutes*time.Minute), *slot.HoldExpiresAt, 5*time.Second)
}

func TestHoldRejectsLiveForeignHold(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	_, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)

	_, err = svc.Hold(context.Background(), holdParams("req-2"))
	require.Error(t, err)
	var conflict *apperrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestHoldStealsExpiredHold(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	first, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)
	store.expireHold(first.ID)

	stolen, err := svc.Hold(context.Background(), holdParams("req-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, stolen.ID)
	assert.Equal(t, db.SlotHeld, stolen.Status)
	assert.Equal(t, "req-2", store.owners[stolen.ID])
}

func TestHoldRejectsOverlappingWindowOnSameTable(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	_, err := svc.Hold(context.Background(), holdParams("req-1")) // 19:00-21:00
	require.NoError(t, err)

	// A distinct window overlapping the held one creates its own row, so
	// the row CAS alone would admit it.
	p := holdParams("req-2")
	p.StartTime = at(20, 0)
	p.EndTime = at(22, 0)
	_, err = svc.Hold(context.Background(), p)
	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)

	other := holdParams("req-3")
	other.TableID = 5
	other.StartTime = at(20, 0)
	other.EndTime = at(22, 0)
	_, err = svc.Hold(context.Background(), other)
	assert.NoError(t, err, "the same window on another table must not conflict")
}

func TestHoldIgnoresExpiredOverlappingHold(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	first, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)
	store.expireHold(first.ID)

	p := holdParams("req-2")
	p.StartTime = at(20, 0)
	p.EndTime = at(22, 0)
	_, err = svc.Hold(context.Background(), p)
	assert.NoError(t, err, "an expired hold must not block an overlapping window")
}

func TestReserveByKeyRejectsOverlappingWindow(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))
	p := holdParams("req-1")

	_, err := svc.ReserveByKey(context.Background(), p.RestaurantID, p.TableID, p.Date, p.StartTime, p.EndTime, 55, "req-1")
	require.NoError(t, err)

	_, err = svc.ReserveByKey(context.Background(), p.RestaurantID, p.TableID, p.Date, at(20, 0), at(22, 0), 56, "req-2")
	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestHoldRejectsReservedSlot(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	slot, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)
	_, err = svc.Reserve(context.Background(), slot.ID, 99, "req-1")
	require.NoError(t, err)

	_, err = svc.Hold(context.Background(), holdParams("req-2"))
	var conflict *apperrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Error(), db.SlotReserved)
}

func TestRenewOwnLiveHoldOnly(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	slot, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)

	assert.NoError(t, svc.Renew(context.Background(), slot.ID, "req-1", 10))
	assert.Error(t, svc.Renew(context.Background(), slot.ID, "req-2", 10),
		"a foreign hold must not be renewable")

	store.expireHold(slot.ID)
	assert.Error(t, svc.Renew(context.Background(), slot.ID, "req-1", 10),
		"an expired hold must be re-acquired, not renewed")
}

func TestReserveConsumesOwnHold(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	slot, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)

	reserved, err := svc.Reserve(context.Background(), slot.ID, 55, "req-1")
	require.NoError(t, err)
	assert.Equal(t, db.SlotReserved, reserved.Status)
	require.NotNil(t, reserved.ReservationID)
	assert.Equal(t, int64(55), *reserved.ReservationID)
	assert.Nil(t, reserved.HoldExpiresAt)
}

func TestReserveRejectsForeignLiveHold(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	slot, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)

	_, err = svc.Reserve(context.Background(), slot.ID, 55, "req-2")
	var conflict *apperrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestReserveOvertakesExpiredHold(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	slot, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)
	store.expireHold(slot.ID)

	reserved, err := svc.Reserve(context.Background(), slot.ID, 55, "req-2")
	require.NoError(t, err)
	assert.Equal(t, db.SlotReserved, reserved.Status)
}

func TestReserveByKeyCreatesRowWhenAbsent(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))
	p := holdParams("req-1")

	slot, err := svc.ReserveByKey(context.Background(), p.RestaurantID, p.TableID, p.Date, p.StartTime, p.EndTime, 55, "req-1")
	require.NoError(t, err)
	assert.Equal(t, db.SlotReserved, slot.Status)
}

func TestSweepExpiredReclaimsOnlyLapsedHolds(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	expired, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)
	store.expireHold(expired.ID)

	p2 := holdParams("req-2")
	p2.StartTime = at(12, 0)
	p2.EndTime = at(14, 0)
	live, err := svc.Hold(context.Background(), p2)
	require.NoError(t, err)

	swept, err := svc.SweepExpired(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{expired.ID}, swept)

	reclaimed, _ := store.GetByID(context.Background(), expired.ID)
	assert.Equal(t, db.SlotAvailable, reclaimed.Status)
	untouched, _ := store.GetByID(context.Background(), live.ID)
	assert.Equal(t, db.SlotHeld, untouched.Status)
}

func TestSweepDryRunLeavesStateAlone(t *testing.T) {
	store := newFakeSlotStore()
	svc := NewHoldService(store, NewConflictDetector(store))

	slot, err := svc.Hold(context.Background(), holdParams("req-1"))
	require.NoError(t, err)
	store.expireHold(slot.ID)

	swept, err := svc.SweepExpired(context.Background(), 0, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{slot.ID}, swept)

	cur, _ := store.GetByID(context.Background(), slot.ID)
	assert.Equal(t, db.SlotHeld, cur.Status)
}
