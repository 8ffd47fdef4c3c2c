package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"prenotazioni/internal/db"

	"github.com/lib/pq"
)

// SlotRepository persists table slots and their paired hold rows. Every
// booking-path transition is a single conditional UPDATE keyed on the
// previously observed status (and expiry, for steals) so that concurrent
// callers admit at most one winner. RowsAffected == 0 means the caller
// lost the race or the slot is in a non-bookable state.
type SlotRepository struct {
	DB *sql.DB
}

func NewSlotRepository(database *sql.DB) *SlotRepository {
	return &SlotRepository{DB: database}
}

const slotColumns = `id, restaurant_id, table_id, date, start_time, end_time, status, reservation_id, hold_expires_at, created_at, updated_at`

func scanSlot(row interface{ Scan(...interface{}) error }) (*db.Slot, error) {
	var s db.Slot
	var resID sql.NullInt64
	var holdExp sql.NullTime
	err := row.Scan(&s.ID, &s.RestaurantID, &s.TableID, &s.Date, &s.StartTime, &s.EndTime,
		&s.Status, &resID, &holdExp, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if resID.Valid {
		v := resID.Int64
		s.ReservationID = &v
	}
	if holdExp.Valid {
		t := holdExp.Time
		s.HoldExpiresAt = &t
	}
	return &s, nil
}

// GetByID loads a slot row. Returns sql.ErrNoRows when absent.
func (r *SlotRepository) GetByID(ctx context.Context, id int64) (*db.Slot, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

// GetByKey loads the slot for a (table, date, window) combination, or nil
// when no row exists yet.
func (r *SlotRepository) GetByKey(ctx context.Context, tableID int64, date, start, end time.Time) (*db.Slot, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE table_id = $1 AND date = $2 AND start_time = $3 AND end_time = $4`,
		tableID, date, start, end)
	s, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// CreateHeld lazily creates the slot row directly in HELD status together
// with its hold row. The partial unique index on (table_id, date,
// start_time, end_time) makes the insert race-safe: a concurrent creator
// wins and this call reports created=false so the caller falls through to
// the claim path.
func (r *SlotRepository) CreateHeld(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, requestID string, expiresAt time.Time) (*db.Slot, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO slots (restaurant_id, table_id, date, start_time, end_time, status, hold_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (table_id, date, start_time, end_time) DO NOTHING
		RETURNING `+slotColumns,
		restaurantID, tableID, date, start, end, db.SlotHeld, expiresAt)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error creating held slot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO holds (request_id, slot_id, hold_expires_at, created_at) VALUES ($1, $2, $3, NOW())`,
		requestID, slot.ID, expiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("error creating hold row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	committed = true
	return slot, true, nil
}

// ClaimHeld transitions an existing slot to HELD for the given request.
// The predicate admits AVAILABLE slots and expired HELD slots (the steal
// path); any other state loses. Stale hold rows for the slot are swapped
// for the winner's in the same transaction.
func (r *SlotRepository) ClaimHeld(ctx context.Context, slotID int64, requestID string, expiresAt time.Time) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE slots SET status = $1, hold_expires_at = $2, reservation_id = NULL, updated_at = NOW()
		WHERE id = $3
		  AND (status = $4 OR (status = $1 AND hold_expires_at < NOW()))`,
		db.SlotHeld, expiresAt, slotID, db.SlotAvailable)
	if err != nil {
		return false, fmt.Errorf("error claiming slot %d: %w", slotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE slot_id = $1`, slotID); err != nil {
		return false, fmt.Errorf("error clearing stale holds for slot %d: %w", slotID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO holds (request_id, slot_id, hold_expires_at, created_at) VALUES ($1, $2, $3, NOW())`,
		requestID, slotID, expiresAt); err != nil {
		return false, fmt.Errorf("error creating hold row for slot %d: %w", slotID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// RenewHold extends the expiry of a live hold owned by the given request.
func (r *SlotRepository) RenewHold(ctx context.Context, slotID int64, requestID string, expiresAt time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE slots SET hold_expires_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND hold_expires_at >= NOW()
		  AND EXISTS (SELECT 1 FROM holds h WHERE h.slot_id = slots.id AND h.request_id = $4)`,
		expiresAt, slotID, db.SlotHeld, requestID)
	if err != nil {
		return false, fmt.Errorf("error renewing hold on slot %d: %w", slotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		_, err = r.DB.ExecContext(ctx,
			`UPDATE holds SET hold_expires_at = $1 WHERE slot_id = $2 AND request_id = $3`,
			expiresAt, slotID, requestID)
		if err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// Reserve attaches a reservation to the slot. Allowed from AVAILABLE, from
// an expired HELD, or from a HELD whose live hold belongs to requestID.
// Hold rows for the slot are deleted on success.
func (r *SlotRepository) Reserve(ctx context.Context, slotID, reservationID int64, requestID string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE slots SET status = $1, reservation_id = $2, hold_expires_at = NULL, updated_at = NOW()
		WHERE id = $3
		  AND (status = $4
		       OR (status = $5 AND hold_expires_at < NOW())
		       OR (status = $5 AND EXISTS (SELECT 1 FROM holds h WHERE h.slot_id = slots.id AND h.request_id = $6 AND h.hold_expires_at >= NOW())))`,
		db.SlotReserved, reservationID, slotID, db.SlotAvailable, db.SlotHeld, requestID)
	if err != nil {
		return false, fmt.Errorf("error reserving slot %d: %w", slotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE slot_id = $1`, slotID); err != nil {
		return false, fmt.Errorf("error deleting holds for slot %d: %w", slotID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// CreateReserved lazily creates a slot directly in RESERVED status. Used
// when the coordinator assigns a table whose slot row does not exist yet.
func (r *SlotRepository) CreateReserved(ctx context.Context, restaurantID, tableID int64, date, start, end time.Time, reservationID int64) (*db.Slot, bool, error) {
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO slots (restaurant_id, table_id, date, start_time, end_time, status, reservation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (table_id, date, start_time, end_time) DO NOTHING
		RETURNING `+slotColumns,
		restaurantID, tableID, date, start, end, db.SlotReserved, reservationID)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error creating reserved slot: %w", err)
	}
	return slot, true, nil
}

// Release returns a slot to AVAILABLE, clearing its reservation and hold
// state. Administrative states are left untouched.
func (r *SlotRepository) Release(ctx context.Context, slotID int64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx, `
		UPDATE slots SET status = $1, reservation_id = NULL, hold_expires_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		db.SlotAvailable, slotID, db.SlotHeld, db.SlotReserved)
	if err != nil {
		return fmt.Errorf("error releasing slot %d: %w", slotID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE slot_id = $1`, slotID); err != nil {
		return fmt.Errorf("error deleting holds for slot %d: %w", slotID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ReleaseMany releases a batch of slots, oldest hold first. Used by table
// set dissolution, which must return every table of the set.
func (r *SlotRepository) ReleaseMany(ctx context.Context, slotIDs []int64) error {
	if len(slotIDs) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx, `
		UPDATE slots SET status = $1, reservation_id = NULL, hold_expires_at = NULL, updated_at = NOW()
		WHERE id = ANY($2) AND status IN ($3, $4)`,
		db.SlotAvailable, pq.Array(slotIDs), db.SlotHeld, db.SlotReserved)
	if err != nil {
		return fmt.Errorf("error releasing slots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE slot_id = ANY($1)`, pq.Array(slotIDs)); err != nil {
		return fmt.Errorf("error deleting holds: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// SweepExpired returns up to batchSize HELD slots whose hold has expired,
// oldest first, and (unless dryRun) transitions them back to AVAILABLE and
// deletes their hold rows. The status+expiry predicate on the UPDATE makes
// the sweep idempotent and safe under concurrent invocation.
func (r *SlotRepository) SweepExpired(ctx context.Context, batchSize int, dryRun bool) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM slots
		WHERE status = $1 AND hold_expires_at < NOW()
		ORDER BY hold_expires_at ASC
		LIMIT $2`, db.SlotHeld, batchSize)
	if err != nil {
		return nil, fmt.Errorf("error querying expired holds: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning expired slot id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating expired holds: %w", err)
	}
	if dryRun || len(ids) == 0 {
		return ids, nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx, `
		UPDATE slots SET status = $1, hold_expires_at = NULL, updated_at = NOW()
		WHERE id = ANY($2) AND status = $3 AND hold_expires_at < NOW()`,
		db.SlotAvailable, pq.Array(ids), db.SlotHeld)
	if err != nil {
		return nil, fmt.Errorf("error sweeping expired holds: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE slot_id = ANY($1) AND hold_expires_at < NOW()`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("error deleting expired hold rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return ids, nil
}

// ListForTableDate returns all slots for one table on one date.
func (r *SlotRepository) ListForTableDate(ctx context.Context, tableID int64, date time.Time) ([]db.Slot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE table_id = $1 AND date = $2 ORDER BY start_time`,
		tableID, date)
	if err != nil {
		return nil, fmt.Errorf("error listing slots for table %d: %w", tableID, err)
	}
	defer rows.Close()
	return collectSlots(rows)
}

// ListForRestaurantDate returns all slots for a restaurant on one date,
// across every table. Used by dwell-conflict filtering and availability.
func (r *SlotRepository) ListForRestaurantDate(ctx context.Context, restaurantID int64, date time.Time) ([]db.Slot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE restaurant_id = $1 AND date = $2 ORDER BY table_id, start_time`,
		restaurantID, date)
	if err != nil {
		return nil, fmt.Errorf("error listing slots for restaurant %d: %w", restaurantID, err)
	}
	defer rows.Close()
	return collectSlots(rows)
}

func collectSlots(rows *sql.Rows) ([]db.Slot, error) {
	var slots []db.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slots, nil
}

// SetAdminStatus flips a slot between AVAILABLE and an administrative
// state. Only AVAILABLE slots may be blocked or sent to maintenance, and
// only administratively held slots may be returned to AVAILABLE.
func (r *SlotRepository) SetAdminStatus(ctx context.Context, slotID int64, from, to string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE slots SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, slotID, from)
	if err != nil {
		return false, fmt.Errorf("error setting slot %d to %s: %w", slotID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LiveHoldForSlot returns the unexpired hold row for a slot, or nil.
func (r *SlotRepository) LiveHoldForSlot(ctx context.Context, slotID int64) (*db.Hold, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, request_id, slot_id, hold_expires_at, created_at
		FROM holds WHERE slot_id = $1 AND hold_expires_at >= NOW()
		ORDER BY hold_expires_at DESC LIMIT 1`, slotID)
	var h db.Hold
	err := row.Scan(&h.ID, &h.RequestID, &h.SlotID, &h.HoldExpiresAt, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}
