package repository

import (
	"context"
	"database/sql"
	"fmt"

	"prenotazioni/internal/db"

	"github.com/lib/pq"
)

// TableSetRepository persists merged-table assignments. Sets are
// serialized per reservation; dissolution marks the set and the caller
// releases its slots.
type TableSetRepository struct {
	DB *sql.DB
}

func NewTableSetRepository(database *sql.DB) *TableSetRepository {
	return &TableSetRepository{DB: database}
}

// ListActiveByReservation returns every ACTIVE or PENDING_MERGE set owned
// by the reservation.
func (r *TableSetRepository) ListActiveByReservation(ctx context.Context, reservationID int64) ([]db.TableSet, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, reservation_id, table_ids, slot_ids, primary_table_id, status, dissolved_at, dissolved_by, created_at
		FROM table_sets
		WHERE reservation_id = $1 AND status IN ($2, $3)`,
		reservationID, db.TableSetActive, db.TableSetPendingMerge)
	if err != nil {
		return nil, fmt.Errorf("error listing table sets for reservation %d: %w", reservationID, err)
	}
	defer rows.Close()

	var sets []db.TableSet
	for rows.Next() {
		var ts db.TableSet
		var dissolvedAt sql.NullTime
		var dissolvedBy sql.NullString
		err := rows.Scan(&ts.ID, &ts.ReservationID, pq.Array(&ts.TableIDs), pq.Array(&ts.SlotIDs),
			&ts.PrimaryTableID, &ts.Status, &dissolvedAt, &dissolvedBy, &ts.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning table set: %w", err)
		}
		if dissolvedAt.Valid {
			t := dissolvedAt.Time
			ts.DissolvedAt = &t
		}
		if dissolvedBy.Valid {
			ts.DissolvedBy = dissolvedBy.String
		}
		sets = append(sets, ts)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating table sets: %w", err)
	}
	return sets, nil
}

// MarkDissolved transitions a set to DISSOLVED with timestamp, reason and
// actor. The status predicate keeps the call idempotent.
func (r *TableSetRepository) MarkDissolved(ctx context.Context, setID int64, reason, actor string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE table_sets
		SET status = $1, dissolved_at = NOW(), dissolved_by = $2, dissolve_reason = $3
		WHERE id = $4 AND status IN ($5, $6)`,
		db.TableSetDissolved, actor, reason, setID, db.TableSetActive, db.TableSetPendingMerge)
	if err != nil {
		return false, fmt.Errorf("error dissolving table set %d: %w", setID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Reactivate restores a DISSOLVED set to ACTIVE. The status predicate
// makes a replayed compensation a no-op.
func (r *TableSetRepository) Reactivate(ctx context.Context, setID int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE table_sets
		SET status = $1, dissolved_at = NULL, dissolved_by = NULL, dissolve_reason = NULL
		WHERE id = $2 AND status = $3`,
		db.TableSetActive, setID, db.TableSetDissolved)
	if err != nil {
		return false, fmt.Errorf("error reactivating table set %d: %w", setID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
