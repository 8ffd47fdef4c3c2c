package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"prenotazioni/internal/db"

	"github.com/google/uuid"
)

// ModificationRepository persists modification requests, their status and
// field history, the compensation log, and the reservation rows the
// coordinator edits. Requests and history rows are never deleted.
type ModificationRepository struct {
	DB *sql.DB
}

func NewModificationRepository(database *sql.DB) *ModificationRepository {
	return &ModificationRepository{DB: database}
}

const modColumns = `id, reservation_id, requested_by, status,
	original_date, original_party_size, original_meal_service_id, original_table_id, original_section_id, original_notes,
	new_date, new_party_size, new_meal_service_id, new_table_id, new_section_id, new_notes, new_promo_code,
	seats_released, seats_reserved, price_difference, additional_payment_required, refund_required, stripe_session_id,
	created_at, updated_at`

// Create inserts a PENDING request together with its initial status
// history entry, in one transaction.
func (r *ModificationRepository) Create(ctx context.Context, m *db.ModificationRequest) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Status = db.ModPending

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
		INSERT INTO modification_requests (`+modColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW(), NOW())`,
		m.ID, m.ReservationID, m.RequestedBy, m.Status,
		m.OriginalDate, m.OriginalPartySize, m.OriginalMealServiceID, m.OriginalTableID, m.OriginalSectionID, m.OriginalNotes,
		m.NewDate, m.NewPartySize, m.NewMealServiceID, m.NewTableID, m.NewSectionID, m.NewNotes, m.NewPromoCode,
		m.SeatsReleased, m.SeatsReserved, m.PriceDifference, m.AdditionalPaymentRequired, m.RefundRequired, m.StripeSessionID)
	if err != nil {
		return fmt.Errorf("error creating modification request: %w", err)
	}

	if err := insertStatusHistory(ctx, tx, m.ID, "", db.ModPending, "request created", m.RequestedBy); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetByID loads one modification request.
func (r *ModificationRepository) GetByID(ctx context.Context, id string) (*db.ModificationRequest, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+modColumns+` FROM modification_requests WHERE id = $1`, id)
	return scanModification(row)
}

// GetByStripeSession loads the request parked on a checkout session.
func (r *ModificationRepository) GetByStripeSession(ctx context.Context, sessionID string) (*db.ModificationRequest, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+modColumns+` FROM modification_requests WHERE stripe_session_id = $1`, sessionID)
	return scanModification(row)
}

func scanModification(row *sql.Row) (*db.ModificationRequest, error) {
	var m db.ModificationRequest
	var origTable, origSection sql.NullInt64
	var newDate sql.NullTime
	var newParty sql.NullInt64
	var newMeal, newTable, newSection sql.NullInt64
	var newNotes, newPromo sql.NullString
	err := row.Scan(&m.ID, &m.ReservationID, &m.RequestedBy, &m.Status,
		&m.OriginalDate, &m.OriginalPartySize, &m.OriginalMealServiceID, &origTable, &origSection, &m.OriginalNotes,
		&newDate, &newParty, &newMeal, &newTable, &newSection, &newNotes, &newPromo,
		&m.SeatsReleased, &m.SeatsReserved, &m.PriceDifference, &m.AdditionalPaymentRequired, &m.RefundRequired, &m.StripeSessionID,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if origTable.Valid {
		v := origTable.Int64
		m.OriginalTableID = &v
	}
	if origSection.Valid {
		v := origSection.Int64
		m.OriginalSectionID = &v
	}
	if newDate.Valid {
		t := newDate.Time
		m.NewDate = &t
	}
	if newParty.Valid {
		v := int(newParty.Int64)
		m.NewPartySize = &v
	}
	if newMeal.Valid {
		v := newMeal.Int64
		m.NewMealServiceID = &v
	}
	if newTable.Valid {
		v := newTable.Int64
		m.NewTableID = &v
	}
	if newSection.Valid {
		v := newSection.Int64
		m.NewSectionID = &v
	}
	if newNotes.Valid {
		s := newNotes.String
		m.NewNotes = &s
	}
	if newPromo.Valid {
		s := newPromo.String
		m.NewPromoCode = &s
	}
	return &m, nil
}

// TransitionStatus moves a request between statuses, recording the change
// in status history. The previous-status predicate rejects out-of-order
// transitions from concurrent callers (e.g. a duplicate webhook delivery).
func (r *ModificationRepository) TransitionStatus(ctx context.Context, id, from, to, reason, actor string) (bool, error) {
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

	res, err := tx.ExecContext(ctx,
		`UPDATE modification_requests SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("error transitioning modification %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := insertStatusHistory(ctx, tx, id, from, to, reason, actor); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func insertStatusHistory(ctx context.Context, tx *sql.Tx, modificationID, from, to, reason, actor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO status_history (id, modification_id, previous_status, new_status, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.NewString(), modificationID, from, to, reason, actor)
	if err != nil {
		return fmt.Errorf("error recording status history: %w", err)
	}
	return nil
}

// SetPricing stores the pricing collaborator's outcome on the request.
func (r *ModificationRepository) SetPricing(ctx context.Context, id string, priceDifference, additionalPayment, refund int64) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE modification_requests
		SET price_difference = $1, additional_payment_required = $2, refund_required = $3, updated_at = NOW()
		WHERE id = $4`,
		priceDifference, additionalPayment, refund, id)
	if err != nil {
		return fmt.Errorf("error storing pricing for modification %s: %w", id, err)
	}
	return nil
}

// SetSeatMovement records how many buffet seats the request released and
// reserved, so the capacity step can be re-run idempotently.
func (r *ModificationRepository) SetSeatMovement(ctx context.Context, id string, released, reserved int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE modification_requests SET seats_released = $1, seats_reserved = $2, updated_at = NOW() WHERE id = $3`,
		released, reserved, id)
	if err != nil {
		return fmt.Errorf("error storing seat movement for modification %s: %w", id, err)
	}
	return nil
}

// SetResolvedAssignment stores the table and section the coordinator
// settled on when the request named only a section.
func (r *ModificationRepository) SetResolvedAssignment(ctx context.Context, id string, tableID, sectionID int64) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE modification_requests SET new_table_id = $1, new_section_id = $2, updated_at = NOW() WHERE id = $3`,
		tableID, sectionID, id)
	if err != nil {
		return fmt.Errorf("error storing resolved assignment for modification %s: %w", id, err)
	}
	return nil
}

// SetStripeSession attaches the checkout session gating PAYMENT_PENDING.
func (r *ModificationRepository) SetStripeSession(ctx context.Context, id, sessionID string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE modification_requests SET stripe_session_id = $1, updated_at = NOW() WHERE id = $2`,
		sessionID, id)
	if err != nil {
		return fmt.Errorf("error storing stripe session for modification %s: %w", id, err)
	}
	return nil
}

// AddCompensation appends an inverse action for a committed side effect.
func (r *ModificationRepository) AddCompensation(ctx context.Context, modificationID, kind string, payload []byte) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO modification_compensations (modification_id, kind, payload, applied, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())`,
		modificationID, kind, payload)
	if err != nil {
		return fmt.Errorf("error recording compensation: %w", err)
	}
	return nil
}

// PendingCompensations lists unapplied compensations for a request, newest
// effect first so inverses replay in reverse order.
func (r *ModificationRepository) PendingCompensations(ctx context.Context, modificationID string) ([]db.Compensation, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, modification_id, kind, payload, applied, created_at
		FROM modification_compensations
		WHERE modification_id = $1 AND applied = FALSE
		ORDER BY id DESC`, modificationID)
	if err != nil {
		return nil, fmt.Errorf("error listing compensations: %w", err)
	}
	defer rows.Close()

	var comps []db.Compensation
	for rows.Next() {
		var c db.Compensation
		if err := rows.Scan(&c.ID, &c.ModificationID, &c.Kind, &c.Payload, &c.Applied, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning compensation: %w", err)
		}
		comps = append(comps, c)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return comps, nil
}

// MarkCompensationApplied flags one compensation as replayed.
func (r *ModificationRepository) MarkCompensationApplied(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE modification_compensations SET applied = TRUE WHERE id = $1`, id)
	return err
}

// ClearCompensations drops pending inverses once a request completes; the
// committed effects are now the desired state.
func (r *ModificationRepository) ClearCompensations(ctx context.Context, modificationID string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE modification_compensations SET applied = TRUE WHERE modification_id = $1 AND applied = FALSE`,
		modificationID)
	return err
}

// StalledRequests lists PROCESSING requests older than the cutoff. The
// recovery sweep replays their compensations and rejects them.
func (r *ModificationRepository) StalledRequests(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM modification_requests WHERE status = $1 AND updated_at < $2`,
		db.ModProcessing, before)
	if err != nil {
		return nil, fmt.Errorf("error listing stalled modifications: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetReservationByCode loads the reservation a modification targets.
func (r *ModificationRepository) GetReservationByCode(ctx context.Context, code string) (*db.Reservation, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, code, restaurant_id, customer_name, customer_email, customer_phone,
		       date, start_time, end_time, party_size, meal_service_id, table_id, section_id,
		       notes, promo_code, status, amount_cents, stripe_session_id, language, created_at, updated_at
		FROM reservations WHERE code = $1`, code)
	return scanReservation(row)
}

// GetReservationByID loads a reservation row by primary key.
func (r *ModificationRepository) GetReservationByID(ctx context.Context, id int64) (*db.Reservation, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, code, restaurant_id, customer_name, customer_email, customer_phone,
		       date, start_time, end_time, party_size, meal_service_id, table_id, section_id,
		       notes, promo_code, status, amount_cents, stripe_session_id, language, created_at, updated_at
		FROM reservations WHERE id = $1`, id)
	return scanReservation(row)
}

func scanReservation(row *sql.Row) (*db.Reservation, error) {
	var res db.Reservation
	var tableID, sectionID sql.NullInt64
	err := row.Scan(&res.ID, &res.Code, &res.RestaurantID, &res.CustomerName, &res.CustomerEmail, &res.CustomerPhone,
		&res.Date, &res.StartTime, &res.EndTime, &res.PartySize, &res.MealServiceID, &tableID, &sectionID,
		&res.Notes, &res.PromoCode, &res.Status, &res.AmountCents, &res.StripeSessionID, &res.Language, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning reservation: %w", err)
	}
	if tableID.Valid {
		v := tableID.Int64
		res.TableID = &v
	}
	if sectionID.Valid {
		v := sectionID.Int64
		res.SectionID = &v
	}
	return &res, nil
}

// ApplyReservationChanges writes the edited fields to the reservation row
// and the before/after snapshot to modification history, in a single
// transaction.
func (r *ModificationRepository) ApplyReservationChanges(ctx context.Context, m *db.ModificationRequest, updated *db.Reservation) error {
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
		UPDATE reservations
		SET date = $1, start_time = $2, end_time = $3, party_size = $4, meal_service_id = $5,
		    table_id = $6, section_id = $7, notes = $8, promo_code = $9, amount_cents = $10, updated_at = NOW()
		WHERE id = $11`,
		updated.Date, updated.StartTime, updated.EndTime, updated.PartySize, updated.MealServiceID,
		updated.TableID, updated.SectionID, updated.Notes, updated.PromoCode, updated.AmountCents, updated.ID)
	if err != nil {
		return fmt.Errorf("error applying reservation changes: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO modification_history
		(modification_id, reservation_id, before_date, after_date, before_party, after_party, before_table_id, after_table_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		m.ID, updated.ID, m.OriginalDate, updated.Date, m.OriginalPartySize, updated.PartySize,
		m.OriginalTableID, updated.TableID)
	if err != nil {
		return fmt.Errorf("error recording modification history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ListRequests returns modification requests filtered by status and/or
// reservation code, newest first. Admin surface.
func (r *ModificationRepository) ListRequests(ctx context.Context, status, code string, limit int) ([]db.ModificationRequest, error) {
	query := `SELECT ` + modColumns + ` FROM modification_requests WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}
	if code != "" {
		query += fmt.Sprintf(" AND reservation_id = (SELECT id FROM reservations WHERE code = $%d)", idx)
		args = append(args, code)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing modification requests: %w", err)
	}
	defer rows.Close()

	var out []db.ModificationRequest
	for rows.Next() {
		var m db.ModificationRequest
		var origTable, origSection sql.NullInt64
		var newDate sql.NullTime
		var newParty, newMeal, newTable, newSection sql.NullInt64
		var newNotes, newPromo sql.NullString
		err := rows.Scan(&m.ID, &m.ReservationID, &m.RequestedBy, &m.Status,
			&m.OriginalDate, &m.OriginalPartySize, &m.OriginalMealServiceID, &origTable, &origSection, &m.OriginalNotes,
			&newDate, &newParty, &newMeal, &newTable, &newSection, &newNotes, &newPromo,
			&m.SeatsReleased, &m.SeatsReserved, &m.PriceDifference, &m.AdditionalPaymentRequired, &m.RefundRequired, &m.StripeSessionID,
			&m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning modification request: %w", err)
		}
		if origTable.Valid {
			v := origTable.Int64
			m.OriginalTableID = &v
		}
		if origSection.Valid {
			v := origSection.Int64
			m.OriginalSectionID = &v
		}
		if newDate.Valid {
			t := newDate.Time
			m.NewDate = &t
		}
		if newParty.Valid {
			v := int(newParty.Int64)
			m.NewPartySize = &v
		}
		if newMeal.Valid {
			v := newMeal.Int64
			m.NewMealServiceID = &v
		}
		if newTable.Valid {
			v := newTable.Int64
			m.NewTableID = &v
		}
		if newSection.Valid {
			v := newSection.Int64
			m.NewSectionID = &v
		}
		if newNotes.Valid {
			s := newNotes.String
			m.NewNotes = &s
		}
		if newPromo.Valid {
			s := newPromo.String
			m.NewPromoCode = &s
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
