package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"prenotazioni/internal/db"
)

// DirectoryRepository serves read-only restaurant configuration: tables,
// sections, meal services, refund policies and seat capacity. The booking
// core never writes these tables.
type DirectoryRepository struct {
	DB *sql.DB
}

func NewDirectoryRepository(database *sql.DB) *DirectoryRepository {
	return &DirectoryRepository{DB: database}
}

func (r *DirectoryRepository) GetRestaurant(ctx context.Context, id int64) (*db.Restaurant, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, name, capacity, dwell_minutes FROM restaurants WHERE id = $1`, id)
	var rest db.Restaurant
	err := row.Scan(&rest.ID, &rest.Name, &rest.Capacity, &rest.DwellMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying restaurant %d: %w", id, err)
	}
	return &rest, nil
}

func (r *DirectoryRepository) GetTable(ctx context.Context, id int64) (*db.Table, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, section_id, name, seats, is_active FROM tables WHERE id = $1`, id)
	var t db.Table
	err := row.Scan(&t.ID, &t.SectionID, &t.Name, &t.Seats, &t.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying table %d: %w", id, err)
	}
	return &t, nil
}

// ListSectionTables returns the active tables of a section ordered by
// seating capacity ascending, so the first qualifying table is the
// tightest fit.
func (r *DirectoryRepository) ListSectionTables(ctx context.Context, sectionID int64) ([]db.Table, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, section_id, name, seats, is_active FROM tables
		 WHERE section_id = $1 AND is_active = TRUE ORDER BY seats ASC, id ASC`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("error listing tables for section %d: %w", sectionID, err)
	}
	defer rows.Close()

	var tables []db.Table
	for rows.Next() {
		var t db.Table
		if err := rows.Scan(&t.ID, &t.SectionID, &t.Name, &t.Seats, &t.IsActive); err != nil {
			return nil, fmt.Errorf("error scanning table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (r *DirectoryRepository) GetSection(ctx context.Context, id int64) (*db.Section, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, restaurant_id, name FROM sections WHERE id = $1`, id)
	var s db.Section
	err := row.Scan(&s.ID, &s.RestaurantID, &s.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying section %d: %w", id, err)
	}
	return &s, nil
}

func (r *DirectoryRepository) GetMealService(ctx context.Context, id int64) (*db.MealService, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, restaurant_id, name, start_time, end_time, is_buffet FROM meal_services WHERE id = $1`, id)
	var ms db.MealService
	err := row.Scan(&ms.ID, &ms.RestaurantID, &ms.Name, &ms.StartTime, &ms.EndTime, &ms.IsBuffet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying meal service %d: %w", id, err)
	}
	return &ms, nil
}

// GetMealPrice returns the per-head price in cents for a meal service.
func (r *DirectoryRepository) GetMealPrice(ctx context.Context, mealServiceID int64) (int64, error) {
	var price int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT price_cents FROM meal_prices WHERE meal_service_id = $1`, mealServiceID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no price configured for meal service %d", mealServiceID)
	}
	if err != nil {
		return 0, err
	}
	return price, nil
}

// GetPromoCode returns the promo configuration, or nil when the code does
// not exist.
func (r *DirectoryRepository) GetPromoCode(ctx context.Context, code string) (*db.PromoCode, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, code, discount_pct, min_party_size, valid_from, valid_until, is_active
		FROM promo_codes WHERE code = $1`, code)
	var p db.PromoCode
	err := row.Scan(&p.ID, &p.Code, &p.DiscountPct, &p.MinPartySize, &p.ValidFrom, &p.ValidUntil, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying promo code: %w", err)
	}
	return &p, nil
}

// GetRefundPolicy returns the refund window for a (restaurant, meal
// service), or nil when no policy is configured.
func (r *DirectoryRepository) GetRefundPolicy(ctx context.Context, restaurantID, mealServiceID int64) (*db.RefundPolicy, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, restaurant_id, meal_service_id, full_refund_before_minutes
		FROM refund_policies WHERE restaurant_id = $1 AND meal_service_id = $2`,
		restaurantID, mealServiceID)
	var p db.RefundPolicy
	err := row.Scan(&p.ID, &p.RestaurantID, &p.MealServiceID, &p.FullRefundBeforeMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying refund policy: %w", err)
	}
	return &p, nil
}
