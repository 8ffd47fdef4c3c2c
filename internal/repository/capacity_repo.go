package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"prenotazioni/internal/db"
)

// CapacityRepository is the buffet seat ledger. The CapacityRecord row is
// the serialization point for buffet bookings: every adjustment is one
// atomic upsert so concurrent callers never lose an increment.
type CapacityRepository struct {
	DB *sql.DB
}

func NewCapacityRepository(database *sql.DB) *CapacityRepository {
	return &CapacityRepository{DB: database}
}

// Adjust applies delta to booked_seats for the (restaurant, meal service,
// date) record, creating it seeded with seedTotal when absent. The result
// is clamped at zero on the low end only; booked_seats may exceed
// total_seats, the upper bound is not enforced here.
func (r *CapacityRepository) Adjust(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, delta, seedTotal int) (*db.CapacityRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO capacity_records (restaurant_id, meal_service_id, date, total_seats, booked_seats, is_enabled, updated_at)
		VALUES ($1, $2, $3, $4, GREATEST(0, $5), TRUE, NOW())
		ON CONFLICT (restaurant_id, meal_service_id, date)
		DO UPDATE SET booked_seats = GREATEST(0, capacity_records.booked_seats + $5), updated_at = NOW()
		RETURNING id, restaurant_id, meal_service_id, date, total_seats, booked_seats, is_enabled, updated_at`,
		restaurantID, mealServiceID, date, seedTotal, delta)

	var rec db.CapacityRecord
	err := row.Scan(&rec.ID, &rec.RestaurantID, &rec.MealServiceID, &rec.Date,
		&rec.TotalSeats, &rec.BookedSeats, &rec.IsEnabled, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error adjusting capacity record: %w", err)
	}
	return &rec, nil
}

// Get returns the ledger row for a (restaurant, meal service, date), or
// nil when none exists yet.
func (r *CapacityRepository) Get(ctx context.Context, restaurantID, mealServiceID int64, date time.Time) (*db.CapacityRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, restaurant_id, meal_service_id, date, total_seats, booked_seats, is_enabled, updated_at
		FROM capacity_records
		WHERE restaurant_id = $1 AND meal_service_id = $2 AND date = $3`,
		restaurantID, mealServiceID, date)

	var rec db.CapacityRecord
	err := row.Scan(&rec.ID, &rec.RestaurantID, &rec.MealServiceID, &rec.Date,
		&rec.TotalSeats, &rec.BookedSeats, &rec.IsEnabled, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying capacity record: %w", err)
	}
	return &rec, nil
}
