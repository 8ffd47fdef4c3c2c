package service

import (
	"context"
	"time"

	"prenotazioni/internal/db"
	apperrors "prenotazioni/internal/errors"
)

// CapacityStore is the ledger persistence surface.
type CapacityStore interface {
	Adjust(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, delta, seedTotal int) (*db.CapacityRecord, error)
	Get(ctx context.Context, restaurantID, mealServiceID int64, date time.Time) (*db.CapacityRecord, error)
}

// RestaurantReader supplies the seat capacity used to seed new ledger rows.
type RestaurantReader interface {
	GetRestaurant(ctx context.Context, id int64) (*db.Restaurant, error)
}

// CapacityService is the buffet seat ledger. Records are created on first
// booking for a date/service, seeded with the restaurant's total capacity.
// booked_seats is clamped at zero on release; exceeding total_seats at
// booking time is not prevented here.
type CapacityService struct {
	Ledger     CapacityStore
	Restaurant RestaurantReader
}

func NewCapacityService(ledger CapacityStore, restaurants RestaurantReader) *CapacityService {
	return &CapacityService{Ledger: ledger, Restaurant: restaurants}
}

// Adjust applies delta seats to the (restaurant, meal service, date)
// record, creating it when absent.
func (s *CapacityService) Adjust(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, delta int) (*db.CapacityRecord, error) {
	rest, err := s.Restaurant.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	if rest == nil {
		return nil, apperrors.NewNotFound("restaurant", "")
	}
	return s.Ledger.Adjust(ctx, restaurantID, mealServiceID, date, delta, rest.Capacity)
}

// Reserve books n seats.
func (s *CapacityService) Reserve(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, n int) (*db.CapacityRecord, error) {
	return s.Adjust(ctx, restaurantID, mealServiceID, date, n)
}

// Release frees n seats, never driving booked_seats below zero.
func (s *CapacityService) Release(ctx context.Context, restaurantID, mealServiceID int64, date time.Time, n int) (*db.CapacityRecord, error) {
	return s.Adjust(ctx, restaurantID, mealServiceID, date, -n)
}
