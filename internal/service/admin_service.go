package service

import (
	"context"
	"fmt"

	"prenotazioni/internal/db"
	apperrors "prenotazioni/internal/errors"
	"prenotazioni/internal/repository"
)

// AdminService exposes the operator surface: taking slots out of service,
// returning them, forcing a sweep and inspecting modification requests.
type AdminService struct {
	Slots        *repository.SlotRepository
	Mods         *repository.ModificationRepository
	Availability AvailabilityInvalidator
}

func NewAdminService(slots *repository.SlotRepository, mods *repository.ModificationRepository, availability AvailabilityInvalidator) *AdminService {
	return &AdminService{Slots: slots, Mods: mods, Availability: availability}
}

// BlockSlot moves an AVAILABLE slot to BLOCKED or MAINTENANCE. Slots with
// a live hold or a reservation cannot be blocked.
func (s *AdminService) BlockSlot(ctx context.Context, slotID int64, to string) error {
	if to != db.SlotBlocked && to != db.SlotMaintenance {
		return fmt.Errorf("unsupported target status %q", to)
	}
	slot, err := s.Slots.GetByID(ctx, slotID)
	if err != nil {
		return err
	}
	if slot == nil {
		return apperrors.NewNotFound("slot", fmt.Sprint(slotID))
	}
	ok, err := s.Slots.SetAdminStatus(ctx, slotID, db.SlotAvailable, to)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewInvalidState("slot", slot.Status)
	}
	s.invalidate(ctx, slot)
	return nil
}

// UnblockSlot returns a BLOCKED or MAINTENANCE slot to AVAILABLE.
func (s *AdminService) UnblockSlot(ctx context.Context, slotID int64) error {
	slot, err := s.Slots.GetByID(ctx, slotID)
	if err != nil {
		return err
	}
	if slot == nil {
		return apperrors.NewNotFound("slot", fmt.Sprint(slotID))
	}
	if slot.Status != db.SlotBlocked && slot.Status != db.SlotMaintenance {
		return apperrors.NewInvalidState("slot", slot.Status)
	}
	ok, err := s.Slots.SetAdminStatus(ctx, slotID, slot.Status, db.SlotAvailable)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewInvalidState("slot", slot.Status)
	}
	s.invalidate(ctx, slot)
	return nil
}

// Sweep forces an expired-hold sweep outside the cron schedule. With
// dryRun set it reports which slots would be reclaimed without touching
// them.
func (s *AdminService) Sweep(ctx context.Context, batchSize int, dryRun bool) ([]int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	swept, err := s.Slots.SweepExpired(ctx, batchSize, dryRun)
	if err != nil {
		return nil, err
	}
	if !dryRun {
		for _, id := range swept {
			slot, err := s.Slots.GetByID(ctx, id)
			if err != nil || slot == nil {
				continue
			}
			s.invalidate(ctx, slot)
		}
	}
	return swept, nil
}

// invalidate drops the cached availability views the slot appears in. The
// slot row does not carry a section, so only the table and restaurant
// views are dropped.
func (s *AdminService) invalidate(ctx context.Context, slot *db.Slot) {
	if s.Availability == nil {
		return
	}
	s.Availability.InvalidateSlot(ctx, slot.RestaurantID, slot.TableID, 0, slot.Date)
}

// ListModifications filters the request log for the operator dashboard.
func (s *AdminService) ListModifications(ctx context.Context, status, code string, limit int) ([]db.ModificationRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Mods.ListRequests(ctx, status, code, limit)
}
