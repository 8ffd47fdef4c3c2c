package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"prenotazioni/internal/db"
	"prenotazioni/internal/entities"
)

// availabilityCacheTTL keeps cached pictures short-lived: a hold taken in
// another request must become visible on the next poll cycle.
const availabilityCacheTTL = 15 * time.Second

// AvailabilityService renders the slot picture of a table or a section on
// a date. Results are cached in Redis when a client is configured; a nil
// client disables caching.
type AvailabilityService struct {
	Slots  SlotLister
	Tables SectionTableLister
	Cache  *redis.Client
}

func NewAvailabilityService(slots SlotLister, tables SectionTableLister, cache *redis.Client) *AvailabilityService {
	return &AvailabilityService{Slots: slots, Tables: tables, Cache: cache}
}

func (s *AvailabilityService) Availability(ctx context.Context, req entities.AvailabilityRequest) (*entities.AvailabilityResponse, error) {
	key := cacheKey(req)
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, key).Bytes(); err == nil {
			var cached entities.AvailabilityResponse
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		}
	}

	slots, err := s.collect(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &entities.AvailabilityResponse{Date: req.Date}
	now := time.Now().UTC()
	for i := range slots {
		sl := slots[i]
		view := entities.SlotView{
			SlotID:    sl.ID,
			TableID:   sl.TableID,
			StartTime: sl.StartTime,
			EndTime:   sl.EndTime,
			Status:    sl.Status,
		}
		switch sl.Status {
		case db.SlotHeld:
			// An expired hold reads as available even before the sweeper
			// reclaims the row.
			if sl.HoldExpiresAt != nil && sl.HoldExpiresAt.Before(now) {
				view.Status = db.SlotAvailable
				resp.Available = append(resp.Available, view)
			} else {
				resp.Held = append(resp.Held, view)
			}
		case db.SlotReserved:
			resp.Reserved = append(resp.Reserved, view)
		case db.SlotBlocked, db.SlotMaintenance:
			resp.Blocked = append(resp.Blocked, view)
		default:
			resp.Available = append(resp.Available, view)
		}
	}

	if s.Cache != nil {
		if raw, err := json.Marshal(resp); err == nil {
			if err := s.Cache.Set(ctx, key, raw, availabilityCacheTTL).Err(); err != nil {
				log.Printf("availability cache write failed: %v", err)
			}
		}
	}
	return resp, nil
}

// InvalidateSlot drops every cached view a single slot can appear in: the
// table view, the restaurant view and, when known, the section view. Pass
// sectionID 0 when the slot's section is unknown.
func (s *AvailabilityService) InvalidateSlot(ctx context.Context, restaurantID, tableID, sectionID int64, date time.Time) {
	if s.Cache == nil {
		return
	}
	keys := []string{
		cacheKey(entities.AvailabilityRequest{RestaurantID: restaurantID, TableID: &tableID, Date: date}),
		cacheKey(entities.AvailabilityRequest{RestaurantID: restaurantID, Date: date}),
	}
	if sectionID > 0 {
		keys = append(keys, cacheKey(entities.AvailabilityRequest{RestaurantID: restaurantID, SectionID: &sectionID, Date: date}))
	}
	if err := s.Cache.Del(ctx, keys...).Err(); err != nil {
		log.Printf("availability cache invalidation failed: %v", err)
	}
}

func (s *AvailabilityService) collect(ctx context.Context, req entities.AvailabilityRequest) ([]db.Slot, error) {
	if req.TableID != nil {
		return s.Slots.ListForTableDate(ctx, *req.TableID, req.Date)
	}
	if req.SectionID != nil {
		tables, err := s.Tables.ListSectionTables(ctx, *req.SectionID)
		if err != nil {
			return nil, err
		}
		var out []db.Slot
		for _, t := range tables {
			slots, err := s.Slots.ListForTableDate(ctx, t.ID, req.Date)
			if err != nil {
				return nil, err
			}
			out = append(out, slots...)
		}
		return out, nil
	}
	return s.Slots.ListForRestaurantDate(ctx, req.RestaurantID, req.Date)
}

func cacheKey(req entities.AvailabilityRequest) string {
	day := req.Date.Format("2006-01-02")
	switch {
	case req.TableID != nil:
		return fmt.Sprintf("availability:table:%d:%s", *req.TableID, day)
	case req.SectionID != nil:
		return fmt.Sprintf("availability:section:%d:%s", *req.SectionID, day)
	default:
		return fmt.Sprintf("availability:restaurant:%d:%s", req.RestaurantID, day)
	}
}
