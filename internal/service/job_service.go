package service

import (
	"context"
	"fmt"
	"log"
	"time"
)

// stalledProcessingAge is how long a request may sit at PROCESSING before
// the recovery job treats it as crashed and unwinds it.
const stalledProcessingAge = 15 * time.Minute

type JobService struct {
	Holds         *HoldService
	Modifications *ModificationService
}

func NewJobService(holds *HoldService, modifications *ModificationService) *JobService {
	return &JobService{Holds: holds, Modifications: modifications}
}

// SweepExpiredHolds reclaims HELD slots whose holds have lapsed.
func (s *JobService) SweepExpiredHolds() error {
	log.Println("Cron Job: Sweeping expired holds...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := s.Holds.SweepExpired(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("cron job: failed to sweep expired holds: %w", err)
	}
	if len(swept) == 0 {
		log.Println("Cron Job: No expired holds found.")
		return nil
	}

	log.Printf("Cron Job: Reclaimed %d expired holds. Slot IDs: %v", len(swept), swept)
	return nil
}

// RecoverStalledModifications rejects requests stuck at PROCESSING and
// replays their compensations.
func (s *JobService) RecoverStalledModifications() error {
	log.Println("Cron Job: Checking for stalled modification requests...")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n, err := s.Modifications.RecoverStalled(ctx, stalledProcessingAge)
	if err != nil {
		return fmt.Errorf("cron job: failed to recover stalled modifications: %w", err)
	}
	if n == 0 {
		log.Println("Cron Job: No stalled modification requests found.")
		return nil
	}

	log.Printf("Cron Job: Recovered %d stalled modification requests.", n)
	return nil
}
