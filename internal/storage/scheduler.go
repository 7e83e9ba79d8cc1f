package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/robfig/cron/v3"
)

// Scheduler runs Store.Prune on a cron schedule.
type Scheduler struct {
	store    Store
	schedule string
	log      logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a scheduler for schedule, a standard cron expression
// or a descriptor such as "@every 10m".
func NewScheduler(store Store, schedule string, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		store:    store,
		schedule: schedule,
		log:      log,
		cron:     cron.New(),
	}
}

// Start registers the prune job. An empty schedule disables pruning.
// The scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.log.Info("Prune schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.log.Info("Capture prune scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce prunes immediately and returns the number of deleted records.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	deleted, err := s.store.Prune(ctx)
	if err != nil {
		s.log.Error("Capture pruning failed", "error", err)
		return deleted
	}
	if deleted > 0 {
		s.log.Info("Capture pruning completed", "deleted", deleted)
	} else {
		s.log.Debug("Capture pruning completed, nothing to delete")
	}
	return deleted
}

// Stop halts the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("Capture prune scheduler stopped")
}

// NextRun returns the next scheduled prune, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
