package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/store"
)

// HousekeepingService periodically deletes handoff sessions whose deadline
// passed more than Retention ago. Purely hygiene: expiry is detected lazily
// at read time, so the protocol never depends on this sweep running.
type HousekeepingService struct {
	Store     store.Store
	Logger    *slog.Logger
	Interval  time.Duration
	Retention time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a housekeeping service. Interval defaults
// to 1 hour, retention to 24 hours.
func NewHousekeepingService(st store.Store, logger *slog.Logger, interval, retention time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	return &HousekeepingService{
		Store:     st,
		Logger:    logger,
		Interval:  interval,
		Retention: retention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut the
// worker down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval, "retention", s.Retention)
}

// Stop gracefully shuts down the background worker, blocking until any
// in-progress cleanup finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.Retention)

	if err := s.Store.Sessions().DeleteExpiredSessions(ctx, cutoff); err != nil {
		s.Logger.Error("failed to delete expired handoff sessions", "error", err)
		return
	}

	s.Logger.Debug("deleted expired handoff sessions", "cutoff", cutoff)
}
