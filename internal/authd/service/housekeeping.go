package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/nimbleos/authd/internal/authd/store"
)

// HousekeepingService periodically sweeps lapsed rate-limiter leases out of
// the database and expired sessions out of the registry. The per-session
// timers already handle expiry in the common case; the sweep is the backstop
// for timers lost to suspend/resume or clock adjustment.
type HousekeepingService struct {
	Store    store.Store
	Manager  *SessionManager
	Logger   *slog.Logger
	Interval time.Duration

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 10 minutes.
func NewHousekeepingService(st store.Store, manager *SessionManager, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	return &HousekeepingService{
		Store:    st,
		Manager:  manager,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs cleanup.
// This is non-blocking and should be called after the database is ready.
// Call Stop() to gracefully shutdown the worker.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the background worker.
// Blocks until the worker has finished any in-progress cleanup.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
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

// cleanup performs the actual sweeps. Each sweep is independent; a failure in
// one does not stop the others.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()

	if err := s.Store.Leases().DeleteExpiredLeases(ctx); err != nil {
		s.Logger.Error("failed to delete expired rate-limiter leases", "error", err)
	} else {
		s.Logger.Debug("deleted expired rate-limiter leases")
	}

	if s.Manager != nil {
		if expired := s.Manager.ExpireStale(); expired > 0 {
			s.Logger.Info("expired stale sessions", "count", expired)
		}
	}
}
