// Package scheduler runs the service's periodic maintenance on a shared
// gocron scheduler: flipping robots with stale heartbeats to offline and
// evicting expired terminal records from the store. Both jobs run in
// singleton mode so a slow sweep is rescheduled rather than stacked.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/registry"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/store"
)

const (
	// The stale sweep runs at a quarter of the heartbeat timeout, floored so
	// a tiny timeout cannot turn the sweep into a busy loop.
	minStaleInterval = 100 * time.Millisecond

	evictionInterval = time.Minute
)

// Scheduler wraps gocron for the maintenance sweeps. The zero value is not
// usable; create instances with New and call Start once at boot.
type Scheduler struct {
	cron             gocron.Scheduler
	robots           *registry.Registry
	store            *store.Store
	heartbeatTimeout time.Duration
	logger           *zap.Logger
}

func New(robots *registry.Registry, st *store.Store, heartbeatTimeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		cron:             cron,
		robots:           robots,
		store:            st,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.Named("scheduler"),
	}, nil
}

// Start registers both sweeps and begins ticking. A robot is flipped offline
// within roughly 1.25x the heartbeat timeout of its last heartbeat.
func (s *Scheduler) Start() error {
	staleEvery := s.heartbeatTimeout / 4
	if staleEvery < minStaleInterval {
		staleEvery = minStaleInterval
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(staleEvery),
		gocron.NewTask(s.sweepStale),
		gocron.WithName("stale-robots"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule stale sweep: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(evictionInterval),
		gocron.NewTask(s.store.Sweep),
		gocron.WithName("store-eviction"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule store eviction: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("stale_sweep_every", staleEvery),
		zap.Duration("store_eviction_every", evictionInterval))
	return nil
}

func (s *Scheduler) sweepStale() {
	if n := s.robots.MarkStale(s.heartbeatTimeout); n > 0 {
		s.logger.Warn("stale robots marked offline", zap.Int("count", n))
	}
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
