// Package sweep schedules a periodic, low-noise log line reporting the
// TunnelClient sub-client cache's occupancy, the way the pack's
// pkg/evidence/retention.Scheduler schedules maintenance work with
// robfig/cron rather than a bespoke ticker goroutine. It never mutates the
// cache; reaping expired entries is the cache's own background expirer
// (internal/tunnel.cache.cleanupLoop) - this package only observes and
// reports.
package sweep

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/veilproxy/veilproxy/internal/metrics"
)

// CacheSizer is the subset of *tunnel.Client the sweeper needs. Depending
// on an interface instead of *tunnel.Client directly keeps this package
// testable without a real bootstrapped overlay.
type CacheSizer interface {
	CacheSize() int
}

// Scheduler runs CacheSizer.CacheSize() on a cron schedule and logs the
// result, mirroring the pack's NewScheduler(pruner)/Start(ctx)/Stop() shape.
type Scheduler struct {
	client   CacheSizer
	cron     *cron.Cron
	logger   *slog.Logger
	metrics  *metrics.Recorder
	schedule string

	mu      sync.Mutex
	running bool
}

// New builds a Scheduler. schedule is a standard 5-field cron expression
// (e.g. "*/5 * * * *" for every five minutes); an empty schedule disables
// sweeping entirely, matching the pack's "PruneSchedule empty -> no-op"
// convention.
func New(client CacheSizer, schedule string, rec *metrics.Recorder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		client:   client,
		cron:     cron.New(),
		logger:   logger,
		metrics:  rec,
		schedule: schedule,
	}
}

// Start validates and registers the sweep job, then starts the cron
// scheduler's own goroutine. It does not block.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Debug("cache sweep schedule not configured, skipping")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("sweep: invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return fmt.Errorf("sweep: schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("cache sweep scheduler started", "schedule", s.schedule)
	return nil
}

// runSweep is the scheduled job body: it samples occupancy, stamps the
// sample with a fresh sweep ID so repeated runs are correlatable in
// structured logs, and updates the gauge metrics exposes.
func (s *Scheduler) runSweep() {
	size := s.client.CacheSize()
	sweepID := uuid.New()

	s.metrics.SetCacheOccupancy(size)
	s.logger.Debug("tunnel cache sweep", "sweep_id", sweepID.String(), "entries", size)
}

// Stop stops the cron scheduler and waits for any in-flight sweep to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.running = false
	}
}
