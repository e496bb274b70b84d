// Package trigger implements cron scheduling for periodic maintenance: the
// proposal expiry sweep and sync-health logging.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper expires pending proposals older than the cutoff.
type Sweeper interface {
	ExpireOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// HealthReporter reports current sync health (degraded blocks).
type HealthReporter interface {
	DegradedCount(ctx context.Context) (int, error)
}

// Scheduler manages the cron-driven maintenance jobs. The stores it drives
// own no clock of their own; every cutoff is computed here.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates an empty scheduler.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week (e.g. "*/15 * * * *" for every 15 minutes). Do not use
// WithSeconds() so docs and configs match.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// RegisterExpirySweep schedules the proposal TTL sweep.
func (s *Scheduler) RegisterExpirySweep(spec string, ttl time.Duration, sweeper Sweeper) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		now := time.Now().UTC()
		n, err := sweeper.ExpireOlderThan(ctx, now.Add(-ttl), now)
		if err != nil {
			log.Error().Err(err).Msg("proposal expiry sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int64("expired", n).Msg("proposal expiry sweep")
		}
	})
	if err != nil {
		return fmt.Errorf("registering expiry sweep cron %q: %w", spec, err)
	}
	return nil
}

// RegisterHealthLog schedules periodic logging of degraded sync states so
// a stuck runtime shows up in the logs, not only on the status endpoint.
func (s *Scheduler) RegisterHealthLog(spec string, reporter HealthReporter) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := reporter.DegradedCount(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sync health check failed")
			return
		}
		if n > 0 {
			log.Warn().Int("degraded_blocks", n).Msg("sync degraded")
		}
	})
	if err != nil {
		return fmt.Errorf("registering health log cron %q: %w", spec, err)
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
