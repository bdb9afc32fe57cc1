// Package jobs runs the ledger's periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/logging"
)

// Job names.
const (
	JobLedgerStats      = "ledger-stats"
	JobRateLimitCleanup = "ratelimit-cleanup"
)

const jobTimeout = 30 * time.Second

// StatsRecorder receives store snapshots.
type StatsRecorder interface {
	RecordStats(ledger.Stats)
	RecordJobRun(job string, err error)
}

// Cleaner drops idle state, returning how many entries were removed.
type Cleaner interface {
	Cleanup() int
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger
	jobs   map[string]cron.EntryID
}

// NewScheduler creates a scheduler using standard five-field specs and
// descriptors such as "@every 1m".
func NewScheduler(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers fn under name. A panicking or failing run is logged and
// does not stop the schedule.
func (s *Scheduler) Add(name, spec string, fn func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.jobs[name] = id
	return nil
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	ctx = logging.WithTraceID(ctx, logging.NewTraceID())

	log := s.logger.WithContext(ctx).WithField("job", name)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("job panicked")
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		log.WithError(err).Warn("job failed")
		return
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("job finished")
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends
// first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// StatsJob refreshes the account gauges from the store.
func StatsJob(store ledger.Store, rec StatsRecorder) func(context.Context) error {
	return func(ctx context.Context) error {
		st, err := store.Stats(ctx)
		rec.RecordJobRun(JobLedgerStats, err)
		if err != nil {
			return fmt.Errorf("ledger stats: %w", err)
		}
		rec.RecordStats(st)
		return nil
	}
}

// CleanupJob drops idle rate limiter keys.
func CleanupJob(c Cleaner, logger *logging.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		if n := c.Cleanup(); n > 0 && logger != nil {
			logger.WithContext(ctx).WithField("removed", n).Debug("rate limiter keys dropped")
		}
		return nil
	}
}
