package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/logging"
)

type statsRecorder struct {
	stats []ledger.Stats
	runs  map[string]int
	fails int
}

func (r *statsRecorder) RecordStats(st ledger.Stats) { r.stats = append(r.stats, st) }

func (r *statsRecorder) RecordJobRun(job string, err error) {
	if r.runs == nil {
		r.runs = map[string]int{}
	}
	r.runs[job]++
	if err != nil {
		r.fails++
	}
}

type failingStore struct{ ledger.Store }

func (failingStore) Stats(context.Context) (ledger.Stats, error) {
	return ledger.Stats{}, errors.New("store down")
}

type countingCleaner struct{ calls int32 }

func (c *countingCleaner) Cleanup() int { atomic.AddInt32(&c.calls, 1); return 2 }

func TestStatsJob(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	_, err := store.Update(ctx, "a", func(cur ledger.Account, _ bool) (ledger.Account, ledger.Entry, error) {
		next, err := cur.Credit(9)
		return next, ledger.Entry{}, err
	})
	require.NoError(t, err)

	rec := &statsRecorder{}
	require.NoError(t, StatsJob(store, rec)(ctx))
	require.Len(t, rec.stats, 1)
	assert.Equal(t, ledger.Stats{Accounts: 1, TotalBalance: 9}, rec.stats[0])

	err = StatsJob(failingStore{}, rec)(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, rec.runs[JobLedgerStats])
	assert.Equal(t, 1, rec.fails)
	assert.Len(t, rec.stats, 1)
}

func TestScheduler_AddRejectsBadSpec(t *testing.T) {
	s := NewScheduler(logging.NewDiscard())
	err := s.Add("bad", "not a cron spec", func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := NewScheduler(logging.NewDiscard())
	cleaner := &countingCleaner{}
	require.NoError(t, s.Add(JobRateLimitCleanup, "@every 1s", CleanupJob(cleaner, logging.NewDiscard())))
	require.NoError(t, s.Add("panics", "@every 1s", func(context.Context) error { panic("boom") }))
	assert.ElementsMatch(t, []string{JobRateLimitCleanup, "panics"}, s.Jobs())

	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&cleaner.calls) > 0 }, 3*time.Second, 50*time.Millisecond)
}
