package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/rollup"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/memory"
)

func newTestScheduler(t *testing.T, jobs *Jobs) *Scheduler {
	t.Helper()
	s, err := NewScheduler(jobs, testConfig(), quartz.NewReal(), zaptest.NewLogger(t))
	require.NoError(t, err)
	s.baseDelay = time.Millisecond
	return s
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	store := memory.New()
	defer store.Close()
	jobs, _ := newTestJobs(t, store)

	cfg := testConfig()
	cfg.RollupSchedule = "every day"
	_, err := NewScheduler(jobs, cfg, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestScheduler_RollupWithRetrySucceeds(t *testing.T) {
	store := memory.New()
	defer store.Close()
	seedSessions(t, store)

	jobs, _ := newTestJobs(t, store)
	s := newTestScheduler(t, jobs)

	result, err := s.RollupWithRetry(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, rollup.OutcomeCompleted, result.Outcome)
	assert.Equal(t, day, result.Day.Start)
}

func TestScheduler_RollupWithRetryExhausts(t *testing.T) {
	store := memory.New()
	store.Close()

	jobs, _ := newTestJobs(t, store)
	s := newTestScheduler(t, jobs)

	_, err := s.RollupWithRetry(context.Background(), TriggerSchedule)
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, s.maxRetries+1, jobs.RollupMonitor.Status().ConsecutiveErrors)
}

func TestScheduler_RollupWithRetryStopsOnCancel(t *testing.T) {
	store := memory.New()
	store.Close()

	jobs, _ := newTestJobs(t, store)
	s := newTestScheduler(t, jobs)
	s.baseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool {
			return jobs.RollupMonitor.Status().ConsecutiveErrors == 1
		}, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()

	_, err := s.RollupWithRetry(ctx, TriggerSchedule)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, jobs.RollupMonitor.Status().ConsecutiveErrors)
}

func TestScheduler_RollupWithRetryResetsIncompleteDay(t *testing.T) {
	store := &brokenWriteStore{Storage: memory.New()}
	defer store.Close()
	seedSessions(t, store)

	jobs, _ := newTestJobs(t, store)
	s := newTestScheduler(t, jobs)

	result, err := s.RollupWithRetry(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, rollup.OutcomeCompleted, result.Outcome)
	assert.True(t, result.Reset)
	assert.Equal(t, 3, result.Purged)
	assert.Equal(t, 6, result.Inserted)

	records, err := store.FindRecords(context.Background(), storage.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestScheduler_CancelStopsScheduledRollup(t *testing.T) {
	store := memory.New()
	store.Close()

	jobs, _ := newTestJobs(t, store)
	cfg := testConfig()
	cfg.RollupSchedule = "@every 1s"
	cfg.RetentionSchedule = "0 0 1 1 *"
	s, err := NewScheduler(jobs, cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.baseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go s.Run(ctx, &wg)

	// one failure from the startup run, one from the scheduled run; both
	// are now waiting out a long backoff
	require.Eventually(t, func() bool {
		return jobs.RollupMonitor.Status().ConsecutiveErrors >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop a scheduled rollup on cancel")
	}
}

func TestScheduler_RunPerformsStartupJobs(t *testing.T) {
	store := memory.New()
	defer store.Close()
	seedSessions(t, store)

	jobs, _ := newTestJobs(t, store)
	s := newTestScheduler(t, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go s.Run(ctx, &wg)

	require.Eventually(t, func() bool {
		return jobs.RetentionMonitor.Status().LastOutcome != ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	assert.Equal(t, string(rollup.OutcomeCompleted), jobs.RollupMonitor.Status().LastOutcome)
	assert.True(t, jobs.RetentionMonitor.IsHealthy())
}

func TestRunBadgerGC_SkipsOtherBackends(t *testing.T) {
	store := memory.New()
	defer store.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		RunBadgerGC(context.Background(), store, nil, zaptest.NewLogger(t), &wg)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunBadgerGC did not return for the memory backend")
	}
	wg.Wait()
}

// brokenWriteStore writes half of the first batch then fails, and fails
// the first delete, so the first rollup leaves the day incomplete.
type brokenWriteStore struct {
	*memory.Storage

	mu      sync.Mutex
	inserts int
	deletes int
}

func (s *brokenWriteStore) InsertRecords(ctx context.Context, records []activity.Record) (int, error) {
	s.mu.Lock()
	s.inserts++
	first := s.inserts == 1
	s.mu.Unlock()

	if !first {
		return s.Storage.InsertRecords(ctx, records)
	}
	if _, err := s.Storage.InsertRecords(ctx, records[:len(records)/2]); err != nil {
		return 0, err
	}
	return 0, storage.Unavailable("insert records", errors.New("connection reset"))
}

func (s *brokenWriteStore) DeleteRecords(ctx context.Context, f storage.RecordFilter) (int, error) {
	s.mu.Lock()
	s.deletes++
	first := s.deletes == 1
	s.mu.Unlock()

	if first {
		return 0, storage.Unavailable("delete records", errors.New("connection reset"))
	}
	return s.Storage.DeleteRecords(ctx, f)
}
