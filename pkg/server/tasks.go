package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/rollup"
	"github.com/nicktill/tinystat/pkg/server/monitor"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/badger"
)

// Scheduler drives the daily rollup and retention jobs on cron schedules.
type Scheduler struct {
	jobs   *Jobs
	cron   *cron.Cron
	clock  quartz.Clock
	logger *zap.Logger

	// ctx is the lifetime of Run; scheduled jobs stop with it
	ctx context.Context

	maxRetries int
	baseDelay  time.Duration
}

// NewScheduler registers the rollup and retention schedules from cfg.
func NewScheduler(jobs *Jobs, cfg Config, clock quartz.Clock, logger *zap.Logger) (*Scheduler, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		jobs: jobs,
		cron: cron.New(
			cron.WithLocation(jobs.Location()),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		clock:      clock,
		logger:     logger,
		ctx:        context.Background(),
		maxRetries: config.JobMaxRetries,
		baseDelay:  config.JobInitialBackoff,
	}

	if _, err := s.cron.AddFunc(cfg.RollupSchedule, func() {
		s.RollupWithRetry(s.ctx, TriggerSchedule)
	}); err != nil {
		return nil, fmt.Errorf("invalid rollup schedule %q: %w", cfg.RollupSchedule, err)
	}
	if _, err := s.cron.AddFunc(cfg.RetentionSchedule, func() {
		s.jobs.Clean(s.ctx, s.jobs.Policy(), TriggerSchedule)
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.RetentionSchedule, err)
	}

	logger.Info("scheduler configured",
		zap.String("rollup", cfg.RollupSchedule),
		zap.String("retention", cfg.RetentionSchedule),
		zap.String("timezone", jobs.Location().String()),
	)
	return s, nil
}

// Run starts the cron loop plus an initial rollup of yesterday and retention
// pass, then blocks until ctx is done and in-flight jobs have finished.
func (s *Scheduler) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	s.ctx = ctx
	s.cron.Start()

	initialDone := make(chan struct{})
	go func() {
		defer close(initialDone)
		s.logger.Info("running initial rollup of yesterday")
		s.RollupWithRetry(ctx, TriggerStartup)
		if ctx.Err() == nil {
			s.jobs.Clean(ctx, s.jobs.Policy(), TriggerStartup)
		}
	}()

	<-ctx.Done()
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
	<-initialDone
}

// RollupWithRetry rolls up yesterday, retrying fatal failures with
// exponential backoff: 30s, 60s, 120s. After a write that left the day
// incomplete, later attempts purge the day first.
func (s *Scheduler) RollupWithRetry(ctx context.Context, trigger string) (*rollup.Result, error) {
	req := rollup.Request{Date: s.jobs.Yesterday()}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * time.Duration(1<<(attempt-1))
			s.logger.Info("retrying rollup",
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", s.maxRetries+1),
			)
			timer := s.clock.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		result, err := s.jobs.Rollup(ctx, req, trigger)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, rollup.ErrIncompleteWrite) && !req.Reset {
			s.logger.Warn("day left incomplete, next attempt resets it")
			req.Reset = true
		}

		s.logger.Error("rollup failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.maxRetries+1),
			zap.Error(err),
		)
		if status := s.jobs.RollupMonitor.Status(); status.ConsecutiveErrors > 3 {
			s.logger.Error("ALERT: rollup has been failing", zap.Int("consecutive_errors", status.ConsecutiveErrors))
		}
	}

	s.logger.Error("rollup failed after all attempts, will retry on next schedule",
		zap.Int("attempts", s.maxRetries+1))
	return nil, lastErr
}

// RunBadgerGC runs BadgerDB value-log garbage collection periodically to
// reclaim disk space. It returns immediately for other backends.
func RunBadgerGC(ctx context.Context, store storage.Store, clock quartz.Clock, logger *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		logger.Debug("storage is not BadgerDB, skipping GC")
		return
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	ticker := clock.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	logger.Info("BadgerDB GC scheduler started", zap.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ticker.C:
			start := clock.Now()
			// Reclaim a value-log file once half of it is garbage
			if err := badgerStore.RunGC(0.5); err != nil {
				logger.Warn("BadgerDB GC failed", zap.Error(err))
				continue
			}
			logger.Debug("BadgerDB GC completed", zap.Duration("duration", clock.Since(start)))
		case <-ctx.Done():
			logger.Info("stopping BadgerDB GC scheduler")
			return
		}
	}
}

// MonitorStorage periodically logs data-dir usage and warns once the limit is
// reached. Imports are refused by the export handler while over the limit.
func MonitorStorage(ctx context.Context, sm *monitor.StorageMonitor, clock quartz.Clock, logger *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	if clock == nil {
		clock = quartz.NewReal()
	}

	ticker := clock.NewTicker(config.StorageCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sm.CheckLimit(); err != nil {
				logger.Warn("storage check", zap.Error(err))
				continue
			}
			if used, err := sm.Usage(); err == nil {
				logger.Debug("storage usage", zap.Int64("used_bytes", used), zap.Int64("max_bytes", sm.Limit()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
