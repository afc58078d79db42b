// Package rollup turns one day of session events into first-touch week and
// month activity records.
//
// A run is: idempotency guard, aggregation of the day's sessions, per-bundle
// reference resolution and duplicate checks, then one batch insert.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/observability"
	"github.com/nicktill/tinystat/pkg/resolver"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/timedim"
)

// ErrIncompleteWrite marks a run whose batch insert failed and whose cleanup
// could not remove what was written. The day may hold part of the batch, so
// the next attempt must run with Reset.
var ErrIncompleteWrite = errors.New("day left incomplete")

// Store is the subset of storage.Store a run needs.
type Store interface {
	storage.ActivityStore
	storage.SessionLog
	storage.ReferenceStore
}

// Config tunes a Job.
type Config struct {
	// Workers bounds concurrent bundle processing (<= 0 means config.DefaultWorkers)
	Workers int

	// Location defines day, week and month boundaries (nil = time.Local)
	Location *time.Location

	Clock  quartz.Clock
	Logger *zap.Logger
}

// Job runs rollups against a store. It holds no per-run state, so one Job
// may serve any number of runs.
type Job struct {
	store   Store
	workers int
	loc     *time.Location
	clock   quartz.Clock
	logger  *zap.Logger
}

// New creates a Job.
func New(store Store, cfg Config) *Job {
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultWorkers
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Job{
		store:   store,
		workers: cfg.Workers,
		loc:     cfg.Location,
		clock:   cfg.Clock,
		logger:  cfg.Logger.Named("rollup"),
	}
}

// Location returns the zone windows are computed in.
func (j *Job) Location() *time.Location {
	return j.loc
}

// runContext is the mutable state of one run. Nothing in it outlives Run.
type runContext struct {
	req    Request
	result *Result
	logger *zap.Logger

	resolver *resolver.Resolver

	// partial is set when some apps of a global run already have records
	partial bool

	mu      sync.Mutex
	fill    []activity.Record
	dropped []DroppedBundle
}

func (rc *runContext) appendFill(records []activity.Record) {
	if len(records) == 0 {
		return
	}
	rc.mu.Lock()
	rc.fill = append(rc.fill, records...)
	rc.mu.Unlock()
}

func (rc *runContext) drop(b bundle, err error) {
	rc.mu.Lock()
	rc.dropped = append(rc.dropped, DroppedBundle{
		Bundle:  b.key,
		Devices: len(b.devices),
		Reason:  err.Error(),
	})
	rc.mu.Unlock()
}

// fatal marks err as run-aborting. Store failures that the backend did not
// classify are still treated as unavailability.
func fatal(op string, err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return storage.Unavailable(op, err)
}

// Run rolls up the day containing req.Date. The returned error is always a
// storage.ErrUnavailable, wrapped in ErrIncompleteWrite when a failed insert
// could not be cleaned up. Already-computed and empty days are outcomes.
func (j *Job) Run(ctx context.Context, req Request) (*Result, error) {
	started := j.clock.Now()
	anchor := timedim.StartOfDay(req.Date.In(j.loc))

	result := &Result{
		RunID: uuid.NewString(),
		AppID: req.AppID,
		Reset: req.Reset,
		Day:   timedim.MustWindowFor(activity.DimensionDay, 0, anchor),
		Week:  timedim.MustWindowFor(activity.DimensionWeek, 0, anchor),
		Month: timedim.MustWindowFor(activity.DimensionMonth, 0, anchor),
	}

	rc := &runContext{
		req:    req,
		result: result,
		logger: j.logger.With(
			zap.String("run_id", result.RunID),
			zap.String("day", anchor.Format(time.DateOnly)),
			zap.String("app_id", req.AppID),
		),
	}
	rc.resolver = resolver.New(j.store, rc.logger)

	err := j.run(ctx, rc)
	finished := j.clock.Now()
	result.Duration = finished.Sub(started)

	if err != nil {
		rc.logger.Error("rollup run failed", zap.Error(err), zap.Duration("duration", result.Duration))
		observability.RecordRollupRun(outcomeFailed, result.Duration, finished)
		return result, err
	}

	observability.RecordRollupRun(string(result.Outcome), result.Duration, finished)
	observability.RecordRollupInserted(string(activity.DimensionWeek), result.WeekRecords)
	observability.RecordRollupInserted(string(activity.DimensionMonth), result.MonthRecords)
	observability.RecordRollupDropped(len(result.Dropped))

	rc.logger.Info("rollup run finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("groups", result.Groups),
		zap.Int("bundles", result.Bundles),
		zap.Int("week_records", result.WeekRecords),
		zap.Int("month_records", result.MonthRecords),
		zap.Int("dropped", len(result.Dropped)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (j *Job) run(ctx context.Context, rc *runContext) error {
	proceed, err := j.guard(ctx, rc)
	if err != nil || !proceed {
		return err
	}

	bundles, err := j.aggregate(ctx, rc)
	if err != nil {
		return err
	}
	if rc.partial {
		if bundles, err = j.skipComputed(ctx, rc, bundles); err != nil {
			return err
		}
		if len(bundles) == 0 {
			rc.result.Outcome = OutcomeAlreadyComputed
			rc.logger.Info("day already computed", zap.Stringer("window", rc.result.Day))
			return nil
		}
	}
	if len(bundles) == 0 {
		rc.result.Outcome = OutcomeEmpty
		rc.logger.Info("no session events for day", zap.Stringer("window", rc.result.Day))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)
	for _, b := range bundles {
		b := b
		g.Go(func() error {
			return j.fillBundle(gctx, rc, b)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rc.result.Dropped = rc.dropped
	if err := j.write(ctx, rc); err != nil {
		return err
	}
	rc.result.Outcome = OutcomeCompleted
	return nil
}
