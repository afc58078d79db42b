package server

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/retention"
	"github.com/nicktill/tinystat/pkg/rollup"
	"github.com/nicktill/tinystat/pkg/runfeed"
	"github.com/nicktill/tinystat/pkg/server/monitor"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/timedim"
)

// Triggers recorded on run feed events
const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
)

// rollupStaleAfter and retentionStaleAfter mark a daily job unhealthy once it
// has missed a day.
const (
	rollupStaleAfter    = 26 * time.Hour
	retentionStaleAfter = 26 * time.Hour
)

// Jobs runs rollups and retention for both the scheduler and the admin API,
// recording every outcome in the job monitors and on the run feed.
type Jobs struct {
	rollup  *rollup.Job
	cleaner *retention.Cleaner
	policy  retention.Policy

	RollupMonitor    *monitor.JobMonitor
	RetentionMonitor *monitor.JobMonitor

	hub     *runfeed.Hub
	clock   quartz.Clock
	loc     *time.Location
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobs wires the rollup job and retention cleaner to store. hub may be nil.
func NewJobs(store storage.Store, cfg Config, hub *runfeed.Hub, clock quartz.Clock, logger *zap.Logger) *Jobs {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	return &Jobs{
		rollup: rollup.New(store, rollup.Config{
			Workers:  cfg.Workers,
			Location: loc,
			Clock:    clock,
			Logger:   logger,
		}),
		cleaner:          retention.New(store, clock, loc, logger),
		policy:           cfg.Retention,
		RollupMonitor:    monitor.NewJobMonitor("rollup", rollupStaleAfter, clock),
		RetentionMonitor: monitor.NewJobMonitor("retention", retentionStaleAfter, clock),
		hub:              hub,
		clock:            clock,
		loc:              loc,
		timeout:          cfg.StoreTimeout,
		logger:           logger.Named("jobs"),
	}
}

// Location returns the zone day boundaries are computed in.
func (j *Jobs) Location() *time.Location {
	return j.loc
}

// Policy returns the configured retention horizon.
func (j *Jobs) Policy() retention.Policy {
	return j.policy
}

// Yesterday returns the start of the previous day, the day a scheduled run rolls up.
func (j *Jobs) Yesterday() time.Time {
	return timedim.MustWindowFor(activity.DimensionDay, 1, j.clock.Now().In(j.loc)).Start
}

func (j *Jobs) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if j.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, j.timeout)
}

// Rollup runs one rollup. Fatal errors are recorded as monitor failures;
// every outcome, including already_computed, counts as a success.
func (j *Jobs) Rollup(ctx context.Context, req rollup.Request, trigger string) (*rollup.Result, error) {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	result, err := j.rollup.Run(ctx, req)
	ev := runfeed.Event{
		Kind:      runfeed.KindRollup,
		Trigger:   trigger,
		Timestamp: j.clock.Now().Unix(),
		Payload:   result,
	}
	if err != nil {
		j.RollupMonitor.RecordFailure(err)
		ev.Error = err.Error()
	} else {
		j.RollupMonitor.RecordSuccess(string(result.Outcome))
	}
	j.publish(ev)
	return result, err
}

// Clean runs retention with policy. A report with every attempted
// dimension failed counts as a monitor failure.
func (j *Jobs) Clean(ctx context.Context, policy retention.Policy, trigger string) retention.Report {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	report := j.cleaner.Clean(ctx, policy)
	ev := runfeed.Event{
		Kind:      runfeed.KindRetention,
		Trigger:   trigger,
		Timestamp: j.clock.Now().Unix(),
		Payload:   report,
	}
	switch err := report.Err(); {
	case report.Failed():
		j.RetentionMonitor.RecordFailure(err)
		ev.Error = err.Error()
	case err != nil:
		j.RetentionMonitor.RecordSuccess("partial")
		ev.Error = err.Error()
	default:
		j.RetentionMonitor.RecordSuccess("completed")
	}
	j.publish(ev)
	return report
}

func (j *Jobs) publish(ev runfeed.Event) {
	if j.hub != nil {
		j.hub.Publish(ev)
	}
}
