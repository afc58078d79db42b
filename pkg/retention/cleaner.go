package retention

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/observability"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/timedim"
)

// Cleaner deletes week and month records beyond the retention horizon
type Cleaner struct {
	store  storage.ActivityStore
	clock  quartz.Clock
	loc    *time.Location
	logger *zap.Logger
}

// New creates a new cleaner. nil clock, location or logger take defaults.
func New(store storage.ActivityStore, clock quartz.Clock, loc *time.Location, logger *zap.Logger) *Cleaner {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		store:  store,
		clock:  clock,
		loc:    loc,
		logger: logger.Named("retention"),
	}
}

// Clean runs both dimension deletes. It never returns early: the report
// carries each dimension's status.
func (c *Cleaner) Clean(ctx context.Context, policy Policy) Report {
	start := c.clock.Now()
	now := start.In(c.loc)

	report := Report{
		Week:  c.clean(ctx, activity.DimensionWeek, policy.Weeks, now),
		Month: c.clean(ctx, activity.DimensionMonth, policy.Months, now),
	}
	report.Duration = c.clock.Since(start)

	c.logger.Info("retention finished",
		zap.Int("week_deleted", report.Week.Deleted),
		zap.String("week_status", string(report.Week.Status)),
		zap.Int("month_deleted", report.Month.Deleted),
		zap.String("month_status", string(report.Month.Status)),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func (c *Cleaner) clean(ctx context.Context, dim activity.Dimension, keep int, now time.Time) DimensionReport {
	rep := DimensionReport{Dimension: dim}
	if keep <= 0 {
		rep.Status = StatusSkipped
		return rep
	}

	cutoff, err := timedim.Shift(dim, keep, now)
	if err != nil {
		return c.fail(rep, err)
	}
	rep.Cutoff = cutoff

	deleted, err := c.store.DeleteRecords(ctx, storage.RecordFilter{
		Dimension: dim,
		Before:    cutoff,
	})
	if err != nil {
		return c.fail(rep, err)
	}

	rep.Status = StatusDeleted
	rep.Deleted = deleted
	observability.RecordRetention(string(dim), deleted, false)
	c.logger.Debug("expired records",
		zap.String("dimension", string(dim)),
		zap.Time("cutoff", cutoff),
		zap.Int("deleted", deleted),
	)
	return rep
}

func (c *Cleaner) fail(rep DimensionReport, err error) DimensionReport {
	rep.Status = StatusFailed
	rep.Error = err.Error()
	rep.err = err
	observability.RecordRetention(string(rep.Dimension), 0, true)
	c.logger.Error("retention delete failed",
		zap.String("dimension", string(rep.Dimension)),
		zap.Time("cutoff", rep.Cutoff),
		zap.Error(err),
	)
	return rep
}
