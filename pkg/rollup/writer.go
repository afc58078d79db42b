package rollup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
)

// cleanupTimeout bounds the purge that follows a failed insert.
const cleanupTimeout = 30 * time.Second

// write persists the whole fill list as one batch. Nothing is written
// before every bundle has been checked, so no bundle's duplicate lookup can
// see another bundle's records from the same run.
func (j *Job) write(ctx context.Context, rc *runContext) error {
	for _, r := range rc.fill {
		switch r.Dimension {
		case activity.DimensionWeek:
			rc.result.WeekRecords++
		case activity.DimensionMonth:
			rc.result.MonthRecords++
		}
	}

	if len(rc.fill) == 0 {
		return nil
	}

	inserted, err := j.store.InsertRecords(ctx, rc.fill)
	if err != nil {
		rc.result.WeekRecords, rc.result.MonthRecords = 0, 0
		err = fatal("insert records", err)
		if cerr := j.cleanup(ctx, rc); cerr != nil {
			rc.logger.Error("failed to clean up after insert failure",
				zap.Error(cerr),
				zap.Stringer("window", rc.result.Day),
			)
			return fmt.Errorf("%w: %w", ErrIncompleteWrite, err)
		}
		return err
	}
	rc.result.Inserted = inserted
	return nil
}

// cleanup purges the day for every app the failed batch wrote to, so the
// guard does not mistake a half-written day for a computed one. It runs
// past the caller's cancellation.
func (j *Job) cleanup(ctx context.Context, rc *runContext) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	for _, r := range rc.fill {
		if _, ok := seen[r.AppID]; ok {
			continue
		}
		seen[r.AppID] = struct{}{}

		purged, err := j.store.DeleteRecords(ctx, dayFilter(rc, r.AppID))
		if err != nil {
			return fatal("clean up day", err)
		}
		if purged > 0 {
			rc.logger.Warn("removed partial batch",
				zap.String("app", r.AppID),
				zap.Int("purged", purged),
			)
		}
	}
	return nil
}
