package rollup

import (
	"context"

	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/storage"
)

// dayFilter matches every record of appID first seen on the run's day.
func dayFilter(rc *runContext, appID string) storage.RecordFilter {
	return storage.RecordFilter{
		AppID: appID,
		From:  rc.result.Day.Start,
		To:    rc.result.Day.End,
	}
}

// guard enforces exactly-once per day and app. It reports whether the run
// should go on. With Reset, the day's records are purged first.
//
// A run over every app that finds records for the day goes on in partial
// mode: skipComputed then leaves out the apps that already have records, so
// an earlier app-scoped run does not block the rest.
//
// The check-then-act is not atomic: two concurrent runs for the same day can
// both pass. Callers serialise runs per day.
func (j *Job) guard(ctx context.Context, rc *runContext) (bool, error) {
	filter := dayFilter(rc, rc.req.AppID)

	if rc.req.Reset {
		purged, err := j.store.DeleteRecords(ctx, filter)
		if err != nil {
			return false, fatal("purge day", err)
		}
		rc.result.Purged = purged
		rc.logger.Info("purged records for reset",
			zap.Int("purged", purged),
			zap.Stringer("window", rc.result.Day),
		)
		return true, nil
	}

	computed, err := j.computed(ctx, filter)
	if err != nil {
		return false, err
	}
	if !computed {
		return true, nil
	}
	if rc.req.AppID == "" {
		rc.partial = true
		return true, nil
	}

	rc.result.Outcome = OutcomeAlreadyComputed
	rc.logger.Info("day already computed", zap.Stringer("window", rc.result.Day))
	return false, nil
}

func (j *Job) computed(ctx context.Context, filter storage.RecordFilter) (bool, error) {
	filter.Limit = 1
	existing, err := j.store.FindRecords(ctx, filter)
	if err != nil {
		return false, fatal("check day", err)
	}
	return len(existing) > 0, nil
}

// skipComputed drops the bundles of every app that already has records for
// the day and recounts groups and bundles over what is left.
func (j *Job) skipComputed(ctx context.Context, rc *runContext, bundles []bundle) ([]bundle, error) {
	done := make(map[string]bool)
	for _, b := range bundles {
		app := b.key.AppID
		if _, ok := done[app]; ok {
			continue
		}
		computed, err := j.computed(ctx, dayFilter(rc, app))
		if err != nil {
			return nil, err
		}
		done[app] = computed
		if computed {
			rc.result.SkippedApps = append(rc.result.SkippedApps, app)
		}
	}
	if len(rc.result.SkippedApps) == 0 {
		return bundles, nil
	}

	kept := bundles[:0]
	groups := 0
	for _, b := range bundles {
		if done[b.key.AppID] {
			continue
		}
		kept = append(kept, b)
		groups += len(b.devices)
	}
	rc.result.Groups = groups
	rc.result.Bundles = len(kept)

	rc.logger.Info("skipping apps already computed for day",
		zap.Strings("apps", rc.result.SkippedApps),
		zap.Int("remaining_bundles", len(kept)),
	)
	return kept, nil
}
