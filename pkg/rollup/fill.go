package rollup

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/resolver"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/timedim"
)

// fillBundle emits a week and/or month record for each device of b that is
// not yet recorded in the current week or month window. A reference that
// cannot be resolved drops the bundle; any store failure aborts the run.
func (j *Job) fillBundle(ctx context.Context, rc *runContext, b bundle) error {
	ids, err := rc.resolver.Bundle(ctx, b.key)
	if err != nil {
		var resErr *resolver.ResolutionError
		if errors.As(err, &resErr) {
			rc.logger.Warn("dropping bundle: reference resolution failed",
				zap.Stringer("bundle", b.key),
				zap.Int("devices", len(b.devices)),
				zap.Error(err),
			)
			rc.drop(b, err)
			return nil
		}
		return fatal("resolve references", err)
	}

	deviceIDs := b.deviceIDs()

	weekSeen, err := j.present(ctx, b.key.AppID, ids, deviceIDs, activity.DimensionWeek, rc.result.Week)
	if err != nil {
		return err
	}
	monthSeen, err := j.present(ctx, b.key.AppID, ids, deviceIDs, activity.DimensionMonth, rc.result.Month)
	if err != nil {
		return err
	}

	var records []activity.Record
	for _, d := range b.devices {
		if _, ok := weekSeen[d.id]; !ok {
			records = append(records, newRecord(b.key.AppID, ids, d, activity.DimensionWeek))
		}
		if _, ok := monthSeen[d.id]; !ok {
			records = append(records, newRecord(b.key.AppID, ids, d, activity.DimensionMonth))
		}
	}

	rc.appendFill(records)
	return nil
}

// present returns the devices already recorded for dim inside window.
func (j *Job) present(ctx context.Context, appID string, ids resolver.IDs, deviceIDs []string, dim activity.Dimension, window timedim.Window) (map[string]struct{}, error) {
	existing, err := j.store.FindRecords(ctx, storage.RecordFilter{
		AppID:      appID,
		PlatformID: ids.PlatformID,
		ChannelID:  ids.ChannelID,
		VersionID:  ids.VersionID,
		DeviceIDs:  deviceIDs,
		Dimension:  dim,
		From:       window.Start,
		To:         window.End,
	})
	if err != nil {
		return nil, fatal("find "+string(dim)+" records", err)
	}

	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.DeviceID] = struct{}{}
	}
	return seen, nil
}

func newRecord(appID string, ids resolver.IDs, d device, dim activity.Dimension) activity.Record {
	return activity.Record{
		AppID:      appID,
		PlatformID: ids.PlatformID,
		ChannelID:  ids.ChannelID,
		VersionID:  ids.VersionID,
		DeviceID:   d.id,
		IsNew:      d.isNew,
		Dimension:  dim,
		CreateTime: d.createTime,
	}
}
