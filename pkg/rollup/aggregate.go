package rollup

import (
	"context"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

// device is one aggregated group reduced to what a fill record needs.
type device struct {
	id         string
	isNew      bool
	createTime time.Time
}

// bundle is every device sharing one app, platform, channel and version.
// Duplicate lookups run once per bundle with the device ids as an in-set.
type bundle struct {
	key     activity.BundleKey
	devices []device
}

func (b bundle) deviceIDs() []string {
	ids := make([]string, len(b.devices))
	for i, d := range b.devices {
		ids[i] = d.id
	}
	return ids
}

// aggregate reads the whole day once, before any duplicate lookups, so the
// rest of the run works on a stable snapshot.
func (j *Job) aggregate(ctx context.Context, rc *runContext) ([]bundle, error) {
	groups, err := j.store.AggregateSessions(ctx, storage.SessionRange{
		AppID: rc.req.AppID,
		Start: rc.result.Day.Start,
		End:   rc.result.Day.End,
	})
	if err != nil {
		return nil, fatal("aggregate sessions", err)
	}

	bundles := bundleGroups(groups)
	rc.result.Groups = len(groups)
	rc.result.Bundles = len(bundles)
	return bundles, nil
}

// bundleGroups buckets groups by BundleKey, in first-seen order.
func bundleGroups(groups []activity.Group) []bundle {
	index := make(map[activity.BundleKey]int)
	var bundles []bundle

	for _, g := range groups {
		key := g.BundleKey()
		i, ok := index[key]
		if !ok {
			i = len(bundles)
			index[key] = i
			bundles = append(bundles, bundle{key: key})
		}
		bundles[i].devices = append(bundles[i].devices, device{
			id:         g.DeviceID,
			isNew:      g.IsNew,
			createTime: g.EarliestCreateTime,
		})
	}
	return bundles
}
