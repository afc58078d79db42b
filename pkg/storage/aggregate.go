package storage

import (
	"sort"

	"github.com/nicktill/tinystat/pkg/activity"
)

// GroupSessions reduces raw events the way the session log's group-by does:
// one Group per GroupKey with IsNew = max(is_first_visit) and
// EarliestCreateTime = min(create_time). The result is sorted by create_time
// ascending; ties break on the key so output is stable.
// Backends without server-side aggregation (memory, badger) use it.
func GroupSessions(events []activity.SessionEvent) []activity.Group {
	if len(events) == 0 {
		return nil
	}

	groups := make(map[activity.GroupKey]*activity.Group)
	for _, e := range events {
		key := e.Key()

		g, exists := groups[key]
		if !exists {
			groups[key] = &activity.Group{
				GroupKey:           key,
				IsNew:              e.IsFirstVisit,
				EarliestCreateTime: e.CreateTime,
			}
			continue
		}

		if e.IsFirstVisit {
			g.IsNew = true
		}
		if e.CreateTime.Before(g.EarliestCreateTime) {
			g.EarliestCreateTime = e.CreateTime
		}
	}

	out := make([]activity.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	SortGroups(out)
	return out
}

// SortGroups orders groups by create_time, then key.
func SortGroups(groups []activity.Group) {
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if !a.EarliestCreateTime.Equal(b.EarliestCreateTime) {
			return a.EarliestCreateTime.Before(b.EarliestCreateTime)
		}
		return keyLess(a.GroupKey, b.GroupKey)
	})
}

func keyLess(a, b activity.GroupKey) bool {
	if a.AppID != b.AppID {
		return a.AppID < b.AppID
	}
	if a.Platform != b.Platform {
		return a.Platform < b.Platform
	}
	if a.Channel != b.Channel {
		return a.Channel < b.Channel
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return a.DeviceID < b.DeviceID
}
