package storage

import (
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
)

// RecordFilter selects activity records. Zero-valued fields do not filter.
type RecordFilter struct {
	AppID      string
	PlatformID string
	ChannelID  string
	VersionID  string

	// DeviceIDs restricts to an in-set of devices (empty = any)
	DeviceIDs []string

	Dimension activity.Dimension

	// From and To bound create_time inclusively
	From time.Time
	To   time.Time

	// Before bounds create_time exclusively (retention cutoffs)
	Before time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// DeviceSet returns the in-set as a map, nil when the filter has none.
func (f RecordFilter) DeviceSet() map[string]struct{} {
	if len(f.DeviceIDs) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(f.DeviceIDs))
	for _, id := range f.DeviceIDs {
		set[id] = struct{}{}
	}
	return set
}

// Matches checks a record against every filter except DeviceIDs and Limit.
// Backends that scan check devices against DeviceSet once per query.
func (f RecordFilter) Matches(r activity.Record) bool {
	if f.AppID != "" && r.AppID != f.AppID {
		return false
	}
	if f.PlatformID != "" && r.PlatformID != f.PlatformID {
		return false
	}
	if f.ChannelID != "" && r.ChannelID != f.ChannelID {
		return false
	}
	if f.VersionID != "" && r.VersionID != f.VersionID {
		return false
	}
	if f.Dimension != "" && r.Dimension != f.Dimension {
		return false
	}
	if !f.From.IsZero() && r.CreateTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.CreateTime.After(f.To) {
		return false
	}
	if !f.Before.IsZero() && !r.CreateTime.Before(f.Before) {
		return false
	}
	return true
}

// MatchesWithDevices is Matches plus the in-set check.
func (f RecordFilter) MatchesWithDevices(r activity.Record, devices map[string]struct{}) bool {
	if devices != nil {
		if _, ok := devices[r.DeviceID]; !ok {
			return false
		}
	}
	return f.Matches(r)
}
