package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystat/pkg/activity"
)

func TestGroupSessions_ReducesPerDevice(t *testing.T) {
	t1 := time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)

	events := []activity.SessionEvent{
		{AppID: "app", Version: "1.0", Platform: "ios", Channel: "store", DeviceID: "d1", IsFirstVisit: false, CreateTime: t2},
		{AppID: "app", Version: "1.0", Platform: "ios", Channel: "store", DeviceID: "d1", IsFirstVisit: true, CreateTime: t1},
	}

	groups := GroupSessions(events)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].IsNew)
	assert.Equal(t, t1, groups[0].EarliestCreateTime)
	assert.Equal(t, "d1", groups[0].DeviceID)
}

func TestGroupSessions_SeparatesVersions(t *testing.T) {
	base := time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)
	events := []activity.SessionEvent{
		{AppID: "app", Version: "1.0", Platform: "ios", Channel: "c", DeviceID: "d1", CreateTime: base.Add(time.Hour)},
		{AppID: "app", Version: "1.1", Platform: "ios", Channel: "c", DeviceID: "d1", CreateTime: base},
		{AppID: "app", Version: "1.0", Platform: "ios", Channel: "c", DeviceID: "d2", CreateTime: base.Add(time.Hour)},
	}

	groups := GroupSessions(events)
	require.Len(t, groups, 3)

	// Sorted by create_time, then key.
	assert.Equal(t, "1.1", groups[0].Version)
	assert.Equal(t, "d1", groups[1].DeviceID)
	assert.Equal(t, "d2", groups[2].DeviceID)
	for _, g := range groups {
		assert.False(t, g.IsNew)
	}
}

func TestGroupSessions_Empty(t *testing.T) {
	assert.Empty(t, GroupSessions(nil))
}

func TestRecordFilter_Matches(t *testing.T) {
	at := time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)
	rec := activity.Record{
		AppID: "app", PlatformID: "p", ChannelID: "c", VersionID: "v",
		DeviceID: "d1", Dimension: activity.DimensionWeek, CreateTime: at,
	}

	tests := []struct {
		name   string
		filter RecordFilter
		want   bool
	}{
		{"empty filter", RecordFilter{}, true},
		{"same scope", RecordFilter{AppID: "app", PlatformID: "p", ChannelID: "c", VersionID: "v"}, true},
		{"other version", RecordFilter{VersionID: "v2"}, false},
		{"other dimension", RecordFilter{Dimension: activity.DimensionMonth}, false},
		{"inclusive bounds", RecordFilter{From: at, To: at}, true},
		{"after To", RecordFilter{To: at.Add(-time.Nanosecond)}, false},
		{"before cutoff is exclusive", RecordFilter{Before: at}, false},
		{"before later cutoff", RecordFilter{Before: at.Add(time.Nanosecond)}, true},
		{"device in set", RecordFilter{DeviceIDs: []string{"d0", "d1"}}, true},
		{"device not in set", RecordFilter{DeviceIDs: []string{"d2"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.MatchesWithDevices(rec, tt.filter.DeviceSet()))
		})
	}
}

func TestUnavailable_Wraps(t *testing.T) {
	cause := assert.AnError
	err := Unavailable("find records", cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "find records")
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, IsUnavailable(Unavailable("ping", assert.AnError)))
	assert.False(t, IsUnavailable(assert.AnError))
	assert.False(t, IsUnavailable(nil))
}
