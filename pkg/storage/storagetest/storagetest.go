// Package storagetest holds the behaviour every storage.Store backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) storage.Store

// Base is the day every fixture is anchored on (a Thursday).
var Base = time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)

// Run executes the shared backend suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"AggregateSessions", testAggregateSessions},
		{"AggregateSessionsScopesApp", testAggregateScopesApp},
		{"InsertAndFindRecords", testInsertAndFind},
		{"FindRecordsDeviceSet", testFindDeviceSet},
		{"DeleteRecordsWindow", testDeleteWindow},
		{"DeleteRecordsBefore", testDeleteBefore},
		{"FindOrCreateReference", testFindOrCreateReference},
		{"FindOrCreateReferenceConcurrent", testFindOrCreateConcurrent},
		{"FindOrCreateReferenceEmptyName", testReferenceEmptyName},
		{"FindOrCreateReferenceUnknownKind", testReferenceUnknownKind},
		{"InsertRecordsRejectsDayDimension", testInsertRejectsDay},
		{"Stats", testStats},
		{"ClosedStoreUnavailable", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func session(device, version string, first bool, at time.Time) activity.SessionEvent {
	return activity.SessionEvent{
		AppID:        "app-1",
		Version:      version,
		Platform:     "ios",
		Channel:      "appstore",
		DeviceID:     device,
		IsFirstVisit: first,
		CreateTime:   at,
	}
}

func record(device string, dim activity.Dimension, at time.Time) activity.Record {
	return activity.Record{
		AppID:      "app-1",
		PlatformID: "p1",
		ChannelID:  "c1",
		VersionID:  "v1",
		DeviceID:   device,
		Dimension:  dim,
		CreateTime: at,
	}
}

func dayRange(app string) storage.SessionRange {
	return storage.SessionRange{
		AppID: app,
		Start: Base,
		End:   Base.Add(24*time.Hour - time.Nanosecond),
	}
}

func testAggregateSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	t1 := Base.Add(8 * time.Hour)
	t2 := Base.Add(10 * time.Hour)

	require.NoError(t, s.AppendSessions(ctx, []activity.SessionEvent{
		session("d1", "1.0", false, t2),
		session("d1", "1.0", true, t1),
		session("d2", "1.0", false, t2),
		// Outside the day
		session("d3", "1.0", true, Base.Add(-time.Hour)),
		session("d3", "1.0", true, Base.Add(24*time.Hour)),
	}))

	groups, err := s.AggregateSessions(ctx, dayRange(""))
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "d1", groups[0].DeviceID)
	assert.True(t, groups[0].IsNew)
	assert.True(t, groups[0].EarliestCreateTime.Equal(t1))

	assert.Equal(t, "d2", groups[1].DeviceID)
	assert.False(t, groups[1].IsNew)
	assert.True(t, groups[1].EarliestCreateTime.Equal(t2))
}

func testAggregateScopesApp(t *testing.T, s storage.Store) {
	ctx := context.Background()
	other := session("d9", "1.0", true, Base.Add(time.Hour))
	other.AppID = "app-2"

	require.NoError(t, s.AppendSessions(ctx, []activity.SessionEvent{
		session("d1", "1.0", true, Base.Add(time.Hour)),
		other,
	}))

	groups, err := s.AggregateSessions(ctx, dayRange("app-2"))
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "d9", groups[0].DeviceID)

	events, err := s.QuerySessions(ctx, dayRange(""))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func testInsertAndFind(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := Base.Add(9 * time.Hour)

	n, err := s.InsertRecords(ctx, []activity.Record{
		record("d1", activity.DimensionWeek, at),
		record("d1", activity.DimensionMonth, at),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := s.FindRecords(ctx, storage.RecordFilter{Dimension: activity.DimensionWeek})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.NotEmpty(t, found[0].ID)
	assert.Equal(t, "d1", found[0].DeviceID)
	assert.True(t, found[0].CreateTime.Equal(at))

	n, err = s.InsertRecords(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testFindDeviceSet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := Base.Add(time.Hour)

	_, err := s.InsertRecords(ctx, []activity.Record{
		record("d1", activity.DimensionWeek, at),
		record("d2", activity.DimensionWeek, at),
		record("d3", activity.DimensionWeek, at),
	})
	require.NoError(t, err)

	found, err := s.FindRecords(ctx, storage.RecordFilter{
		AppID:      "app-1",
		PlatformID: "p1",
		ChannelID:  "c1",
		VersionID:  "v1",
		DeviceIDs:  []string{"d1", "d3", "d4"},
		Dimension:  activity.DimensionWeek,
		From:       Base,
		To:         Base.Add(7*24*time.Hour - time.Nanosecond),
	})
	require.NoError(t, err)

	devices := make([]string, 0, len(found))
	for _, r := range found {
		devices = append(devices, r.DeviceID)
	}
	assert.ElementsMatch(t, []string{"d1", "d3"}, devices)

	found, err = s.FindRecords(ctx, storage.RecordFilter{VersionID: "v2"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testDeleteWindow(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.InsertRecords(ctx, []activity.Record{
		record("d1", activity.DimensionWeek, Base),
		record("d2", activity.DimensionWeek, Base.Add(24*time.Hour-time.Nanosecond)),
		record("d3", activity.DimensionWeek, Base.Add(24*time.Hour)),
	})
	require.NoError(t, err)

	deleted, err := s.DeleteRecords(ctx, storage.RecordFilter{
		From: Base,
		To:   Base.Add(24*time.Hour - time.Nanosecond),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	left, err := s.FindRecords(ctx, storage.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "d3", left[0].DeviceID)
}

func testDeleteBefore(t *testing.T, s storage.Store) {
	ctx := context.Background()
	cutoff := Base

	_, err := s.InsertRecords(ctx, []activity.Record{
		record("old", activity.DimensionWeek, cutoff.Add(-time.Nanosecond)),
		record("edge", activity.DimensionWeek, cutoff),
		record("month", activity.DimensionMonth, cutoff.Add(-time.Hour)),
	})
	require.NoError(t, err)

	deleted, err := s.DeleteRecords(ctx, storage.RecordFilter{
		Dimension: activity.DimensionWeek,
		Before:    cutoff,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	left, err := s.FindRecords(ctx, storage.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func testFindOrCreateReference(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := activity.ReferenceKey{Kind: activity.KindPlatform, AppID: "app-1", Name: "ios"}

	first, err := s.FindOrCreateReference(ctx, key)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, key, first.ReferenceKey)

	again, err := s.FindOrCreateReference(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	channel, err := s.FindOrCreateReference(ctx, activity.ReferenceKey{
		Kind: activity.KindChannel, AppID: "app-1", ParentID: first.ID, Name: "ios",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, channel.ID)
}

func testFindOrCreateConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := activity.ReferenceKey{Kind: activity.KindVersion, AppID: "app-1", ParentID: "p1", Name: "2.0"}

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := s.FindOrCreateReference(ctx, key)
			ids[i], errs[i] = ref.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func testReferenceEmptyName(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := activity.ReferenceKey{Kind: activity.KindChannel, AppID: "app-1", ParentID: "p1"}

	first, err := s.FindOrCreateReference(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "", first.Name)

	again, err := s.FindOrCreateReference(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	named, err := s.FindOrCreateReference(ctx, activity.ReferenceKey{Kind: activity.KindChannel, AppID: "app-1", ParentID: "p1", Name: "play"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, named.ID)
}

func testReferenceUnknownKind(t *testing.T, s storage.Store) {
	_, err := s.FindOrCreateReference(context.Background(), activity.ReferenceKey{
		Kind: "store", AppID: "app-1", Name: "play",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidReference)
	assert.False(t, errors.Is(err, storage.ErrUnavailable))
}

func testInsertRejectsDay(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.InsertRecords(ctx, []activity.Record{
		record("d1", activity.DimensionWeek, Base.Add(time.Hour)),
		record("d1", activity.DimensionDay, Base.Add(time.Hour)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidRecord)
	assert.False(t, errors.Is(err, storage.ErrUnavailable))

	found, err := s.FindRecords(ctx, storage.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testStats(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendSessions(ctx, []activity.SessionEvent{
		session("d1", "1.0", true, Base.Add(time.Hour)),
	}))
	_, err := s.InsertRecords(ctx, []activity.Record{
		record("d1", activity.DimensionWeek, Base.Add(time.Hour)),
		record("d1", activity.DimensionMonth, Base.Add(2*time.Hour)),
	})
	require.NoError(t, err)
	_, err = s.FindOrCreateReference(ctx, activity.ReferenceKey{Kind: activity.KindPlatform, AppID: "app-1", Name: "ios"})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.SessionEvents)
	assert.Equal(t, uint64(2), stats.Records)
	assert.Equal(t, uint64(1), stats.WeekRecords)
	assert.Equal(t, uint64(1), stats.MonthRecords)
	assert.Equal(t, uint64(1), stats.References)
	assert.True(t, stats.OldestRecord.Equal(Base.Add(time.Hour)))
	assert.True(t, stats.NewestRecord.Equal(Base.Add(2*time.Hour)))
}

func testClosed(t *testing.T, s storage.Store) {
	require.NoError(t, s.Close())

	_, err := s.FindRecords(context.Background(), storage.RecordFilter{})
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	_, err = s.InsertRecords(context.Background(), []activity.Record{record("d1", activity.DimensionWeek, Base)})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
