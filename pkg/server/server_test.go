package server

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/retention"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/memory"
)

var day = time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Port:              "8080",
		Storage:           BackendMemory,
		Location:          time.UTC,
		Workers:           2,
		StoreTimeout:      5 * time.Second,
		Retention:         retention.Policy{Weeks: 10, Months: 10},
		RollupSchedule:    "10 0 * * *",
		RetentionSchedule: "40 0 * * *",
	}
}

// newTestJobs returns Jobs over store with the clock at 10:00 the day after day.
func newTestJobs(t *testing.T, store storage.Store) (*Jobs, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(day.Add(34 * time.Hour))
	return NewJobs(store, testConfig(), nil, clock, zaptest.NewLogger(t)), clock
}

func seedSessions(t *testing.T, store storage.SessionLog) {
	t.Helper()
	events := []activity.SessionEvent{
		{AppID: "app", Platform: "ios", Channel: "store", Version: "1.0", DeviceID: "d1", IsFirstVisit: true, CreateTime: day.Add(8 * time.Hour)},
		{AppID: "app", Platform: "ios", Channel: "store", Version: "1.0", DeviceID: "d2", CreateTime: day.Add(9 * time.Hour)},
		{AppID: "app", Platform: "android", Channel: "play", Version: "1.1", DeviceID: "d3", CreateTime: day.Add(10 * time.Hour)},
	}
	require.NoError(t, store.AppendSessions(context.Background(), events))
}

// weekFailStore fails week deletes, and month deletes too when both is set.
type weekFailStore struct {
	*memory.Storage
	both bool
}

func (s *weekFailStore) DeleteRecords(ctx context.Context, f storage.RecordFilter) (int, error) {
	if f.Dimension == activity.DimensionWeek || s.both {
		return 0, storage.Unavailable("delete records", context.DeadlineExceeded)
	}
	return s.Storage.DeleteRecords(ctx, f)
}
