package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/storagetest"
)

func TestMemoryStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestMemoryStorage_FindLimit(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	var records []activity.Record
	for i := 0; i < 10; i++ {
		records = append(records, activity.Record{
			AppID:      "app",
			DeviceID:   "d",
			Dimension:  activity.DimensionWeek,
			CreateTime: now,
		})
	}
	if _, err := store.InsertRecords(ctx, records); err != nil {
		t.Fatalf("InsertRecords failed: %v", err)
	}

	results, err := store.FindRecords(ctx, storage.RecordFilter{Limit: 5})
	if err != nil {
		t.Fatalf("FindRecords failed: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("Expected 5 records (limit), got %d", len(results))
	}
}

func TestMemoryStorage_InsertRejectsUnknownDimension(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	_, err := store.InsertRecords(ctx, []activity.Record{
		{AppID: "app", DeviceID: "d1", Dimension: activity.DimensionWeek, CreateTime: time.Now()},
		{AppID: "app", DeviceID: "d2", Dimension: "year", CreateTime: time.Now()},
	})
	if err == nil {
		t.Fatal("Expected error for unknown dimension")
	}

	// Batch is all-or-nothing
	results, _ := store.FindRecords(ctx, storage.RecordFilter{})
	if len(results) != 0 {
		t.Errorf("Expected 0 records after rejected batch, got %d", len(results))
	}
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	store := New()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.FindRecords(ctx, storage.RecordFilter{})
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}
