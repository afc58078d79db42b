package badger

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/storagetest"
)

func TestBadgerStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, err := New(Config{InMemory: true, Logger: zaptest.NewLogger(t)})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		return store
	})
}

func TestBadgerStorage_Persistence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	at := storagetest.Base.Add(3 * time.Hour)
	key := activity.ReferenceKey{Kind: activity.KindPlatform, AppID: "app", Name: "android"}

	// Write and close
	store, err := New(Config{Path: tmpDir})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	if _, err := store.InsertRecords(ctx, []activity.Record{
		{AppID: "app", DeviceID: "d1", Dimension: activity.DimensionMonth, CreateTime: at},
	}); err != nil {
		t.Fatalf("InsertRecords failed: %v", err)
	}
	ref, err := store.FindOrCreateReference(ctx, key)
	if err != nil {
		t.Fatalf("FindOrCreateReference failed: %v", err)
	}
	store.Close()

	// Reopen and verify
	store, err = New(Config{Path: tmpDir})
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer store.Close()

	results, err := store.FindRecords(ctx, storage.RecordFilter{Dimension: activity.DimensionMonth})
	if err != nil {
		t.Fatalf("FindRecords failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 record after reopen, got %d", len(results))
	}
	if !results[0].CreateTime.Equal(at) {
		t.Errorf("Expected create_time %v, got %v", at, results[0].CreateTime)
	}

	again, err := store.FindOrCreateReference(ctx, key)
	if err != nil {
		t.Fatalf("FindOrCreateReference failed: %v", err)
	}
	if again.ID != ref.ID {
		t.Errorf("Expected reference id %s to survive reopen, got %s", ref.ID, again.ID)
	}
}

func TestBadgerStorage_LargeDelete(t *testing.T) {
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	cutoff := storagetest.Base

	// Enough keys to overflow a single transaction
	records := make([]activity.Record, 0, 20000)
	for i := 0; i < 20000; i++ {
		records = append(records, activity.Record{
			AppID:      "app",
			DeviceID:   fmt.Sprintf("device-%d", i),
			Dimension:  activity.DimensionWeek,
			CreateTime: cutoff.Add(-time.Duration(i+1) * time.Second),
		})
	}
	if _, err := store.InsertRecords(ctx, records); err != nil {
		t.Fatalf("InsertRecords failed: %v", err)
	}

	deleted, err := store.DeleteRecords(ctx, storage.RecordFilter{
		Dimension: activity.DimensionWeek,
		Before:    cutoff,
	})
	if err != nil {
		t.Fatalf("DeleteRecords failed: %v", err)
	}
	if deleted != len(records) {
		t.Errorf("Expected %d deleted, got %d", len(records), deleted)
	}
}

func TestBadgerStorage_QuerySessionsOrdered(t *testing.T) {
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := storagetest.Base
	events := []activity.SessionEvent{
		{AppID: "app", DeviceID: "late", CreateTime: base.Add(5 * time.Hour)},
		{AppID: "app", DeviceID: "early", CreateTime: base.Add(1 * time.Hour)},
	}
	if err := store.AppendSessions(ctx, events); err != nil {
		t.Fatalf("AppendSessions failed: %v", err)
	}

	got, err := store.QuerySessions(ctx, storage.SessionRange{Start: base, End: base.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("QuerySessions failed: %v", err)
	}
	if len(got) != 2 || got[0].DeviceID != "early" {
		t.Errorf("Expected sessions in time order, got %+v", got)
	}
}

func TestBadgerStorage_RunGC(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(Config{Path: tmpDir})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	// Nothing to rewrite is not an error
	if err := store.RunGC(0.5); err != nil {
		t.Errorf("RunGC on fresh store failed: %v", err)
	}
}
