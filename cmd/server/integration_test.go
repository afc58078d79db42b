package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/export"
	"github.com/nicktill/tinystat/pkg/retention"
	"github.com/nicktill/tinystat/pkg/rollup"
	"github.com/nicktill/tinystat/pkg/server"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/badger"
	"github.com/nicktill/tinystat/pkg/storage/memory"
)

func testConfig() server.Config {
	return server.Config{
		Port:              "8080",
		Location:          time.UTC,
		Workers:           4,
		StoreTimeout:      10 * time.Second,
		Retention:         retention.Policy{Weeks: 10, Months: 10},
		RollupSchedule:    "10 0 * * *",
		RetentionSchedule: "40 0 * * *",
	}
}

func setupRouter(t *testing.T, store storage.Store) *mux.Router {
	t.Helper()
	logger := zaptest.NewLogger(t)
	exportHandler, hub := server.InitializeHandlers(store, nil, logger)
	jobs := server.NewJobs(store, testConfig(), hub, nil, logger)

	router := mux.NewRouter()
	server.SetupRoutes(router, jobs, store, exportHandler, nil, hub, "8080")
	return router
}

func post(t *testing.T, router http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// sessions builds n devices on one bundle for the given day, first visits on even devices.
func sessions(day time.Time, n int, prefix string) []activity.SessionEvent {
	var events []activity.SessionEvent
	for i := 0; i < n; i++ {
		events = append(events, activity.SessionEvent{
			AppID:        "shop",
			Platform:     "android",
			Channel:      "play",
			Version:      "3.2.0",
			DeviceID:     fmt.Sprintf("%s-%d", prefix, i),
			IsFirstVisit: i%2 == 0,
			CreateTime:   day.Add(time.Duration(i+1) * time.Minute),
		})
	}
	return events
}

func rollupDay(t *testing.T, router http.Handler, date string, reset bool) rollup.Result {
	t.Helper()
	w := post(t, router, "/v1/rollup", map[string]interface{}{"date": date, "reset": reset})
	if w.Code != http.StatusOK {
		t.Fatalf("Rollup %s failed with status %d: %s", date, w.Code, w.Body.String())
	}
	var result rollup.Result
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode rollup result: %v", err)
	}
	return result
}

// TestE2E_ImportRollupExport drives the whole flow through the HTTP API
func TestE2E_ImportRollupExport(t *testing.T) {
	store := memory.New()
	defer store.Close()
	router := setupRouter(t, store)

	// Wednesday and Thursday of the same week
	wed := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	thu := wed.AddDate(0, 0, 1)

	events := append(sessions(wed, 5, "d"), sessions(thu, 8, "d")...)
	w := post(t, router, "/v1/sessions/import", export.ImportData{Sessions: events})
	if w.Code != http.StatusOK {
		t.Fatalf("Import failed with status %d: %s", w.Code, w.Body.String())
	}

	first := rollupDay(t, router, "2024-03-13", false)
	if first.Outcome != rollup.OutcomeCompleted || first.WeekRecords != 5 || first.MonthRecords != 5 {
		t.Fatalf("Unexpected first rollup: %+v", first)
	}

	// d-0..d-4 were already seen this week and month; only d-5..d-7 are new
	second := rollupDay(t, router, "2024-03-14", false)
	if second.WeekRecords != 3 || second.MonthRecords != 3 {
		t.Errorf("Expected 3 week and 3 month records, got %d and %d", second.WeekRecords, second.MonthRecords)
	}

	again := rollupDay(t, router, "2024-03-14", false)
	if again.Outcome != rollup.OutcomeAlreadyComputed {
		t.Errorf("Expected already_computed, got %s", again.Outcome)
	}

	w = get(router, "/v1/records?format=csv&dimension=week&start=2024-03-11T00:00:00Z&end=2024-03-17T23:59:59Z")
	if w.Code != http.StatusOK {
		t.Fatalf("Export failed with status %d: %s", w.Code, w.Body.String())
	}
	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(rows) != 1+8 {
		t.Errorf("Expected 8 week records plus header, got %d rows", len(rows))
	}

	seen := map[string]bool{}
	for _, row := range rows[1:] {
		if seen[row[5]] {
			t.Errorf("Device %s exported twice for the same week", row[5])
		}
		seen[row[5]] = true
	}
}

// TestE2E_Stats tests stats endpoint
func TestE2E_Stats(t *testing.T) {
	store := memory.New()
	defer store.Close()
	router := setupRouter(t, store)

	day := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	post(t, router, "/v1/sessions/import", export.ImportData{Sessions: sessions(day, 4, "s")})
	rollupDay(t, router, "2024-03-13", false)

	w := get(router, "/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("Stats failed with status %d: %s", w.Code, w.Body.String())
	}

	var stats storage.Stats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.SessionEvents != 4 {
		t.Errorf("Expected 4 session events, got %d", stats.SessionEvents)
	}
	if stats.WeekRecords != 4 || stats.MonthRecords != 4 {
		t.Errorf("Expected 4 week and 4 month records, got %d and %d", stats.WeekRecords, stats.MonthRecords)
	}
	if stats.References != 3 {
		t.Errorf("Expected 3 references, got %d", stats.References)
	}
}

// TestE2E_BadgerRestart checks that records and references survive a restart
func TestE2E_BadgerRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := badger.New(badger.Config{Path: dir})
	if err != nil {
		t.Fatalf("Failed to create BadgerDB storage: %v", err)
	}

	router := setupRouter(t, store)
	day := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	post(t, router, "/v1/sessions/import", export.ImportData{Sessions: sessions(day, 6, "b")})

	result := rollupDay(t, router, "2024-03-13", false)
	if result.Inserted != 12 {
		t.Fatalf("Expected 12 records inserted, got %d", result.Inserted)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close storage: %v", err)
	}

	store, err = badger.New(badger.Config{Path: dir})
	if err != nil {
		t.Fatalf("Failed to reopen BadgerDB storage: %v", err)
	}
	defer store.Close()

	router = setupRouter(t, store)
	if again := rollupDay(t, router, "2024-03-13", false); again.Outcome != rollup.OutcomeAlreadyComputed {
		t.Errorf("Expected already_computed after restart, got %s", again.Outcome)
	}

	reset := rollupDay(t, router, "2024-03-13", true)
	if reset.Purged != 12 || reset.Inserted != 12 {
		t.Errorf("Expected reset to purge and reinsert 12 records, got purged=%d inserted=%d", reset.Purged, reset.Inserted)
	}

	w := post(t, router, "/v1/retention", map[string]int{"weeks": 1, "months": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("Retention failed with status %d: %s", w.Code, w.Body.String())
	}
	var report retention.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if report.Week.Deleted != 6 || report.Month.Deleted != 6 {
		t.Errorf("Expected 6 week and 6 month records deleted, got %d and %d", report.Week.Deleted, report.Month.Deleted)
	}
}
