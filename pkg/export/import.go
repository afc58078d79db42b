package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

const (
	// MaxImportBatchSize is the maximum number of events appended at once
	MaxImportBatchSize = 5000

	// MaxFieldLength bounds every string field of an imported event
	MaxFieldLength = 256
)

// Importer handles importing session events
type Importer struct {
	store storage.SessionLog
	now   func() time.Time
}

// NewImporter creates a new importer
func NewImporter(store storage.SessionLog) *Importer {
	return &Importer{store: store, now: time.Now}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	SessionsImported int       `json:"sessions_imported"`
	BatchesWritten   int       `json:"batches_written"`
	TimeRange        string    `json:"time_range"`
	ImportedAt       time.Time `json:"imported_at"`
	Errors           []string  `json:"errors,omitempty"`
}

// ImportData is the session import layout
type ImportData struct {
	Sessions []activity.SessionEvent `json:"sessions"`
}

// ImportFromJSON decodes an ImportData document and appends its valid events
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var data ImportData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return im.Import(ctx, data.Sessions)
}

// Import validates events one by one and appends the valid ones in batches
func (im *Importer) Import(ctx context.Context, events []activity.SessionEvent) (*ImportResult, error) {
	if len(events) == 0 {
		return &ImportResult{TimeRange: "empty", ImportedAt: im.now()}, nil
	}

	var validationErrors []string
	valid := make([]activity.SessionEvent, 0, len(events))
	for i, e := range events {
		if err := im.validate(e); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("session %d: %v", i, err))
			continue
		}
		valid = append(valid, e)
	}

	batchCount := 0
	for i := 0; i < len(valid); i += MaxImportBatchSize {
		end := min(i+MaxImportBatchSize, len(valid))
		if err := im.store.AppendSessions(ctx, valid[i:end]); err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", batchCount, err)
		}
		batchCount++
	}

	result := &ImportResult{
		SessionsImported: len(valid),
		BatchesWritten:   batchCount,
		TimeRange:        "empty",
		ImportedAt:       im.now(),
		Errors:           validationErrors,
	}

	if len(valid) > 0 {
		minTime, maxTime := valid[0].CreateTime, valid[0].CreateTime
		for _, e := range valid {
			if e.CreateTime.Before(minTime) {
				minTime = e.CreateTime
			}
			if e.CreateTime.After(maxTime) {
				maxTime = e.CreateTime
			}
		}
		result.TimeRange = fmt.Sprintf("%s to %s", minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))
	}

	return result, nil
}

// validate checks an event before import
func (im *Importer) validate(e activity.SessionEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	fields := []struct{ name, value string }{
		{"appid", e.AppID},
		{"platform", e.Platform},
		{"channel", e.Channel},
		{"version", e.Version},
		{"device_id", e.DeviceID},
	}
	for _, f := range fields {
		if len(f.value) > MaxFieldLength {
			return fmt.Errorf("%s too long (max %d chars)", f.name, MaxFieldLength)
		}
	}

	now := im.now()
	if e.CreateTime.Before(now.AddDate(-10, 0, 0)) {
		return fmt.Errorf("create_time too far in past: %s", e.CreateTime)
	}
	if e.CreateTime.After(now.Add(24 * time.Hour)) {
		return fmt.Errorf("create_time too far in future: %s", e.CreateTime)
	}
	return nil
}
