package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

// Exporter handles exporting activity records
type Exporter struct {
	store storage.ActivityStore
}

// NewExporter creates a new exporter
func NewExporter(store storage.ActivityStore) *Exporter {
	return &Exporter{store: store}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Inclusive create_time range
	Start time.Time
	End   time.Time

	// Optional filters
	AppID     string
	Dimension activity.Dimension

	// Limit number of records (0 = no limit)
	Limit int
}

// ExportResult contains stats about the export
type ExportResult struct {
	RecordsExported int       `json:"records_exported"`
	TimeRange       string    `json:"time_range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt  time.Time          `json:"exported_at"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	AppID       string             `json:"app_id,omitempty"`
	Dimension   activity.Dimension `json:"dimension,omitempty"`
	RecordCount int                `json:"record_count"`
	Version     string             `json:"version"`
}

// Document is the JSON export layout
type Document struct {
	Metadata Metadata          `json:"metadata"`
	Records  []activity.Record `json:"records"`
}

var csvHeader = []string{"id", "appid", "platform_id", "channel_id", "version_id", "device_id", "is_new", "dimension", "create_time"}

func (e *Exporter) find(ctx context.Context, opts ExportOptions) ([]activity.Record, error) {
	records, err := e.store.FindRecords(ctx, storage.RecordFilter{
		AppID:     opts.AppID,
		Dimension: opts.Dimension,
		From:      opts.Start,
		To:        opts.End,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return records, nil
}

func timeRange(opts ExportOptions) string {
	return fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339))
}

// ExportToJSON exports records as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.find(ctx, opts)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []activity.Record{}
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt:  time.Now(),
			StartTime:   opts.Start,
			EndTime:     opts.End,
			AppID:       opts.AppID,
			Dimension:   opts.Dimension,
			RecordCount: len(records),
			Version:     "1.0",
		},
		Records: records,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		RecordsExported: len(records),
		TimeRange:       timeRange(opts),
		Format:          "json",
		ExportedAt:      doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports records as CSV to the given writer
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.find(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.ID,
			r.AppID,
			r.PlatformID,
			r.ChannelID,
			r.VersionID,
			r.DeviceID,
			strconv.FormatBool(r.IsNew),
			string(r.Dimension),
			r.CreateTime.Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		RecordsExported: len(records),
		TimeRange:       timeRange(opts),
		Format:          "csv",
		ExportedAt:      time.Now(),
	}, nil
}
