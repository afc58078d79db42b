package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinystat/pkg/activity"
)

var (
	// ErrUnavailable marks connectivity, timeout and closed-store failures.
	// A rollup run that sees it aborts.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInvalidReference is returned for a reference key of unknown kind.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrInvalidRecord is returned when a batch holds a record whose
	// dimension is not week or month. Nothing from the batch is stored.
	ErrInvalidRecord = errors.New("invalid record")
)

// CheckRecords rejects batches with a record that cannot be persisted.
func CheckRecords(records []activity.Record) error {
	for _, r := range records {
		if !r.Dimension.IsRollup() {
			return fmt.Errorf("%w: dimension %q is not week or month", ErrInvalidRecord, r.Dimension)
		}
	}
	return nil
}

// Unavailable wraps err with ErrUnavailable so callers can classify it.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err is, or wraps, ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ActivityStore persists first-touch activity records.
type ActivityStore interface {
	// FindRecords returns the records matching the filter
	FindRecords(ctx context.Context, filter RecordFilter) ([]activity.Record, error)

	// DeleteRecords removes the records matching the filter and returns how many went
	DeleteRecords(ctx context.Context, filter RecordFilter) (int, error)

	// InsertRecords writes records as one batch. Records without an ID get one assigned.
	InsertRecords(ctx context.Context, records []activity.Record) (int, error)
}

// SessionLog is the read side of the upstream session log.
type SessionLog interface {
	// AppendSessions stores raw session events (import and test seeding)
	AppendSessions(ctx context.Context, events []activity.SessionEvent) error

	// QuerySessions returns raw events in the range
	QuerySessions(ctx context.Context, r SessionRange) ([]activity.SessionEvent, error)

	// AggregateSessions groups the range by GroupKey, reducing to max(is_first_visit)
	// and min(create_time), ordered by create_time.
	AggregateSessions(ctx context.Context, r SessionRange) ([]activity.Group, error)
}

// ReferenceStore owns platform, channel and version rows.
type ReferenceStore interface {
	// FindOrCreateReference returns the existing row for key or creates it.
	// Must be atomic per key.
	FindOrCreateReference(ctx context.Context, key activity.ReferenceKey) (activity.Reference, error)
}

// Store is implemented once per backend and injected into every component.
// Implementations: memory (testing), badger (default), postgres.
type Store interface {
	ActivityStore
	SessionLog
	ReferenceStore

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// SessionRange selects session events by app and inclusive time range.
type SessionRange struct {
	// AppID scopes the range to one application (empty = all)
	AppID string

	Start time.Time
	End   time.Time
}

// Contains reports whether the event falls in the range.
func (r SessionRange) Contains(e activity.SessionEvent) bool {
	if r.AppID != "" && e.AppID != r.AppID {
		return false
	}
	return !e.CreateTime.Before(r.Start) && !e.CreateTime.After(r.End)
}

// Stats provides storage health and usage info
type Stats struct {
	SessionEvents uint64 `json:"session_events"`
	Records       uint64 `json:"records"`
	WeekRecords   uint64 `json:"week_records"`
	MonthRecords  uint64 `json:"month_records"`
	References    uint64 `json:"references"`

	// Storage size in bytes (estimate for non-disk backends)
	SizeBytes uint64 `json:"size_bytes"`

	OldestRecord time.Time `json:"oldest_record,omitempty"`
	NewestRecord time.Time `json:"newest_record,omitempty"`
}

// Observe folds one record into the stats.
func (s *Stats) Observe(r activity.Record) {
	s.Records++
	switch r.Dimension {
	case activity.DimensionWeek:
		s.WeekRecords++
	case activity.DimensionMonth:
		s.MonthRecords++
	}
	if s.OldestRecord.IsZero() || r.CreateTime.Before(s.OldestRecord) {
		s.OldestRecord = r.CreateTime
	}
	if s.NewestRecord.IsZero() || r.CreateTime.After(s.NewestRecord) {
		s.NewestRecord = r.CreateTime
	}
}
