package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

var errClosed = errors.New("memory store closed")

// Storage keeps sessions, records and references in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu         sync.RWMutex
	sessions   []activity.SessionEvent
	records    []activity.Record
	references map[activity.ReferenceKey]activity.Reference
	closed     bool

	now func() time.Time
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		sessions:   make([]activity.SessionEvent, 0, 1024),
		records:    make([]activity.Record, 0, 1024),
		references: make(map[activity.ReferenceKey]activity.Reference),
		now:        time.Now,
	}
}

// check fails the same way a remote backend would when the caller gave up or
// the store is gone.
func (s *Storage) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable(op, err)
	}
	if s.closed {
		return storage.Unavailable(op, errClosed)
	}
	return nil
}

// AppendSessions stores raw session events
func (s *Storage) AppendSessions(ctx context.Context, events []activity.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "append sessions"); err != nil {
		return err
	}
	s.sessions = append(s.sessions, events...)
	return nil
}

// QuerySessions returns raw events in the range, in insertion order
func (s *Storage) QuerySessions(ctx context.Context, r storage.SessionRange) ([]activity.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "query sessions"); err != nil {
		return nil, err
	}

	var out []activity.SessionEvent
	for _, e := range s.sessions {
		if r.Contains(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// AggregateSessions groups the range in process
func (s *Storage) AggregateSessions(ctx context.Context, r storage.SessionRange) ([]activity.Group, error) {
	events, err := s.QuerySessions(ctx, r)
	if err != nil {
		return nil, err
	}
	return storage.GroupSessions(events), nil
}

// FindRecords returns records matching the filter
func (s *Storage) FindRecords(ctx context.Context, filter storage.RecordFilter) ([]activity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "find records"); err != nil {
		return nil, err
	}

	devices := filter.DeviceSet()
	var results []activity.Record
	for _, r := range s.records {
		if !filter.MatchesWithDevices(r, devices) {
			continue
		}
		results = append(results, r)

		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// DeleteRecords removes records matching the filter
func (s *Storage) DeleteRecords(ctx context.Context, filter storage.RecordFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "delete records"); err != nil {
		return 0, err
	}

	devices := filter.DeviceSet()
	kept := make([]activity.Record, 0, len(s.records))
	for _, r := range s.records {
		if !filter.MatchesWithDevices(r, devices) {
			kept = append(kept, r)
		}
	}

	deleted := len(s.records) - len(kept)
	s.records = kept
	return deleted, nil
}

// InsertRecords appends the batch. All records land or none do.
func (s *Storage) InsertRecords(ctx context.Context, records []activity.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "insert records"); err != nil {
		return 0, err
	}

	if err := storage.CheckRecords(records); err != nil {
		return 0, fmt.Errorf("insert records: %w", err)
	}

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		s.records = append(s.records, r)
	}
	return len(records), nil
}

// FindOrCreateReference returns the row for key, creating it on first use
func (s *Storage) FindOrCreateReference(ctx context.Context, key activity.ReferenceKey) (activity.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "find or create reference"); err != nil {
		return activity.Reference{}, err
	}
	if !key.Kind.Valid() {
		return activity.Reference{}, fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidReference, key.Kind)
	}

	if ref, ok := s.references[key]; ok {
		return ref, nil
	}

	ref := activity.Reference{
		ID:           uuid.NewString(),
		ReferenceKey: key,
		CreateTime:   s.now(),
	}
	s.references[key] = ref
	return ref, nil
}

// Close marks the store unavailable
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "stats"); err != nil {
		return nil, err
	}

	stats := &storage.Stats{
		SessionEvents: uint64(len(s.sessions)),
		References:    uint64(len(s.references)),
	}
	for _, r := range s.records {
		stats.Observe(r)
	}

	// Rough size estimate (each row ~120 bytes)
	stats.SizeBytes = (stats.SessionEvents + stats.Records + stats.References) * 120

	return stats, nil
}
