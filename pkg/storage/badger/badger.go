package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

// maxConflictRetries bounds FindOrCreateReference retries on txn conflicts
const maxConflictRetries = 5

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	closed atomic.Bool
	once   sync.Once

	now func() time.Time
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly default)
	MaxMemoryMB int64

	// Logger receives badger's internal logs (nil = discard)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	// BadgerDB defaults to ~320 MB of memtables; we default to 16 MB.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Block and index caches are unbounded unless set
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB instead of the 2 GB default

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db, now: time.Now}, nil
}

// do runs fn off the caller's goroutine so a stuck LSM operation cannot
// outlive ctx. Cancellation and closed-DB errors surface as ErrUnavailable.
func (s *Storage) do(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable(op, err)
	}
	if s.closed.Load() {
		return storage.Unavailable(op, badger.ErrDBClosed)
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return classify(op, err)
	case <-ctx.Done():
		return storage.Unavailable(op, fmt.Errorf("operation cancelled: %w", ctx.Err()))
	}
}

// doInline runs fn on the caller's goroutine. Writes use it so that a
// cancelled write has stopped touching the db by the time it returns.
func (s *Storage) doInline(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable(op, err)
	}
	if s.closed.Load() {
		return storage.Unavailable(op, badger.ErrDBClosed)
	}
	return classify(op, fn())
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, storage.ErrInvalidReference), errors.Is(err, storage.ErrInvalidRecord):
		return err
	case errors.Is(err, badger.ErrDBClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return storage.Unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// checkCtx is polled inside long iterations
func checkCtx(ctx context.Context, n int) error {
	if n%1000 != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// AppendSessions stores raw session events
func (s *Storage) AppendSessions(ctx context.Context, events []activity.SessionEvent) error {
	return s.do(ctx, "append sessions", func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, e := range events {
			if err := checkCtx(ctx, i); err != nil {
				return err
			}
			value, err := encode(e)
			if err != nil {
				return fmt.Errorf("failed to encode session: %w", err)
			}
			if err := wb.Set(sessionKey(e), value); err != nil {
				return fmt.Errorf("failed to write session: %w", err)
			}
		}
		return wb.Flush()
	})
}

// QuerySessions scans the time-ordered session keys of the range
func (s *Storage) QuerySessions(ctx context.Context, r storage.SessionRange) ([]activity.SessionEvent, error) {
	var results []activity.SessionEvent

	err := s.do(ctx, "query sessions", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{
				PrefetchValues: true,
				PrefetchSize:   100,
				Prefix:         []byte(sessionPrefix),
			})
			defer it.Close()

			var n int
			for it.Seek(seekKey(sessionPrefix, r.Start)); it.Valid(); it.Next() {
				n++
				if err := checkCtx(ctx, n); err != nil {
					return err
				}

				ts := keyTime(it.Item().Key(), len(sessionPrefix))
				if ts.After(r.End) {
					break
				}

				var e activity.SessionEvent
				if err := it.Item().Value(func(val []byte) error {
					return decode(val, &e)
				}); err != nil {
					return fmt.Errorf("failed to decode session: %w", err)
				}
				if r.Contains(e) {
					results = append(results, e)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// AggregateSessions groups the range in process
func (s *Storage) AggregateSessions(ctx context.Context, r storage.SessionRange) ([]activity.Group, error) {
	events, err := s.QuerySessions(ctx, r)
	if err != nil {
		return nil, err
	}
	return storage.GroupSessions(events), nil
}

// scanRecords visits every record matching filter, in key order per dimension.
// visit returning false stops the scan.
func (s *Storage) scanRecords(ctx context.Context, txn *badger.Txn, filter storage.RecordFilter, withValues bool, visit func(key []byte, r activity.Record) bool) error {
	dims := activity.RollupDimensions
	if filter.Dimension != "" {
		dims = []activity.Dimension{filter.Dimension}
	}
	devices := filter.DeviceSet()

	for _, dim := range dims {
		prefix := recordPrefix(dim)
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: withValues,
			PrefetchSize:   100,
			Prefix:         []byte(prefix),
		})

		var n int
		stop := false
		for it.Seek(seekKey(prefix, filter.From)); it.Valid() && !stop; it.Next() {
			n++
			if err := checkCtx(ctx, n); err != nil {
				it.Close()
				return err
			}

			ts := keyTime(it.Item().Key(), len(prefix))
			if !filter.To.IsZero() && ts.After(filter.To) {
				break
			}
			if !filter.Before.IsZero() && !ts.Before(filter.Before) {
				break
			}

			var r activity.Record
			if err := it.Item().Value(func(val []byte) error {
				return decode(val, &r)
			}); err != nil {
				it.Close()
				return fmt.Errorf("failed to decode record: %w", err)
			}
			if !filter.MatchesWithDevices(r, devices) {
				continue
			}
			stop = !visit(it.Item().KeyCopy(nil), r)
		}
		it.Close()

		if stop {
			return nil
		}
	}
	return nil
}

// FindRecords returns records matching the filter
func (s *Storage) FindRecords(ctx context.Context, filter storage.RecordFilter) ([]activity.Record, error) {
	var results []activity.Record

	err := s.do(ctx, "find records", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return s.scanRecords(ctx, txn, filter, true, func(_ []byte, r activity.Record) bool {
				results = append(results, r)
				return filter.Limit <= 0 || len(results) < filter.Limit
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteRecords collects matching keys in a read txn, then removes them with
// a write batch so large retention deletes never hit ErrTxnTooBig.
func (s *Storage) DeleteRecords(ctx context.Context, filter storage.RecordFilter) (int, error) {
	var deleted int

	err := s.do(ctx, "delete records", func() error {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			return s.scanRecords(ctx, txn, filter, true, func(key []byte, _ activity.Record) bool {
				keys = append(keys, key)
				return true
			})
		})
		if err != nil {
			return err
		}

		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range keys {
			if err := wb.Delete(key); err != nil {
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// InsertRecords writes the batch through one WriteBatch
func (s *Storage) InsertRecords(ctx context.Context, records []activity.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := storage.CheckRecords(records); err != nil {
		return 0, fmt.Errorf("insert records: %w", err)
	}

	err := s.doInline(ctx, "insert records", func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, r := range records {
			if err := checkCtx(ctx, i); err != nil {
				return err
			}
			key, id := recordKey(r)
			r.ID = id

			value, err := encode(r)
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			if err := wb.Set(key, value); err != nil {
				return fmt.Errorf("failed to write record: %w", err)
			}
		}
		return wb.Flush()
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// FindOrCreateReference reads and writes the key in one txn. Concurrent
// creators conflict on commit; the loser retries and reads the winner's row.
func (s *Storage) FindOrCreateReference(ctx context.Context, key activity.ReferenceKey) (activity.Reference, error) {
	if !key.Kind.Valid() {
		return activity.Reference{}, fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidReference, key.Kind)
	}

	var ref activity.Reference
	err := s.do(ctx, "find or create reference", func() error {
		var err error
		for attempt := 0; attempt < maxConflictRetries; attempt++ {
			err = s.db.Update(func(txn *badger.Txn) error {
				return s.findOrCreate(txn, key, &ref)
			})
			if !errors.Is(err, badger.ErrConflict) {
				return err
			}
		}
		return err
	})
	if err != nil {
		return activity.Reference{}, err
	}
	return ref, nil
}

func (s *Storage) findOrCreate(txn *badger.Txn, key activity.ReferenceKey, ref *activity.Reference) error {
	k := referenceKey(key)

	item, err := txn.Get(k)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			return decode(val, ref)
		}); err != nil {
			return fmt.Errorf("failed to decode reference: %w", err)
		}
		if ref.ReferenceKey != key {
			return fmt.Errorf("reference hash collision: %s vs %s", key, ref.ReferenceKey)
		}
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return err
	}

	*ref = activity.Reference{
		ID:           newID(),
		ReferenceKey: key,
		CreateTime:   s.now(),
	}
	value, err := encode(ref)
	if err != nil {
		return fmt.Errorf("failed to encode reference: %w", err)
	}
	return txn.Set(k, value)
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.db.Close()
	})
	return err
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted records
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	if s.closed.Load() {
		return badger.ErrDBClosed
	}
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats walks keys only; record timestamps and dimensions live in the key.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := s.do(ctx, "stats", func() error {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var n int
			for it.Rewind(); it.Valid(); it.Next() {
				n++
				if err := checkCtx(ctx, n); err != nil {
					return err
				}
				observeKey(stats, it.Item().Key())
			}
			return nil
		})
		if err != nil {
			return err
		}

		lsmSize, vlogSize := s.db.Size()
		stats.SizeBytes = uint64(lsmSize + vlogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
