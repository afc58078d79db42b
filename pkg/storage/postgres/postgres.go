// Package postgres is the storage.Store backend for deployments that already
// run Postgres next to the session log. Aggregation runs server-side.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

//go:embed schema.sql
var schema string

// Storage implements storage.Store on a pgx pool.
type Storage struct {
	pool *pgxpool.Pool
}

// New connects to url and returns a Storage. Call Migrate before first use.
func New(ctx context.Context, url string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.Unavailable("ping", err)
	}
	return &Storage{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return classify("migrate", err)
	}
	return nil
}

// classify maps driver errors: a server-reported PgError is scoped to the
// statement, anything else (dial, timeout, closed pool) means unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return storage.Unavailable(op, err)
}

// AppendSessions bulk-loads events with COPY
func (s *Storage) AppendSessions(ctx context.Context, events []activity.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"session_logs"},
		[]string{"appid", "version", "platform", "channel", "device_id", "is_first_visit", "create_time"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.AppID, e.Version, e.Platform, e.Channel, e.DeviceID, e.IsFirstVisit, e.CreateTime}, nil
		}),
	)
	return classify("append sessions", err)
}

// QuerySessions returns raw events in the range ordered by create_time
func (s *Storage) QuerySessions(ctx context.Context, r storage.SessionRange) ([]activity.SessionEvent, error) {
	const query = `SELECT appid, version, platform, channel, device_id, is_first_visit, create_time
        FROM session_logs
        WHERE create_time >= $1 AND create_time <= $2 AND ($3 = '' OR appid = $3)
        ORDER BY create_time, id`

	rows, err := s.pool.Query(ctx, query, r.Start, r.End, r.AppID)
	if err != nil {
		return nil, classify("query sessions", err)
	}
	defer rows.Close()

	var out []activity.SessionEvent
	for rows.Next() {
		var e activity.SessionEvent
		if err := rows.Scan(&e.AppID, &e.Version, &e.Platform, &e.Channel, &e.DeviceID, &e.IsFirstVisit, &e.CreateTime); err != nil {
			return nil, classify("query sessions", err)
		}
		out = append(out, e)
	}
	return out, classify("query sessions", rows.Err())
}

// AggregateSessions runs the group-by in the database
func (s *Storage) AggregateSessions(ctx context.Context, r storage.SessionRange) ([]activity.Group, error) {
	const query = `SELECT appid, version, platform, channel, device_id,
            bool_or(is_first_visit) AS is_new, min(create_time) AS create_time
        FROM session_logs
        WHERE create_time >= $1 AND create_time <= $2 AND ($3 = '' OR appid = $3)
        GROUP BY appid, version, platform, channel, device_id
        ORDER BY create_time, appid, platform, channel, version, device_id`

	rows, err := s.pool.Query(ctx, query, r.Start, r.End, r.AppID)
	if err != nil {
		return nil, classify("aggregate sessions", err)
	}
	defer rows.Close()

	var out []activity.Group
	for rows.Next() {
		var g activity.Group
		if err := rows.Scan(&g.AppID, &g.Version, &g.Platform, &g.Channel, &g.DeviceID, &g.IsNew, &g.EarliestCreateTime); err != nil {
			return nil, classify("aggregate sessions", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("aggregate sessions", err)
	}
	// Collation may order keys differently than Go; keep ordering identical across backends.
	storage.SortGroups(out)
	return out, nil
}

// where renders a RecordFilter as a WHERE clause with positional args
func where(f storage.RecordFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.AppID != "" {
		add("appid = ?", f.AppID)
	}
	if f.PlatformID != "" {
		add("platform_id = ?", f.PlatformID)
	}
	if f.ChannelID != "" {
		add("channel_id = ?", f.ChannelID)
	}
	if f.VersionID != "" {
		add("version_id = ?", f.VersionID)
	}
	if len(f.DeviceIDs) > 0 {
		add("device_id = ANY(?)", f.DeviceIDs)
	}
	if f.Dimension != "" {
		add("dimension = ?", string(f.Dimension))
	}
	if !f.From.IsZero() {
		add("create_time >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("create_time <= ?", f.To)
	}
	if !f.Before.IsZero() {
		add("create_time < ?", f.Before)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindRecords returns records matching the filter
func (s *Storage) FindRecords(ctx context.Context, filter storage.RecordFilter) ([]activity.Record, error) {
	clause, args := where(filter)
	query := `SELECT id, appid, platform_id, channel_id, version_id, device_id, is_new, dimension, create_time
        FROM active_devices` + clause + ` ORDER BY create_time, id`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("find records", err)
	}
	defer rows.Close()

	var out []activity.Record
	for rows.Next() {
		var (
			r   activity.Record
			dim string
		)
		if err := rows.Scan(&r.ID, &r.AppID, &r.PlatformID, &r.ChannelID, &r.VersionID, &r.DeviceID, &r.IsNew, &dim, &r.CreateTime); err != nil {
			return nil, classify("find records", err)
		}
		r.Dimension = activity.Dimension(dim)
		out = append(out, r)
	}
	return out, classify("find records", rows.Err())
}

// DeleteRecords removes records matching the filter
func (s *Storage) DeleteRecords(ctx context.Context, filter storage.RecordFilter) (int, error) {
	clause, args := where(filter)
	tag, err := s.pool.Exec(ctx, "DELETE FROM active_devices"+clause, args...)
	if err != nil {
		return 0, classify("delete records", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertRecords writes the batch with one COPY
func (s *Storage) InsertRecords(ctx context.Context, records []activity.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := storage.CheckRecords(records); err != nil {
		return 0, fmt.Errorf("insert records: %w", err)
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"active_devices"},
		[]string{"id", "appid", "platform_id", "channel_id", "version_id", "device_id", "is_new", "dimension", "create_time"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			id := r.ID
			if id == "" {
				id = uuid.NewString()
			}
			return []any{id, r.AppID, r.PlatformID, r.ChannelID, r.VersionID, r.DeviceID, r.IsNew, string(r.Dimension), r.CreateTime}, nil
		}),
	)
	if err != nil {
		return 0, classify("insert records", err)
	}
	return int(n), nil
}

// FindOrCreateReference upserts on the unique key; the no-op update makes
// RETURNING yield the existing row under concurrency.
func (s *Storage) FindOrCreateReference(ctx context.Context, key activity.ReferenceKey) (activity.Reference, error) {
	if !key.Kind.Valid() {
		return activity.Reference{}, fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidReference, key.Kind)
	}

	const query = `INSERT INTO stat_references (id, kind, appid, parent_id, name)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (kind, appid, parent_id, name) DO UPDATE SET name = EXCLUDED.name
        RETURNING id, create_time`

	ref := activity.Reference{ReferenceKey: key}
	err := s.pool.QueryRow(ctx, query, uuid.NewString(), string(key.Kind), key.AppID, key.ParentID, key.Name).
		Scan(&ref.ID, &ref.CreateTime)
	if err != nil {
		return activity.Reference{}, classify("find or create reference", err)
	}
	return ref, nil
}

// Stats returns row counts and the record time span
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	const query = `SELECT
            (SELECT count(*) FROM session_logs),
            (SELECT count(*) FROM active_devices),
            (SELECT count(*) FROM active_devices WHERE dimension = 'week'),
            (SELECT count(*) FROM active_devices WHERE dimension = 'month'),
            (SELECT count(*) FROM stat_references),
            (SELECT min(create_time) FROM active_devices),
            (SELECT max(create_time) FROM active_devices),
            pg_total_relation_size('session_logs') + pg_total_relation_size('active_devices') + pg_total_relation_size('stat_references')`

	var (
		stats          storage.Stats
		oldest, newest *time.Time
		size           int64
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&stats.SessionEvents, &stats.Records, &stats.WeekRecords, &stats.MonthRecords, &stats.References,
		&oldest, &newest, &size,
	)
	if err != nil {
		return nil, classify("stats", err)
	}
	if oldest != nil {
		stats.OldestRecord = *oldest
	}
	if newest != nil {
		stats.NewestRecord = *newest
	}
	stats.SizeBytes = uint64(size)
	return &stats, nil
}

// Close releases the pool
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}
