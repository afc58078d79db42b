/*
Package storage provides the pluggable storage abstraction for tinystat.

# Storage Interface

The rollup job needs four capabilities from its collaborators: find, delete and
batch-insert activity records, and group-by aggregation over the session log.
They are split into narrow interfaces so each component asks only for what it uses:

	type ActivityStore interface {
	    FindRecords(ctx, RecordFilter) ([]activity.Record, error)
	    DeleteRecords(ctx, RecordFilter) (int, error)
	    InsertRecords(ctx, []activity.Record) (int, error)
	}

	type SessionLog interface {
	    AppendSessions(ctx, []activity.SessionEvent) error
	    QuerySessions(ctx, SessionRange) ([]activity.SessionEvent, error)
	    AggregateSessions(ctx, SessionRange) ([]activity.Group, error)
	}

	type ReferenceStore interface {
	    FindOrCreateReference(ctx, activity.ReferenceKey) (activity.Reference, error)
	}

Store bundles all three with Stats and Close. Backends:
  - memory: in-process, for tests and throwaway runs
  - badger: BadgerDB (LSM tree + Snappy compression), the default
  - postgres: pgx pool; aggregation runs server-side as GROUP BY

# Errors

Backends wrap connectivity, timeout and closed-store failures with ErrUnavailable:

	if errors.Is(err, storage.ErrUnavailable) {
	    // fatal for the run, retry on the next schedule
	}

Anything else is a statement-level failure scoped to the call.

# Record Filters

RecordFilter zero values do not filter. The duplicate check of one bundle:

	store.FindRecords(ctx, storage.RecordFilter{
	    AppID:      "app-1",
	    PlatformID: platformID,
	    ChannelID:  channelID,
	    VersionID:  versionID,
	    DeviceIDs:  []string{"dev-1", "dev-2"},
	    Dimension:  activity.DimensionWeek,
	    From:       week.Start,
	    To:         week.End,
	})

Retention uses Before for an exclusive cutoff:

	store.DeleteRecords(ctx, storage.RecordFilter{
	    Dimension: activity.DimensionWeek,
	    Before:    cutoff,
	})

# Best Practices

1. Always call Close() when done to flush pending writes
2. Use context.WithTimeout() so a hung backend surfaces as ErrUnavailable
3. Pass the whole fill list to InsertRecords; backends batch internally
*/
package storage
