// Package resolver maps platform, channel and version names to reference ids,
// creating missing rows through the reference store.
//
// A Resolver is scoped to one rollup run. Its cache must not be shared
// across runs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
)

// ResolutionError reports a reference that could not be found or created.
// It drops the offending bundle from the run; it never aborts the run.
type ResolutionError struct {
	Key activity.ReferenceKey
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IDs are the resolved references of one bundle.
type IDs struct {
	PlatformID string
	ChannelID  string
	VersionID  string
}

// Resolver caches reference ids for the lifetime of one run.
type Resolver struct {
	store  storage.ReferenceStore
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[activity.ReferenceKey]string

	group singleflight.Group

	// lookups counts store round-trips, for run stats
	lookups int
}

// New returns an empty Resolver over store.
func New(store storage.ReferenceStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  store,
		logger: logger,
		cache:  make(map[activity.ReferenceKey]string),
	}
}

// Resolve returns the id for key. Concurrent calls for the same key share
// one store call. Errors are either a storage.ErrUnavailable (fatal to the
// run) or a *ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, key activity.ReferenceKey) (string, error) {
	r.mu.RLock()
	id, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		// A caller that lost the race may arrive after the winner filled the cache.
		r.mu.RLock()
		id, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return id, nil
		}

		ref, err := r.store.FindOrCreateReference(ctx, key)

		r.mu.Lock()
		r.lookups++
		if err == nil {
			r.cache[key] = ref.ID
		}
		r.mu.Unlock()

		if err != nil {
			return "", err
		}
		r.logger.Debug("reference resolved",
			zap.String("kind", string(key.Kind)),
			zap.String("app_id", key.AppID),
			zap.String("name", key.Name),
			zap.String("id", ref.ID),
		)
		return ref.ID, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return "", err
		}
		return "", &ResolutionError{Key: key, Err: err}
	}
	return v.(string), nil
}

// Platform resolves (appID, name) to a platform id.
func (r *Resolver) Platform(ctx context.Context, appID, name string) (string, error) {
	return r.Resolve(ctx, activity.ReferenceKey{Kind: activity.KindPlatform, AppID: appID, Name: name})
}

// Channel resolves (appID, platformID, name) to a channel id.
func (r *Resolver) Channel(ctx context.Context, appID, platformID, name string) (string, error) {
	return r.Resolve(ctx, activity.ReferenceKey{Kind: activity.KindChannel, AppID: appID, ParentID: platformID, Name: name})
}

// Version resolves (appID, platformID, name) to a version id.
func (r *Resolver) Version(ctx context.Context, appID, platformID, name string) (string, error) {
	return r.Resolve(ctx, activity.ReferenceKey{Kind: activity.KindVersion, AppID: appID, ParentID: platformID, Name: name})
}

// Bundle resolves the platform first, then channel and version under it.
func (r *Resolver) Bundle(ctx context.Context, key activity.BundleKey) (IDs, error) {
	var ids IDs
	var err error

	if ids.PlatformID, err = r.Platform(ctx, key.AppID, key.Platform); err != nil {
		return IDs{}, err
	}
	if ids.ChannelID, err = r.Channel(ctx, key.AppID, ids.PlatformID, key.Channel); err != nil {
		return IDs{}, err
	}
	if ids.VersionID, err = r.Version(ctx, key.AppID, ids.PlatformID, key.Version); err != nil {
		return IDs{}, err
	}
	return ids, nil
}

// Lookups returns how many store calls the resolver made.
func (r *Resolver) Lookups() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookups
}

// Cached returns the number of cached ids.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
