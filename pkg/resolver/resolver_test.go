package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingStore wraps a ReferenceStore, counts calls and optionally holds
// them until release is closed.
type countingStore struct {
	inner   storage.ReferenceStore
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (c *countingStore) FindOrCreateReference(ctx context.Context, key activity.ReferenceKey) (activity.Reference, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return activity.Reference{}, c.err
	}
	return c.inner.FindOrCreateReference(ctx, key)
}

func TestResolve_CachesPerKey(t *testing.T) {
	store := &countingStore{inner: memory.New()}
	r := New(store, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := r.Platform(ctx, "app", "ios")
	require.NoError(t, err)
	second, err := r.Platform(ctx, "app", "ios")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, 1, r.Lookups())

	other, err := r.Platform(ctx, "app", "android")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, r.Cached())
}

func TestResolve_ChildrenScopedByPlatform(t *testing.T) {
	r := New(memory.New(), zaptest.NewLogger(t))
	ctx := context.Background()

	ios, err := r.Bundle(ctx, activity.BundleKey{AppID: "app", Platform: "ios", Channel: "store", Version: "1.0"})
	require.NoError(t, err)
	android, err := r.Bundle(ctx, activity.BundleKey{AppID: "app", Platform: "android", Channel: "store", Version: "1.0"})
	require.NoError(t, err)

	assert.NotEqual(t, ios.PlatformID, android.PlatformID)
	assert.NotEqual(t, ios.ChannelID, android.ChannelID)
	assert.NotEqual(t, ios.VersionID, android.VersionID)
}

func TestResolve_SingleFlight(t *testing.T) {
	store := &countingStore{inner: memory.New(), release: make(chan struct{})}
	r := New(store, zaptest.NewLogger(t))
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Version(ctx, "app", "p1", "2.0")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}

	// Let every goroutine reach the resolver before the store answers.
	require.Eventually(t, func() bool { return store.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestResolve_EmptyNameIsAReference(t *testing.T) {
	store := &countingStore{inner: memory.New()}
	r := New(store, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := r.Channel(ctx, "app", "p1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	// a fresh resolver goes back to the store and gets the same row
	again, err := New(store, zaptest.NewLogger(t)).Channel(ctx, "app", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestResolve_InvalidReferenceIsResolutionError(t *testing.T) {
	r := New(memory.New(), zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), activity.ReferenceKey{Kind: "store", AppID: "app", Name: "play"})
	require.Error(t, err)

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, activity.ReferenceKind("store"), resErr.Key.Kind)
	assert.ErrorIs(t, err, storage.ErrInvalidReference)
	assert.False(t, errors.Is(err, storage.ErrUnavailable))
}

func TestResolve_UnavailableIsFatal(t *testing.T) {
	store := &countingStore{err: storage.Unavailable("find or create reference", context.DeadlineExceeded)}
	r := New(store, zaptest.NewLogger(t))

	_, err := r.Platform(context.Background(), "app", "ios")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	var resErr *ResolutionError
	assert.False(t, errors.As(err, &resErr))
}

func TestResolve_FailuresNotCached(t *testing.T) {
	store := &countingStore{err: errors.New("constraint violation")}
	r := New(store, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := r.Platform(ctx, "app", "ios")
	require.Error(t, err)

	store.err = nil
	store.inner = memory.New()
	id, err := r.Platform(ctx, "app", "ios")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestBundle_StopsAtFirstFailure(t *testing.T) {
	store := &countingStore{inner: memory.New(), err: errors.New("constraint violation")}
	r := New(store, zaptest.NewLogger(t))

	_, err := r.Bundle(context.Background(), activity.BundleKey{AppID: "app", Platform: "ios", Channel: "c", Version: "v"})
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, activity.KindPlatform, resErr.Key.Kind)
	assert.Equal(t, int32(1), store.calls.Load())
}
