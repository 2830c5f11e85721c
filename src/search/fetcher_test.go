package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chordcache/src/bounded"
	"chordcache/src/keygen"
	"chordcache/src/localstore"
	"chordcache/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock *clock
	cache *bounded.Store[[]models.Song]
	calls atomic.Int32
}

func newFixture() *fixture {
	c := &clock{t: epoch}
	opts := bounded.SearchResults()
	opts.Now = c.Now
	return &fixture{
		clock: c,
		cache: bounded.New[[]models.Song](localstore.NewMemory(0), opts),
	}
}

// seed stores songs as if they had been cached age ago.
func (f *fixture) seed(artist, song string, songs []models.Song, age time.Duration) {
	f.clock.Set(epoch.Add(-age))
	f.cache.Store(keygen.GenerateKey(artist, song), songs)
	f.clock.Set(epoch)
}

func (f *fixture) fetcher(fn SourceFunc[models.Song], timeout time.Duration) *Fetcher[models.Song] {
	counted := SourceFunc[models.Song](func(ctx context.Context, artist, song string) ([]models.Song, error) {
		f.calls.Add(1)
		return fn(ctx, artist, song)
	})
	return NewFetcher(f.cache, counted, Options{Now: f.clock.Now, Timeout: timeout})
}

func await(t *testing.T, r *Refresh[models.Song]) []models.Song {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := r.Await(ctx)
	require.NoError(t, err)
	return got
}

var (
	oldSongs   = []models.Song{{Title: "Creep", Path: "/radiohead/creep/"}}
	freshSongs = []models.Song{{Title: "Creep", Path: "/radiohead/creep/"}, {Title: "Nude", Path: "/radiohead/nude/"}}
)

func TestFetchWithRefresh_FreshSkipsNetwork(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 2*time.Hour)
	fetcher := f.fetcher(func(context.Context, string, string) ([]models.Song, error) {
		return freshSongs, nil
	}, 0)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.True(t, r.Cached)
	assert.False(t, r.Stale)
	assert.Equal(t, oldSongs, r.Immediate)
	assert.Equal(t, oldSongs, await(t, r))
	assert.Zero(t, f.calls.Load())
}

func TestFetchWithRefresh_StaleRevalidates(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 26*time.Hour)
	fetcher := f.fetcher(func(context.Context, string, string) ([]models.Song, error) {
		return freshSongs, nil
	}, 0)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.True(t, r.Stale)
	assert.Equal(t, oldSongs, r.Immediate)
	assert.Equal(t, freshSongs, await(t, r))
	assert.Equal(t, int32(1), f.calls.Load())

	item, ok := f.cache.Peek(keygen.GenerateKey("Radiohead", "Creep"))
	require.True(t, ok)
	assert.Equal(t, freshSongs, item.Data)
	assert.Equal(t, epoch.UnixMilli(), item.Timestamp)
}

func TestFetchWithRefresh_MissWaitsForNetwork(t *testing.T) {
	f := newFixture()
	fetcher := f.fetcher(func(_ context.Context, artist, song string) ([]models.Song, error) {
		assert.Equal(t, "Radiohead", artist)
		assert.Equal(t, "Creep", song)
		return freshSongs, nil
	}, 0)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.False(t, r.Cached)
	assert.Nil(t, r.Immediate)
	assert.Equal(t, freshSongs, await(t, r))
}

func TestFetchWithRefresh_ExpiredIsAMiss(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 31*24*time.Hour)
	fetcher := f.fetcher(func(context.Context, string, string) ([]models.Song, error) {
		return nil, errors.New("offline")
	}, 0)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.False(t, r.Cached)
	assert.Nil(t, await(t, r))
}

func TestFetchWithRefresh_EmptyResultDoesNotOverwrite(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 26*time.Hour)
	fetcher := f.fetcher(func(context.Context, string, string) ([]models.Song, error) {
		return []models.Song{}, nil
	}, 0)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	got := await(t, r)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	item, ok := f.cache.Peek(keygen.GenerateKey("Radiohead", "Creep"))
	require.True(t, ok)
	assert.Equal(t, oldSongs, item.Data)
}

func TestFetchWithRefresh_NetworkErrorResolvesNil(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 26*time.Hour)
	fetcher := f.fetcher(func(context.Context, string, string) ([]models.Song, error) {
		return nil, errors.New("connection refused")
	}, 0)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.Equal(t, oldSongs, r.Immediate)
	assert.Nil(t, await(t, r))
}

func TestFetchWithRefresh_TimeoutFallsBackToStale(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 26*time.Hour)
	fetcher := f.fetcher(func(ctx context.Context, _, _ string) ([]models.Song, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 20*time.Millisecond)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.Equal(t, oldSongs, await(t, r))
}

func TestFetchWithRefresh_EarlyDeadlineErrorFallsBackToStale(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 26*time.Hour)
	// A limiter that cannot fit its wait into the deadline fails before the
	// context expires.
	fetcher := f.fetcher(func(ctx context.Context, _, _ string) ([]models.Song, error) {
		return nil, fmt.Errorf("%w: rate: Wait(n=1) would exceed context deadline", context.DeadlineExceeded)
	}, time.Minute)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.Equal(t, oldSongs, await(t, r))
}

func TestFetchWithRefresh_TimeoutWithoutCacheResolvesNil(t *testing.T) {
	f := newFixture()
	fetcher := f.fetcher(func(ctx context.Context, _, _ string) ([]models.Song, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 20*time.Millisecond)

	r := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	assert.Nil(t, await(t, r))
}

func TestFetchWithRefresh_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})
	fetcher := f.fetcher(func(ctx context.Context, _, _ string) ([]models.Song, error) {
		select {
		case <-release:
			return freshSongs, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	r := fetcher.FetchWithRefresh(ctx, "Radiohead", "Creep")
	cancel()
	close(release)
	assert.Equal(t, freshSongs, await(t, r))
}

func TestFetchWithRefresh_DeduplicatesConcurrentRefetches(t *testing.T) {
	f := newFixture()
	f.seed("Radiohead", "Creep", oldSongs, 26*time.Hour)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	fetcher := f.fetcher(func(context.Context, string, string) ([]models.Song, error) {
		started <- struct{}{}
		<-release
		return freshSongs, nil
	}, time.Second)

	first := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	<-started
	second := fetcher.FetchWithRefresh(context.Background(), "Radiohead", "Creep")
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.Equal(t, freshSongs, await(t, first))
	assert.Equal(t, freshSongs, await(t, second))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRefresh_AwaitHonoursContext(t *testing.T) {
	r := &Refresh[models.Song]{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
