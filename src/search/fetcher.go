// Package search serves cached search results immediately and revalidates
// them in the background (stale-while-revalidate).
package search

import (
	"context"
	"errors"
	"time"

	"chordcache/src/bounded"
	"chordcache/src/keygen"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// Defaults for the refresh protocol.
const (
	RefreshThreshold = 24 * time.Hour
	RequestTimeout   = 15 * time.Second
)

// Source performs the network search.
type Source[T any] interface {
	Search(ctx context.Context, artist, song string) ([]T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context, artist, song string) ([]T, error)

func (f SourceFunc[T]) Search(ctx context.Context, artist, song string) ([]T, error) {
	return f(ctx, artist, song)
}

// Options configures a Fetcher.
type Options struct {
	// RefreshThreshold is the age after which a cached value is refetched.
	RefreshThreshold time.Duration
	// Timeout bounds each network request.
	Timeout time.Duration

	Now    func() time.Time
	Logger *log.Logger
}

// Fetcher combines a bounded cache with a network source.
type Fetcher[T any] struct {
	cache  *bounded.Store[[]T]
	source Source[T]
	opts   Options
	flight singleflight.Group
}

// NewFetcher returns a Fetcher. The cache's own expiration bounds how long a
// stale value may still be served.
func NewFetcher[T any](cache *bounded.Store[[]T], source Source[T], opts Options) *Fetcher[T] {
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = RefreshThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = RequestTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Fetcher[T]{cache: cache, source: source, opts: opts}
}

// Refresh is the outcome of FetchWithRefresh. Immediate is usable right
// away when Cached is set; the refreshed value becomes available once Done
// is closed.
type Refresh[T any] struct {
	Immediate []T
	Cached    bool
	// Stale is set when a background refetch was started for a cached value.
	Stale bool

	done   chan struct{}
	result []T
}

// Done is closed once the refreshed value is available.
func (r *Refresh[T]) Done() <-chan struct{} {
	return r.done
}

// Result returns the refreshed value. It must only be called after Done is
// closed. A nil result means the refetch failed.
func (r *Refresh[T]) Result() []T {
	return r.result
}

// Await blocks until the refreshed value is available or ctx ends.
func (r *Refresh[T]) Await(ctx context.Context) ([]T, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type outcome[T any] struct {
	results  []T
	err      error
	timedOut bool
}

// FetchWithRefresh returns what the cache holds for the query and, unless
// that value is fresh, refetches it in the background. Concurrent refetches
// of one query share a single request.
func (f *Fetcher[T]) FetchWithRefresh(ctx context.Context, artist, song string) *Refresh[T] {
	key := keygen.GenerateKey(artist, song)
	r := &Refresh[T]{done: make(chan struct{})}

	if item, ok := f.cache.Peek(key); ok {
		r.Immediate = item.Data
		r.Cached = true
		if f.opts.Now().Sub(item.StoredAt()) <= f.opts.RefreshThreshold {
			r.result = item.Data
			close(r.done)
			return r
		}
		r.Stale = true
		f.opts.Logger.Debug("serving stale search results", "key", key, "age", f.opts.Now().Sub(item.StoredAt()))
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		r.result = f.revalidate(ctx, key, artist, song, r.Immediate)
	}()
	return r
}

func (f *Fetcher[T]) revalidate(ctx context.Context, key, artist, song string, stale []T) []T {
	v, _, _ := f.flight.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()

		results, err := f.source.Search(ctx, artist, song)
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		if err == nil && timedOut {
			err = ctx.Err()
		}
		if err != nil {
			return outcome[T]{err: err, timedOut: timedOut}, nil
		}

		// Empty results are never cached so a bad response cannot replace
		// good data.
		if len(results) > 0 {
			f.cache.Store(key, results)
		}
		return outcome[T]{results: results}, nil
	})

	out := v.(outcome[T])
	switch {
	case out.timedOut:
		f.opts.Logger.Warn("search refresh timed out", "key", key, "timeout", f.opts.Timeout)
		return stale
	case out.err != nil:
		f.opts.Logger.Error("search refresh failed", "key", key, "err", out.err)
		return nil
	case out.results == nil:
		return []T{}
	default:
		return out.results
	}
}
