// Package cache coordinates the chord sheet and search caches behind one
// facade.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chordcache/src/bounded"
	"chordcache/src/database"
	"chordcache/src/keygen"
	"chordcache/src/models"
	"chordcache/src/repository"
	"chordcache/src/search"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Coordinator routes reads and writes to the database repositories and the
// bounded local caches. The database is opened on first use.
type Coordinator struct {
	db          *database.Manager
	chordSheets *repository.ChordSheetRepository
	searches    *repository.SearchCacheRepository

	artistSongs   *bounded.Store[[]models.Song]
	myChordSheets *bounded.Store[models.ChordSheet]
	searchResults *bounded.Store[[]models.Song]

	fetcher *search.Fetcher[models.Song]
	artists ArtistSource
	sheets  ChordSheetSource
	logger  *log.Logger
}

// New wires a Coordinator from opts.
func New(opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	c := &Coordinator{
		db: opts.Database,
		chordSheets: repository.NewChordSheetRepository(opts.Database, repository.ChordSheetOptions{
			TTL:          opts.ChordSheetTTL,
			MaxTransient: opts.MaxTransient,
			Now:          opts.Now,
			Logger:       opts.Logger,
		}),
		searches: repository.NewSearchCacheRepository(opts.Database, repository.SearchOptions{
			Now:    opts.Now,
			Logger: opts.Logger,
		}),
		artists: opts.Artists,
		sheets:  opts.Sheets,
		logger:  opts.Logger,
	}

	c.artistSongs = bounded.New[[]models.Song](opts.Backend, withClock(bounded.ArtistSongs(), opts))
	c.myChordSheets = bounded.New[models.ChordSheet](opts.Backend, withClock(bounded.MyChordSheets(), opts))

	searchOpts := withClock(bounded.SearchResults(), opts)
	if opts.SearchExpiration > 0 {
		searchOpts.Expiration = opts.SearchExpiration
	}
	c.searchResults = bounded.New[[]models.Song](opts.Backend, searchOpts)

	if opts.Songs != nil {
		c.fetcher = search.NewFetcher(c.searchResults, opts.Songs, search.Options{
			RefreshThreshold: opts.RefreshThreshold,
			Timeout:          opts.RequestTimeout,
			Now:              opts.Now,
			Logger:           opts.Logger,
		})
	}
	return c
}

func withClock(o bounded.Options, opts Options) bounded.Options {
	o.Now = opts.Now
	o.Logger = opts.Logger
	return o
}

func (c *Coordinator) open(ctx context.Context) error {
	if err := c.chordSheets.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	return nil
}

// CacheChordSheet stores sheet under the key derived from artist and title.
// Saved sheets are exempt from expiry and pruning and are mirrored into the
// "my chord sheets" list.
func (c *Coordinator) CacheChordSheet(ctx context.Context, artist, title string, sheet models.ChordSheet, opts CacheOptions) error {
	if err := c.open(ctx); err != nil {
		return err
	}

	path := keygen.GenerateKey(artist, title)
	if err := c.chordSheets.StoreByPath(ctx, path, sheet, repository.Metadata{Saved: opts.Saved}); err != nil {
		return err
	}
	if opts.Saved {
		c.myChordSheets.Store(path, sheet)
	}
	return nil
}

// GetCachedChordSheet returns the cached sheet for artist and title, or nil.
func (c *Coordinator) GetCachedChordSheet(ctx context.Context, artist, title string) (*models.ChordSheet, error) {
	return c.GetCachedChordSheetByPath(ctx, keygen.GenerateKey(artist, title))
}

// GetCachedChordSheetByPath returns the cached sheet stored under path, or nil.
func (c *Coordinator) GetCachedChordSheetByPath(ctx context.Context, path string) (*models.ChordSheet, error) {
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c.chordSheets.GetCachedChordSheetByPath(ctx, path)
}

// ChordSheet returns the cached sheet or fetches and caches it.
func (c *Coordinator) ChordSheet(ctx context.Context, artist, title string) (*models.ChordSheet, error) {
	cached, err := c.GetCachedChordSheet(ctx, artist, title)
	if err != nil || cached != nil {
		return cached, err
	}
	if c.sheets == nil {
		return nil, ErrNoSource
	}

	sheet, err := c.sheets.ChordSheet(ctx, artist, title)
	if err != nil {
		return nil, err
	}
	if sheet.Empty() {
		return &sheet, nil
	}
	if err := c.CacheChordSheet(ctx, artist, title, sheet, CacheOptions{}); err != nil {
		c.logger.Warn("failed to cache chord sheet", "artist", artist, "title", title, "err", err)
	}
	return &sheet, nil
}

// UnsaveChordSheet unpins a saved sheet. It stays cached as a transient
// entry.
func (c *Coordinator) UnsaveChordSheet(ctx context.Context, artist, title string) error {
	if err := c.open(ctx); err != nil {
		return err
	}
	path := keygen.GenerateKey(artist, title)
	c.myChordSheets.Remove(path)
	return c.chordSheets.SetSaved(ctx, path, false)
}

// SavedChordSheets lists the saved sheets in the database.
func (c *Coordinator) SavedChordSheets(ctx context.Context) ([]repository.ChordSheetRecord, error) {
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c.chordSheets.GetAllSaved(ctx)
}

// MyChordSheets returns the local "my chord sheets" list, least recently
// stored first.
func (c *Coordinator) MyChordSheets() []models.ChordSheet {
	items := c.myChordSheets.Items()
	out := make([]models.ChordSheet, 0, len(items))
	for _, it := range items {
		out = append(out, it.Data)
	}
	return out
}

// ArtistSongs returns the song list of artist from the local cache, fetching
// it on a miss. Empty lists are not cached.
func (c *Coordinator) ArtistSongs(ctx context.Context, artist string) ([]models.Song, error) {
	key := keygen.SearchID(artist)
	if songs, ok := c.artistSongs.Get(key); ok {
		return songs, nil
	}
	if c.artists == nil {
		return nil, ErrNoSource
	}

	songs, err := c.artists.ArtistSongs(ctx, artist)
	if err != nil {
		return nil, err
	}
	if len(songs) > 0 {
		c.artistSongs.Store(key, songs)
	}
	return songs, nil
}

// CacheSearchResults stores results for query. results must encode as a
// JSON array.
func (c *Coordinator) CacheSearchResults(ctx context.Context, query string, results any) error {
	if err := c.open(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode search results: %w", err)
	}
	return c.searches.Store(ctx, query, raw, repository.Metadata{})
}

// GetCachedSearchResults decodes the cached results for query into out and
// reports whether there was a hit.
func (c *Coordinator) GetCachedSearchResults(ctx context.Context, query string, out any) (bool, error) {
	if err := c.open(ctx); err != nil {
		return false, err
	}
	record, err := c.searches.Get(ctx, query)
	if err != nil || record == nil {
		return false, err
	}
	if err := record.Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode search results: %w", err)
	}
	return true, nil
}

// GetSearchResultsWithRefresh serves cached song results for artist and song
// and refreshes them in the background when they are stale or missing.
func (c *Coordinator) GetSearchResultsWithRefresh(ctx context.Context, artist, song string) (*search.Refresh[models.Song], error) {
	if c.fetcher == nil {
		return nil, ErrNoSource
	}
	return c.fetcher.FetchWithRefresh(ctx, artist, song), nil
}

// ClearSearchCache drops every cached search.
func (c *Coordinator) ClearSearchCache(ctx context.Context) error {
	if err := c.open(ctx); err != nil {
		return err
	}
	c.searchResults.Clear()
	return c.searches.Clear(ctx)
}

// ClearAllCache drops everything the coordinator holds, saved sheets
// included.
func (c *Coordinator) ClearAllCache(ctx context.Context) error {
	if err := c.open(ctx); err != nil {
		return err
	}

	c.artistSongs.Clear()
	c.myChordSheets.Clear()
	c.searchResults.Clear()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.chordSheets.Clear(ctx) })
	g.Go(func() error { return c.searches.Clear(ctx) })
	return g.Wait()
}

// ClearExpiredEntries removes expired rows from both repositories and
// returns how many were removed.
func (c *Coordinator) ClearExpiredEntries(ctx context.Context) (int, error) {
	if err := c.open(ctx); err != nil {
		return 0, err
	}

	sheets, err := c.chordSheets.RemoveExpired(ctx)
	if err != nil {
		return 0, err
	}
	searches, err := c.searches.RemoveExpired(ctx)
	if err != nil {
		return sheets, err
	}

	removed := sheets + searches
	if removed > 0 {
		if err := c.db.Compact(ctx); err != nil {
			c.logger.Warn("failed to compact database", "err", err)
		}
	}
	c.logger.Debug("cleared expired entries", "chordSheets", sheets, "searches", searches)
	return removed, nil
}

// Stats reports entry counts and the database size.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	if err := c.open(ctx); err != nil {
		return Stats{}, err
	}

	s := Stats{
		DatabasePath:  c.db.Path(),
		ArtistLists:   c.artistSongs.Len(),
		MyChordSheets: c.myChordSheets.Len(),
		SearchResults: c.searchResults.Len(),
	}

	var err error
	if s.SchemaVersion, err = c.db.Version(ctx); err != nil {
		return s, err
	}
	if s.ChordSheets, err = c.db.Count(ctx, database.ChordSheets); err != nil {
		return s, err
	}
	if s.Searches, err = c.db.Count(ctx, database.SearchCache); err != nil {
		return s, err
	}
	saved, err := c.chordSheets.GetAllSaved(ctx)
	if err != nil {
		return s, err
	}
	s.SavedSheets = len(saved)
	if size, err := c.db.Size(); err == nil {
		s.DatabaseBytes = size
	}
	return s, nil
}

// Close closes the database. The next call reopens it.
func (c *Coordinator) Close() error {
	return c.db.Close()
}
