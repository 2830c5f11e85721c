// Package api keeps one process-wide Coordinator for the command line and the
// C exports. Every call reports failure as false or nil and logs the cause.
package api

import (
	"context"
	"encoding/json"
	"sync"

	"chordcache/src/bounded"
	"chordcache/src/cache"
	"chordcache/src/config"
	"chordcache/src/database"
	"chordcache/src/localstore"
	"chordcache/src/models"
	"chordcache/src/remote"

	"github.com/charmbracelet/log"
)

var (
	mu          sync.Mutex
	coordinator *cache.Coordinator
	storage     *localstore.Storage
)

// Init builds the process-wide Coordinator from cfg, replacing any previous
// one.
func Init(cfg config.Config) bool {
	c, s, err := build(cfg)
	if err != nil {
		log.Error("failed to initialize cache", "err", err)
		return false
	}

	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	coordinator, storage = c, s
	return true
}

func build(cfg config.Config) (*cache.Coordinator, *localstore.Storage, error) {
	var (
		backend bounded.Backend
		s       *localstore.Storage
	)
	if cfg.Ephemeral {
		backend = localstore.NewMemory(cfg.StorageQuota)
	} else {
		var err error
		if s, err = localstore.Open(cfg.StorageDir(), cfg.StorageQuota); err != nil {
			return nil, nil, err
		}
		backend = s
	}

	opts := cache.Options{
		Database:         database.NewManager(database.Config{Path: cfg.DatabasePath()}),
		Backend:          backend,
		ChordSheetTTL:    cfg.ChordSheetTTL,
		MaxTransient:     cfg.MaxTransient,
		RefreshThreshold: cfg.RefreshThreshold,
		SearchExpiration: cfg.SearchExpiration,
		RequestTimeout:   cfg.RequestTimeout,
	}
	if cfg.APIBase != "" {
		client, err := remote.NewClient(remote.Config{
			BaseURL:           cfg.APIBase,
			RequestsPerMinute: cfg.RequestsPerMin,
		})
		if err != nil {
			if s != nil {
				s.Close()
			}
			return nil, nil, err
		}
		opts.Songs = client.Songs()
		opts.Artists = client
		opts.Sheets = client
	}
	return cache.New(opts), s, nil
}

// Close closes the process-wide Coordinator.
func Close() bool {
	mu.Lock()
	defer mu.Unlock()

	if coordinator == nil {
		return false
	}
	return closeLocked()
}

func closeLocked() bool {
	ok := true
	if coordinator != nil {
		if err := coordinator.Close(); err != nil {
			log.Error("failed to close cache", "err", err)
			ok = false
		}
		coordinator = nil
	}
	if storage != nil {
		if err := storage.Close(); err != nil {
			log.Error("failed to close local storage", "err", err)
			ok = false
		}
		storage = nil
	}
	return ok
}

func current() *cache.Coordinator {
	mu.Lock()
	defer mu.Unlock()
	return coordinator
}

// CacheChordSheet stores content, a JSON chord sheet, for artist and title.
func CacheChordSheet(artist, title string, content []byte, saved bool) bool {
	c := current()
	if c == nil {
		return false
	}

	var sheet models.ChordSheet
	if err := json.Unmarshal(content, &sheet); err != nil {
		log.Error("invalid chord sheet", "err", err)
		return false
	}
	if err := c.CacheChordSheet(context.Background(), artist, title, sheet, cache.CacheOptions{Saved: saved}); err != nil {
		log.Error("failed to cache chord sheet", "artist", artist, "title", title, "err", err)
		return false
	}
	return true
}

// GetCachedChordSheet returns the cached sheet as JSON, or nil on a miss.
func GetCachedChordSheet(artist, title string) []byte {
	c := current()
	if c == nil {
		return nil
	}
	sheet, err := c.GetCachedChordSheet(context.Background(), artist, title)
	return encode(sheet, err)
}

// GetCachedChordSheetByPath returns the sheet cached under path as JSON, or
// nil on a miss.
func GetCachedChordSheetByPath(path string) []byte {
	c := current()
	if c == nil {
		return nil
	}
	sheet, err := c.GetCachedChordSheetByPath(context.Background(), path)
	return encode(sheet, err)
}

// SavedChordSheets returns the saved sheets as a JSON array.
func SavedChordSheets() []byte {
	c := current()
	if c == nil {
		return nil
	}
	records, err := c.SavedChordSheets(context.Background())
	if err != nil {
		log.Error("failed to list saved chord sheets", "err", err)
		return nil
	}

	sheets := make([]models.ChordSheet, 0, len(records))
	for _, r := range records {
		sheet, err := r.Sheet()
		if err != nil {
			log.Warn("skipping unreadable chord sheet", "path", r.Path, "err", err)
			continue
		}
		sheets = append(sheets, sheet)
	}
	return encode(&sheets, nil)
}

// CacheSearchResults stores content, a JSON array, for query.
func CacheSearchResults(query string, content []byte) bool {
	c := current()
	if c == nil {
		return false
	}
	if !json.Valid(content) {
		log.Error("invalid search results", "query", query)
		return false
	}
	if err := c.CacheSearchResults(context.Background(), query, json.RawMessage(content)); err != nil {
		log.Error("failed to cache search results", "query", query, "err", err)
		return false
	}
	return true
}

// GetCachedSearchResults returns the cached results for query, or nil on a
// miss.
func GetCachedSearchResults(query string) []byte {
	c := current()
	if c == nil {
		return nil
	}
	var raw json.RawMessage
	hit, err := c.GetCachedSearchResults(context.Background(), query, &raw)
	if err != nil {
		log.Error("failed to read search results", "query", query, "err", err)
		return nil
	}
	if !hit {
		return nil
	}
	return raw
}

// Search returns songs matching artist and song as JSON. Cached results are
// returned right away and refreshed in the background when stale; otherwise
// the call waits for the remote source.
func Search(artist, song string) []byte {
	c := current()
	if c == nil {
		return nil
	}
	ctx := context.Background()
	r, err := c.GetSearchResultsWithRefresh(ctx, artist, song)
	if err != nil {
		log.Error("search failed", "artist", artist, "song", song, "err", err)
		return nil
	}
	if r.Cached {
		return encode(&r.Immediate, nil)
	}
	songs, err := r.Await(ctx)
	if err != nil || songs == nil {
		return nil
	}
	return encode(&songs, nil)
}

// ClearAllCache drops every cached entry.
func ClearAllCache() bool {
	c := current()
	if c == nil {
		return false
	}
	if err := c.ClearAllCache(context.Background()); err != nil {
		log.Error("failed to clear cache", "err", err)
		return false
	}
	return true
}

// ClearSearchCache drops every cached search.
func ClearSearchCache() bool {
	c := current()
	if c == nil {
		return false
	}
	if err := c.ClearSearchCache(context.Background()); err != nil {
		log.Error("failed to clear search cache", "err", err)
		return false
	}
	return true
}

// ClearExpiredEntries removes expired entries and returns how many were
// removed, or -1 on failure.
func ClearExpiredEntries() int {
	c := current()
	if c == nil {
		return -1
	}
	n, err := c.ClearExpiredEntries(context.Background())
	if err != nil {
		log.Error("failed to clear expired entries", "err", err)
		return -1
	}
	return n
}

// Stats reports what the cache holds.
func Stats() (cache.Stats, bool) {
	c := current()
	if c == nil {
		return cache.Stats{}, false
	}
	s, err := c.Stats(context.Background())
	if err != nil {
		log.Error("failed to read cache stats", "err", err)
		return s, false
	}
	return s, true
}

func encode[T any](v *T, err error) []byte {
	if err != nil {
		log.Error("cache read failed", "err", err)
		return nil
	}
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error("failed to encode result", "err", err)
		return nil
	}
	return b
}
