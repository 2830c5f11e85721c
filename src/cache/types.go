package cache

import (
	"context"
	"errors"
	"time"

	"chordcache/src/bounded"
	"chordcache/src/database"
	"chordcache/src/models"
	"chordcache/src/search"

	"github.com/charmbracelet/log"
)

// ErrNoSource is returned by read-through calls when no remote source is
// configured.
var ErrNoSource = errors.New("no remote source configured")

// ArtistSource lists the songs of an artist.
type ArtistSource interface {
	ArtistSongs(ctx context.Context, artist string) ([]models.Song, error)
}

// ChordSheetSource fetches a chord sheet.
type ChordSheetSource interface {
	ChordSheet(ctx context.Context, artist, song string) (models.ChordSheet, error)
}

// Options configures a Coordinator. Database and Backend are required; the
// sources are optional and only needed by the read-through calls.
type Options struct {
	Database *database.Manager
	Backend  bounded.Backend

	Songs   search.Source[models.Song]
	Artists ArtistSource
	Sheets  ChordSheetSource

	ChordSheetTTL    time.Duration
	MaxTransient     int
	RefreshThreshold time.Duration
	SearchExpiration time.Duration
	RequestTimeout   time.Duration

	Now    func() time.Time
	Logger *log.Logger
}

// CacheOptions are the per-call options of CacheChordSheet.
type CacheOptions struct {
	Saved bool
}

// Stats summarizes what the cache holds.
type Stats struct {
	SchemaVersion int
	DatabasePath  string
	DatabaseBytes int64
	ChordSheets   int
	SavedSheets   int
	Searches      int
	ArtistLists   int
	MyChordSheets int
	SearchResults int
}
