package database

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// ErrOpen wraps failures to open or configure the database file.
	ErrOpen = errors.New("failed to open database")

	// ErrMigration wraps failures of the schema upgrade. The upgrade is
	// rolled back as a whole when it is returned.
	ErrMigration = errors.New("schema migration failed")

	// ErrClosed is returned by store operations on a manager that is not
	// initialized.
	ErrClosed = errors.New("database is not open")

	// ErrNotFound is returned when a key is absent from a store.
	ErrNotFound = errors.New("not found")
)

// Store names an object store. Each store is a table of JSON documents keyed
// by a string.
type Store string

const (
	// ChordSheets is keyed by the chord sheet path.
	ChordSheets Store = "chordSheets"
	// SearchCache is keyed by the search id.
	SearchCache Store = "searchCache"
)

// Stores lists every object store in creation order.
var Stores = []Store{ChordSheets, SearchCache}

func (s Store) table() string {
	switch s {
	case ChordSheets:
		return "chord_sheets"
	case SearchCache:
		return "search_cache"
	default:
		return ""
	}
}

// Index is an expression index over one JSON field of a store.
type Index struct {
	Name  string
	Store Store
	Path  string
}

// SavedIndex indexes chord sheets by their saved flag.
var SavedIndex = Index{Name: "idx_chord_sheets_saved", Store: ChordSheets, Path: "$.saved"}

// Row is one stored document.
type Row struct {
	Key   string
	Value []byte
}

// Config configures a Manager.
type Config struct {
	// Path is the database file. Its directory is created on open.
	Path string
	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
	// Steps overrides the migration ladder. Nil selects Migrations.
	Steps []Step

	Logger *log.Logger
}

// Manager owns the database handle and its schema.
type Manager struct {
	config Config
	mutex  sync.RWMutex
	db     *sql.DB
}
