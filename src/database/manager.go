// Package database manages the versioned SQLite database behind the chord
// sheet and search caches.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

// NewManager returns a manager for the database at config.Path. Nothing is
// opened until Initialize.
func NewManager(config Config) *Manager {
	if config.Steps == nil {
		config.Steps = Migrations
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Manager{config: config}
}

// Initialize opens the database and brings its schema up to date. It is a
// no-op when the database is already open.
func (m *Manager) Initialize(ctx context.Context) (*sql.DB, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.db != nil {
		return m.db, nil
	}

	if err := ValidateSteps(m.config.Steps); err != nil {
		return nil, err
	}

	db, err := m.openDB(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.upgrade(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	m.db = db
	return db, nil
}

// Version returns the schema version stored in the database.
func (m *Manager) Version(ctx context.Context) (int, error) {
	db, err := m.handle()
	if err != nil {
		return 0, err
	}
	return userVersion(ctx, db)
}

// TargetVersion is the schema version Initialize upgrades to.
func (m *Manager) TargetVersion() int {
	return len(m.config.Steps)
}

// Path returns the database file path.
func (m *Manager) Path() string {
	return m.config.Path
}

// Size returns the size in bytes of the database file.
func (m *Manager) Size() (int64, error) {
	stat, err := os.Stat(m.config.Path)
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Compact rebuilds the database file to release space freed by deletes.
func (m *Manager) Compact(ctx context.Context) error {
	db, err := m.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases the handle. A later Initialize opens the database again.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *Manager) handle() (*sql.DB, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.db == nil {
		return nil, ErrClosed
	}
	return m.db, nil
}

func (m *Manager) openDB(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(m.config.Path), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %v", ErrOpen, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", m.config.Path, m.config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	// One connection keeps transactions strictly serialized, the way an
	// object store queues them.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	if err := m.configurePragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to configure pragmas: %v", ErrOpen, err)
	}

	return db, nil
}

func (m *Manager) configurePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute pragma '%s': %w", pragma, err)
		}
	}

	return nil
}

// upgrade runs every migration step from the stored version up to the
// target version inside one transaction.
func (m *Manager) upgrade(ctx context.Context, db *sql.DB) (err error) {
	oldVersion, err := userVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("%w: failed to read schema version: %v", ErrOpen, err)
	}

	target := m.TargetVersion()
	if oldVersion > target {
		return fmt.Errorf("%w: database version %d is newer than supported version %d", ErrMigration, oldVersion, target)
	}
	if oldVersion == target {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err := createStores(ctx, tx); err != nil {
		return fmt.Errorf("%w: failed to create stores: %v", ErrMigration, err)
	}

	for _, step := range m.config.Steps[oldVersion:] {
		m.config.Logger.Debug("applying migration", "from", step.From, "to", step.From+1, "name", step.Name)
		if err := step.Apply(ctx, tx); err != nil {
			return fmt.Errorf("%w: step %d (%s): %v", ErrMigration, step.From, step.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("%w: failed to set schema version: %v", ErrMigration, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}

	m.config.Logger.Info("database upgraded", "from", oldVersion, "to", target, "path", m.config.Path)
	return nil
}

func createStores(ctx context.Context, tx *sql.Tx) error {
	for _, store := range Stores {
		query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`, store.table())
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}
