package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// conn is satisfied by both *sql.DB and *sql.Tx.
type conn interface {
	querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a read-write transaction over the object stores. It is only valid
// inside the function passed to Update.
type Tx struct {
	tx *sql.Tx
}

// Update runs fn in one transaction and commits when fn returns nil. fn must
// use tx for every statement; calling the Manager from inside fn blocks on
// the single connection.
func (m *Manager) Update(ctx context.Context, fn func(tx *Tx) error) error {
	db, err := m.handle()
	if err != nil {
		return err
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get returns the document stored under key, or ErrNotFound.
func (t *Tx) Get(ctx context.Context, store Store, key string) ([]byte, error) {
	return getDoc(ctx, t.tx, store, key)
}

// Put inserts or replaces the document stored under key.
func (t *Tx) Put(ctx context.Context, store Store, key string, value []byte) error {
	return putDoc(ctx, t.tx, store, key, value)
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Tx) Delete(ctx context.Context, store Store, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", store.table())
	if _, err := t.tx.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", store, key, err)
	}
	return nil
}

func putDoc(ctx context.Context, c conn, store Store, key string, value []byte) error {
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (key, value) VALUES (?, ?)", store.table())
	if _, err := c.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", store, key, err)
	}
	return nil
}

func getDoc(ctx context.Context, c conn, store Store, key string) ([]byte, error) {
	var value string
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", store.table())
	if err := c.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", store, key, err)
	}
	return []byte(value), nil
}

// Put inserts or replaces the document stored under key.
func (m *Manager) Put(ctx context.Context, store Store, key string, value []byte) error {
	db, err := m.handle()
	if err != nil {
		return err
	}
	return putDoc(ctx, db, store, key, value)
}

// Get returns the document stored under key, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, store Store, key string) ([]byte, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}
	return getDoc(ctx, db, store, key)
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Manager) Delete(ctx context.Context, store Store, key string) error {
	_, err := m.DeleteKeys(ctx, store, []string{key})
	return err
}

// DeleteKeys removes keys in one transaction and returns how many rows
// existed.
func (m *Manager) DeleteKeys(ctx context.Context, store Store, keys []string) (int, error) {
	db, err := m.handle()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", store.table())
	removed := 0
	for _, key := range keys {
		res, err := tx.ExecContext(ctx, query, key)
		if err != nil {
			return 0, fmt.Errorf("failed to delete %s/%s: %w", store, key, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return removed, nil
}

// Clear removes every document of store.
func (m *Manager) Clear(ctx context.Context, store Store) error {
	db, err := m.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", store.table())); err != nil {
		return fmt.Errorf("failed to clear %s: %w", store, err)
	}
	return nil
}

// Scan returns every document of store ordered by key.
func (m *Manager) Scan(ctx context.Context, store Store) ([]Row, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}
	return scanRows(ctx, db, store)
}

// ScanIndex returns the documents whose indexed field equals value.
func (m *Manager) ScanIndex(ctx context.Context, idx Index, value any) ([]Row, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT key, value FROM %s WHERE json_extract(value, '%s') = ? ORDER BY key",
		idx.Store.table(), idx.Path)
	return collect(ctx, db, query, value)
}

// Count returns the number of documents in store.
func (m *Manager) Count(ctx context.Context, store Store) (int, error) {
	db, err := m.handle()
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", store.table())).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", store, err)
	}
	return n, nil
}

// ExistingStores returns the object stores present in the database file.
func (m *Manager) ExistingStores(ctx context.Context) ([]Store, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Store
	for _, s := range Stores {
		if tables[s.table()] {
			out = append(out, s)
		}
	}
	return out, nil
}

// HasIndex reports whether the named index exists.
func (m *Manager) HasIndex(ctx context.Context, idx Index) (bool, error) {
	db, err := m.handle()
	if err != nil {
		return false, err
	}

	var n int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", idx.Name).Scan(&n)
	return n > 0, err
}

func scanRows(ctx context.Context, q querier, store Store) ([]Row, error) {
	return collect(ctx, q, fmt.Sprintf("SELECT key, value FROM %s ORDER BY key", store.table()))
}

// collect reads all rows before returning so no cursor stays open while the
// caller issues further statements on the same connection.
func collect(ctx context.Context, q querier, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out = append(out, Row{Key: key, Value: []byte(value)})
	}
	return out, rows.Err()
}
