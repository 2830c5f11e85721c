// Package repository implements the chord sheet and search caches on top of
// the database manager.
//
// Both repositories share one Manager: closing either closes the database for
// both, and the next Initialize reopens it.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"chordcache/src/models"
)

// Repository is the contract shared by the stores. Get returns a nil record
// and a nil error on a miss.
type Repository[T, R any] interface {
	Initialize(ctx context.Context) error
	Close() error
	Store(ctx context.Context, key string, data T, meta Metadata) error
	Get(ctx context.Context, key string) (*R, error)
	GetAll(ctx context.Context) ([]R, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	RemoveExpired(ctx context.Context) (int, error)
}

var (
	_ Repository[json.RawMessage, SearchCacheRecord] = (*SearchCacheRepository)(nil)
	_ Repository[models.ChordSheet, ChordSheetRecord] = (*ChordSheetRepository)(nil)
)

// Metadata carries the optional per-write settings.
type Metadata struct {
	// Saved pins a chord sheet: it never expires and is never pruned.
	Saved bool
	// DataSource tags where search results came from. Defaults to "api".
	DataSource string
	// TTL overrides the repository default for this write.
	TTL time.Duration
}

// RecordVersion is written into every record.
const RecordVersion = 1

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
