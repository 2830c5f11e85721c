package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"chordcache/src/database"
	"chordcache/src/models"

	"github.com/charmbracelet/log"
)

// Defaults for transient chord sheets.
const (
	ChordSheetTTL       = 7 * 24 * time.Hour
	DefaultMaxTransient = 200
)

// SavedFlag is the saved marker of a chord sheet. It is written as 0/1 and
// read from any encoding earlier schema versions used.
type SavedFlag bool

func (f SavedFlag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (f *SavedFlag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "true", "1":
		*f = true
		return nil
	case "false", "0", "null":
		*f = false
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = s == database.SavedTag
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = n != 0
		return nil
	}
	return fmt.Errorf("invalid saved flag %s", b)
}

// ChordSheetRecord is one stored chord sheet. Times are Unix milliseconds.
type ChordSheetRecord struct {
	Path        string          `json:"path"`
	Artist      string          `json:"artist"`
	Title       string          `json:"title"`
	ChordSheet  models.Envelope `json:"chordSheet"`
	Saved       SavedFlag       `json:"saved"`
	Timestamp   int64           `json:"timestamp"`
	AccessCount int             `json:"accessCount"`
	DeletedAt   *int64          `json:"deletedAt,omitempty"`
	ExpiresAt   *int64          `json:"expiresAt,omitempty"`
	Version     int             `json:"version,omitempty"`
}

// Expired reports whether a transient record is past its expiry at now.
// Saved records never expire.
func (r *ChordSheetRecord) Expired(now time.Time) bool {
	if r.Saved || r.ExpiresAt == nil {
		return false
	}
	return millis(now) > *r.ExpiresAt
}

// Sheet decodes the stored payload.
func (r *ChordSheetRecord) Sheet() (models.ChordSheet, error) {
	return r.ChordSheet.Unwrap()
}

// ChordSheetOptions configures a ChordSheetRepository.
type ChordSheetOptions struct {
	// TTL is the lifetime of transient records.
	TTL time.Duration
	// MaxTransient caps the number of unsaved records.
	MaxTransient int

	Now    func() time.Time
	Logger *log.Logger
}

// ChordSheetRepository stores chord sheets keyed by path. Saved records are
// kept until deleted; transient records expire and are pruned.
type ChordSheetRepository struct {
	db   *database.Manager
	opts ChordSheetOptions
}

// NewChordSheetRepository returns a repository over db.
func NewChordSheetRepository(db *database.Manager, opts ChordSheetOptions) *ChordSheetRepository {
	if opts.TTL <= 0 {
		opts.TTL = ChordSheetTTL
	}
	if opts.MaxTransient <= 0 {
		opts.MaxTransient = DefaultMaxTransient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &ChordSheetRepository{db: db, opts: opts}
}

func (r *ChordSheetRepository) Initialize(ctx context.Context) error {
	_, err := r.db.Initialize(ctx)
	return err
}

func (r *ChordSheetRepository) Close() error {
	return r.db.Close()
}

// Store writes sheet under path. A record that is already saved stays saved
// and keeps its access count.
func (r *ChordSheetRepository) Store(ctx context.Context, path string, sheet models.ChordSheet, meta Metadata) error {
	env, err := models.Wrap(sheet)
	if err != nil {
		return err
	}

	var record ChordSheetRecord
	err = r.db.Update(ctx, func(tx *database.Tx) error {
		existing, err := r.load(ctx, tx, path)
		if err != nil {
			return err
		}

		now := r.opts.Now()
		record = ChordSheetRecord{
			Path:        path,
			Artist:      sheet.Artist,
			Title:       sheet.Title,
			ChordSheet:  env,
			Saved:       SavedFlag(meta.Saved),
			Timestamp:   millis(now),
			AccessCount: 1,
			Version:     RecordVersion,
		}
		if existing != nil && existing.DeletedAt == nil {
			record.AccessCount = existing.AccessCount + 1
			record.Saved = record.Saved || existing.Saved
		}
		if !record.Saved {
			ttl := r.opts.TTL
			if meta.TTL > 0 {
				ttl = meta.TTL
			}
			expiresAt := millis(now.Add(ttl))
			record.ExpiresAt = &expiresAt
		}
		return r.put(ctx, tx, &record)
	})
	if err != nil {
		return err
	}
	if record.Saved {
		return nil
	}
	return r.prune(ctx)
}

// StoreByPath is Store under its path-oriented name.
func (r *ChordSheetRepository) StoreByPath(ctx context.Context, path string, sheet models.ChordSheet, meta Metadata) error {
	return r.Store(ctx, path, sheet, meta)
}

// Get returns the record at path and records the access. Deleted and
// expired records are misses; expired ones are removed.
func (r *ChordSheetRepository) Get(ctx context.Context, path string) (*ChordSheetRecord, error) {
	var found *ChordSheetRecord
	err := r.db.Update(ctx, func(tx *database.Tx) error {
		record, err := r.load(ctx, tx, path)
		if err != nil || record == nil || record.DeletedAt != nil {
			return err
		}

		now := r.opts.Now()
		if record.Expired(now) {
			r.opts.Logger.Debug("chord sheet expired", "path", path)
			return tx.Delete(ctx, database.ChordSheets, path)
		}

		record.Timestamp = millis(now)
		record.AccessCount++
		if err := r.put(ctx, tx, record); err != nil {
			return err
		}
		found = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetCachedChordSheetByPath returns the decoded chord sheet at path.
func (r *ChordSheetRepository) GetCachedChordSheetByPath(ctx context.Context, path string) (*models.ChordSheet, error) {
	record, err := r.Get(ctx, path)
	if err != nil || record == nil {
		return nil, err
	}
	sheet, err := record.Sheet()
	if err != nil {
		return nil, err
	}
	return &sheet, nil
}

// GetAll returns every live record.
func (r *ChordSheetRepository) GetAll(ctx context.Context) ([]ChordSheetRecord, error) {
	rows, err := r.db.Scan(ctx, database.ChordSheets)
	if err != nil {
		return nil, err
	}
	return r.decode(rows, r.opts.Now()), nil
}

// GetAllSaved returns the saved records using the saved index.
func (r *ChordSheetRepository) GetAllSaved(ctx context.Context) ([]ChordSheetRecord, error) {
	rows, err := r.db.ScanIndex(ctx, database.SavedIndex, 1)
	if err != nil {
		return nil, err
	}
	return r.decode(rows, r.opts.Now()), nil
}

// SetSaved pins or unpins the record at path. Unpinning starts a fresh TTL.
func (r *ChordSheetRepository) SetSaved(ctx context.Context, path string, saved bool) error {
	return r.db.Update(ctx, func(tx *database.Tx) error {
		record, err := r.load(ctx, tx, path)
		if err != nil {
			return err
		}
		if record == nil {
			return database.ErrNotFound
		}

		record.Saved = SavedFlag(saved)
		record.ExpiresAt = nil
		if !saved {
			expiresAt := millis(r.opts.Now().Add(r.opts.TTL))
			record.ExpiresAt = &expiresAt
		}
		return r.put(ctx, tx, record)
	})
}

func (r *ChordSheetRepository) Delete(ctx context.Context, path string) error {
	return r.db.Delete(ctx, database.ChordSheets, path)
}

// DeleteByPath is Delete under its path-oriented name.
func (r *ChordSheetRepository) DeleteByPath(ctx context.Context, path string) error {
	return r.Delete(ctx, path)
}

// Clear removes every record, saved ones included.
func (r *ChordSheetRepository) Clear(ctx context.Context) error {
	return r.db.Clear(ctx, database.ChordSheets)
}

// RemoveExpired deletes every expired transient record and returns how many
// were removed.
func (r *ChordSheetRepository) RemoveExpired(ctx context.Context) (int, error) {
	rows, err := r.db.ScanIndex(ctx, database.SavedIndex, 0)
	if err != nil {
		return 0, err
	}

	now := r.opts.Now()
	var expired []string
	for _, row := range rows {
		var record ChordSheetRecord
		if err := json.Unmarshal(row.Value, &record); err != nil {
			continue
		}
		if record.Expired(now) {
			expired = append(expired, row.Key)
		}
	}
	return r.db.DeleteKeys(ctx, database.ChordSheets, expired)
}

// prune drops the least used transient records above MaxTransient.
func (r *ChordSheetRepository) prune(ctx context.Context) error {
	rows, err := r.db.ScanIndex(ctx, database.SavedIndex, 0)
	if err != nil {
		return err
	}
	if len(rows) <= r.opts.MaxTransient {
		return nil
	}

	records := make([]ChordSheetRecord, 0, len(rows))
	for _, row := range rows {
		var record ChordSheetRecord
		if err := json.Unmarshal(row.Value, &record); err != nil {
			record = ChordSheetRecord{Path: row.Key}
		}
		record.Path = row.Key
		records = append(records, record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].AccessCount != records[j].AccessCount {
			return records[i].AccessCount < records[j].AccessCount
		}
		return records[i].Timestamp < records[j].Timestamp
	})

	victims := make([]string, 0, len(records)-r.opts.MaxTransient)
	for _, record := range records[:len(records)-r.opts.MaxTransient] {
		victims = append(victims, record.Path)
	}
	n, err := r.db.DeleteKeys(ctx, database.ChordSheets, victims)
	if err != nil {
		return err
	}
	r.opts.Logger.Debug("pruned transient chord sheets", "count", n)
	return nil
}

func (r *ChordSheetRepository) load(ctx context.Context, tx *database.Tx, path string) (*ChordSheetRecord, error) {
	doc, err := tx.Get(ctx, database.ChordSheets, path)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var record ChordSheetRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		r.opts.Logger.Warn("dropping unreadable chord sheet", "path", path, "err", err)
		return nil, tx.Delete(ctx, database.ChordSheets, path)
	}
	return &record, nil
}

func (r *ChordSheetRepository) put(ctx context.Context, tx *database.Tx, record *ChordSheetRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode chord sheet: %w", err)
	}
	return tx.Put(ctx, database.ChordSheets, record.Path, doc)
}

func (r *ChordSheetRepository) decode(rows []database.Row, now time.Time) []ChordSheetRecord {
	records := make([]ChordSheetRecord, 0, len(rows))
	for _, row := range rows {
		var record ChordSheetRecord
		if err := json.Unmarshal(row.Value, &record); err != nil {
			r.opts.Logger.Warn("skipping unreadable chord sheet", "path", row.Key, "err", err)
			continue
		}
		if record.DeletedAt != nil || record.Expired(now) {
			continue
		}
		records = append(records, record)
	}
	return records
}
