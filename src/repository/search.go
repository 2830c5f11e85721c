package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chordcache/src/database"
	"chordcache/src/keygen"

	"github.com/charmbracelet/log"
)

// SearchTTL is how long search results stay valid.
const SearchTTL = 24 * time.Hour

// Search result kinds.
const (
	SearchTypeSongs   = "songs"
	SearchTypeArtists = "artists"
)

// SearchCacheRecord is one cached search.
type SearchCacheRecord struct {
	ID         string          `json:"id"`
	Query      string          `json:"query"`
	Results    json.RawMessage `json:"results"`
	Timestamp  int64           `json:"timestamp"`
	SearchType string          `json:"searchType"`
	DataSource string          `json:"dataSource"`
	Metadata   SearchMetadata  `json:"metadata"`
}

// SearchMetadata holds the validity window of a record, in Unix milliseconds.
type SearchMetadata struct {
	CachedAt  int64 `json:"cachedAt"`
	ExpiresAt int64 `json:"expiresAt"`
	Version   int   `json:"version"`
}

// Expired reports whether the record is past its expiry at now.
func (r *SearchCacheRecord) Expired(now time.Time) bool {
	return millis(now) > r.Metadata.ExpiresAt
}

// Decode unmarshals the cached results into v.
func (r *SearchCacheRecord) Decode(v any) error {
	return json.Unmarshal(r.Results, v)
}

// SearchOptions configures a SearchCacheRepository.
type SearchOptions struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *log.Logger
}

// SearchCacheRepository caches search results keyed by the normalized query.
type SearchCacheRepository struct {
	db   *database.Manager
	opts SearchOptions
}

// NewSearchCacheRepository returns a repository over db.
func NewSearchCacheRepository(db *database.Manager, opts SearchOptions) *SearchCacheRepository {
	if opts.TTL <= 0 {
		opts.TTL = SearchTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &SearchCacheRepository{db: db, opts: opts}
}

func (r *SearchCacheRepository) Initialize(ctx context.Context) error {
	_, err := r.db.Initialize(ctx)
	return err
}

func (r *SearchCacheRepository) Close() error {
	return r.db.Close()
}

// Store caches results for query. results must be a JSON array.
func (r *SearchCacheRepository) Store(ctx context.Context, query string, results json.RawMessage, meta Metadata) error {
	now := r.opts.Now()
	ttl := r.opts.TTL
	if meta.TTL > 0 {
		ttl = meta.TTL
	}
	source := meta.DataSource
	if source == "" {
		source = "api"
	}

	record := SearchCacheRecord{
		ID:         keygen.SearchID(query),
		Query:      query,
		Results:    results,
		Timestamp:  millis(now),
		SearchType: InferSearchType(results),
		DataSource: source,
		Metadata: SearchMetadata{
			CachedAt:  millis(now),
			ExpiresAt: millis(now.Add(ttl)),
			Version:   RecordVersion,
		},
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode search results: %w", err)
	}
	return r.db.Put(ctx, database.SearchCache, record.ID, doc)
}

// Get returns the cached search for query. Expired records are deleted and
// reported as a miss.
func (r *SearchCacheRepository) Get(ctx context.Context, query string) (*SearchCacheRecord, error) {
	id := keygen.SearchID(query)
	doc, err := r.db.Get(ctx, database.SearchCache, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var record SearchCacheRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		r.opts.Logger.Warn("dropping unreadable search record", "id", id, "err", err)
		return nil, r.db.Delete(ctx, database.SearchCache, id)
	}

	if record.Expired(r.opts.Now()) {
		r.opts.Logger.Debug("search record expired", "id", id)
		if err := r.db.Delete(ctx, database.SearchCache, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &record, nil
}

// GetAll returns every stored record, expired ones included.
func (r *SearchCacheRepository) GetAll(ctx context.Context) ([]SearchCacheRecord, error) {
	rows, err := r.db.Scan(ctx, database.SearchCache)
	if err != nil {
		return nil, err
	}

	records := make([]SearchCacheRecord, 0, len(rows))
	for _, row := range rows {
		var record SearchCacheRecord
		if err := json.Unmarshal(row.Value, &record); err != nil {
			r.opts.Logger.Warn("skipping unreadable search record", "id", row.Key, "err", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *SearchCacheRepository) Delete(ctx context.Context, query string) error {
	return r.db.Delete(ctx, database.SearchCache, keygen.SearchID(query))
}

func (r *SearchCacheRepository) Clear(ctx context.Context) error {
	return r.db.Clear(ctx, database.SearchCache)
}

// RemoveExpired deletes every expired record and returns how many were
// removed.
func (r *SearchCacheRepository) RemoveExpired(ctx context.Context) (int, error) {
	records, err := r.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	now := r.opts.Now()
	var expired []string
	for i := range records {
		if records[i].Expired(now) {
			expired = append(expired, records[i].ID)
		}
	}
	return r.db.DeleteKeys(ctx, database.SearchCache, expired)
}

// InferSearchType guesses the result kind from the first element: song
// results carry a title.
func InferSearchType(results json.RawMessage) string {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(results, &items); err != nil || len(items) == 0 {
		return SearchTypeArtists
	}
	if title, ok := items[0]["title"]; ok && string(title) != `""` && string(title) != "null" {
		return SearchTypeSongs
	}
	return SearchTypeArtists
}
