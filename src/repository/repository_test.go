package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chordcache/src/database"
	"chordcache/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time           { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func openManager(t *testing.T) *database.Manager {
	t.Helper()
	m := database.NewManager(database.Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func songsJSON(t *testing.T, songs []models.Song) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(songs)
	require.NoError(t, err)
	return raw
}

func TestSearchCacheRepository_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	m := openManager(t)
	repo := NewSearchCacheRepository(m, SearchOptions{Now: c.Now})

	songs := []models.Song{{Title: "Creep", Path: "/radiohead/creep/"}, {Title: "Karma Police", Path: "/radiohead/karma-police/"}}
	require.NoError(t, repo.Store(ctx, "radiohead", songsJSON(t, songs), Metadata{}))

	record, err := repo.Get(ctx, "radiohead")
	require.NoError(t, err)
	require.NotNil(t, record)
	var got []models.Song
	require.NoError(t, record.Decode(&got))
	assert.Equal(t, songs, got)
	assert.Equal(t, SearchTypeSongs, record.SearchType)
	assert.Equal(t, "api", record.DataSource)
	assert.Equal(t, record.Metadata.CachedAt+SearchTTL.Milliseconds(), record.Metadata.ExpiresAt)

	c.Advance(25 * time.Hour)
	record, err = repo.Get(ctx, "radiohead")
	require.NoError(t, err)
	assert.Nil(t, record)

	count, err := m.Count(ctx, database.SearchCache)
	require.NoError(t, err)
	assert.Zero(t, count, "expired row should be deleted on read")
}

func TestSearchCacheRepository_QueryNormalization(t *testing.T) {
	ctx := context.Background()
	repo := NewSearchCacheRepository(openManager(t), SearchOptions{})

	require.NoError(t, repo.Store(ctx, "  Pink Floyd ", json.RawMessage(`[{"displayName":"Pink Floyd","path":"/pink-floyd/"}]`), Metadata{DataSource: "scraper"}))

	record, err := repo.Get(ctx, "pink floyd")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "pink-floyd", record.ID)
	assert.Equal(t, SearchTypeArtists, record.SearchType)
	assert.Equal(t, "scraper", record.DataSource)

	require.NoError(t, repo.Delete(ctx, "PINK FLOYD"))
	record, err = repo.Get(ctx, "pink floyd")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSearchCacheRepository_RemoveExpired(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	repo := NewSearchCacheRepository(openManager(t), SearchOptions{Now: c.Now})

	n, err := repo.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, repo.Store(ctx, "old one", json.RawMessage(`[]`), Metadata{}))
	require.NoError(t, repo.Store(ctx, "old two", json.RawMessage(`[]`), Metadata{}))
	c.Advance(20 * time.Hour)
	require.NoError(t, repo.Store(ctx, "new", json.RawMessage(`[]`), Metadata{}))
	c.Advance(5 * time.Hour)

	n, err = repo.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].ID)

	require.NoError(t, repo.Clear(ctx))
	all, err = repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInferSearchType(t *testing.T) {
	assert.Equal(t, SearchTypeSongs, InferSearchType(json.RawMessage(`[{"title":"Creep"}]`)))
	assert.Equal(t, SearchTypeArtists, InferSearchType(json.RawMessage(`[{"displayName":"Radiohead"}]`)))
	assert.Equal(t, SearchTypeArtists, InferSearchType(json.RawMessage(`[{"title":""}]`)))
	assert.Equal(t, SearchTypeArtists, InferSearchType(json.RawMessage(`[]`)))
	assert.Equal(t, SearchTypeArtists, InferSearchType(json.RawMessage(`{}`)))
}

func sheet(title string) models.ChordSheet {
	return models.ChordSheet{Artist: "Oasis", Title: title, SongChords: "Em7 G Dsus4 A7sus4"}
}

func TestChordSheetRepository_StoreAndGet(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	repo := NewChordSheetRepository(openManager(t), ChordSheetOptions{Now: c.Now})

	require.NoError(t, repo.StoreByPath(ctx, "oasis-wonderwall", sheet("Wonderwall"), Metadata{}))

	got, err := repo.GetCachedChordSheetByPath(ctx, "oasis-wonderwall")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sheet("Wonderwall"), *got)

	c.Advance(time.Minute)
	record, err := repo.Get(ctx, "oasis-wonderwall")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 3, record.AccessCount)
	assert.Equal(t, c.Now().UnixMilli(), record.Timestamp)
	assert.False(t, bool(record.Saved))
	require.NotNil(t, record.ExpiresAt)

	missing, err := repo.GetCachedChordSheetByPath(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.DeleteByPath(ctx, "oasis-wonderwall"))
	record, err = repo.Get(ctx, "oasis-wonderwall")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestChordSheetRepository_ConcurrentAccessCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewChordSheetRepository(openManager(t), ChordSheetOptions{})
	require.NoError(t, repo.StoreByPath(ctx, "oasis-wonderwall", sheet("Wonderwall"), Metadata{Saved: true}))

	const readers, writers = 20, 10
	var wg sync.WaitGroup
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := repo.Get(ctx, "oasis-wonderwall")
			assert.NoError(t, err)
			assert.NotNil(t, record)
		}()
	}
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.StoreByPath(ctx, "oasis-wonderwall", sheet("Wonderwall"), Metadata{}))
		}()
	}
	wg.Wait()

	record, err := repo.Get(ctx, "oasis-wonderwall")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 1+readers+writers+1, record.AccessCount)
	assert.True(t, bool(record.Saved))
}

func TestChordSheetRepository_SavedNeverExpires(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	repo := NewChordSheetRepository(openManager(t), ChordSheetOptions{Now: c.Now, TTL: time.Hour})

	require.NoError(t, repo.Store(ctx, "saved", sheet("Saved"), Metadata{Saved: true}))
	require.NoError(t, repo.Store(ctx, "transient", sheet("Transient"), Metadata{}))

	c.Advance(2 * time.Hour)

	n, err := repo.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	record, err := repo.Get(ctx, "saved")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, bool(record.Saved))
	assert.Nil(t, record.ExpiresAt)

	record, err = repo.Get(ctx, "transient")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestChordSheetRepository_ExpiredGetDeletes(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	m := openManager(t)
	repo := NewChordSheetRepository(m, ChordSheetOptions{Now: c.Now, TTL: time.Hour})

	require.NoError(t, repo.Store(ctx, "p", sheet("P"), Metadata{}))
	c.Advance(time.Hour + time.Millisecond)

	record, err := repo.Get(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, record)

	count, err := m.Count(ctx, database.ChordSheets)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestChordSheetRepository_TransientWriteKeepsSavedFlag(t *testing.T) {
	ctx := context.Background()
	repo := NewChordSheetRepository(openManager(t), ChordSheetOptions{})

	require.NoError(t, repo.Store(ctx, "p", sheet("P"), Metadata{Saved: true}))
	require.NoError(t, repo.Store(ctx, "p", sheet("P2"), Metadata{}))

	record, err := repo.Get(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, bool(record.Saved))
	assert.Equal(t, "P2", record.Title)

	require.NoError(t, repo.SetSaved(ctx, "p", false))
	saved, err := repo.GetAllSaved(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)

	assert.ErrorIs(t, repo.SetSaved(ctx, "missing", true), database.ErrNotFound)
}

func TestChordSheetRepository_PrunesTransientOnly(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	repo := NewChordSheetRepository(openManager(t), ChordSheetOptions{Now: c.Now, MaxTransient: 3})

	require.NoError(t, repo.Store(ctx, "pinned", sheet("Pinned"), Metadata{Saved: true}))
	for i := 0; i < 6; i++ {
		c.Advance(time.Second)
		require.NoError(t, repo.Store(ctx, fmt.Sprintf("t%d", i), sheet(fmt.Sprint(i)), Metadata{}))
	}

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	var paths []string
	for _, r := range all {
		paths = append(paths, r.Path)
	}
	assert.ElementsMatch(t, []string{"pinned", "t3", "t4", "t5"}, paths)

	saved, err := repo.GetAllSaved(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "pinned", saved[0].Path)
}

func TestChordSheetRepository_ReadsLegacyRows(t *testing.T) {
	ctx := context.Background()
	m := openManager(t)
	repo := NewChordSheetRepository(m, ChordSheetOptions{})

	env, err := models.WrapLegacy("Legião Urbana", "Tempo Perdido", "C G Am F")
	require.NoError(t, err)
	doc, err := json.Marshal(map[string]any{
		"path":        "legiao-tempo",
		"artist":      "Legião Urbana",
		"title":       "Tempo Perdido",
		"chordSheet":  env,
		"saved":       "saved",
		"timestamp":   1,
		"accessCount": 4,
	})
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, database.ChordSheets, "legiao-tempo", doc))

	got, err := repo.GetCachedChordSheetByPath(ctx, "legiao-tempo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "C G Am F", got.SongChords)

	// The read rewrote the row with the current flag encoding.
	raw, err := m.Get(ctx, database.ChordSheets, "legiao-tempo")
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, float64(1), fields["saved"])
}

func TestChordSheetRepository_DeletedRowsAreMisses(t *testing.T) {
	ctx := context.Background()
	m := openManager(t)
	repo := NewChordSheetRepository(m, ChordSheetOptions{})

	env, err := models.Wrap(sheet("Gone"))
	require.NoError(t, err)
	deletedAt := int64(5)
	doc, err := json.Marshal(ChordSheetRecord{Path: "gone", ChordSheet: env, DeletedAt: &deletedAt})
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, database.ChordSheets, "gone", doc))

	record, err := repo.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, record)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSavedFlag_Unmarshal(t *testing.T) {
	tests := map[string]bool{
		`true`: true, `false`: false, `1`: true, `0`: false,
		`"saved"`: true, `"unsaved"`: false, `null`: false, `2`: true,
	}
	for in, want := range tests {
		var f SavedFlag
		require.NoError(t, json.Unmarshal([]byte(in), &f), in)
		assert.Equal(t, want, bool(f), in)
	}

	var f SavedFlag
	assert.Error(t, json.Unmarshal([]byte(`{}`), &f))
}
