// Package models holds the payload types exchanged with the chord-sheet API
// and persisted by the cache.
package models

// Song is a search or artist-listing result.
type Song struct {
	Title  string `json:"title"`
	Path   string `json:"path"`
	Artist string `json:"artist,omitempty"`
}

// Artist is an artist search result.
type Artist struct {
	DisplayName string `json:"displayName"`
	Path        string `json:"path"`
	Songs       int    `json:"songs,omitempty"`
}

// ChordSheet is the current chord-sheet payload.
type ChordSheet struct {
	Artist       string   `json:"artist"`
	Title        string   `json:"title"`
	SongChords   string   `json:"songChords"`
	SongKey      string   `json:"songKey,omitempty"`
	GuitarTuning []string `json:"guitarTuning,omitempty"`
	GuitarCapo   int      `json:"guitarCapo,omitempty"`
}

// Empty reports whether the sheet carries no chords.
func (c ChordSheet) Empty() bool {
	return c.SongChords == ""
}
