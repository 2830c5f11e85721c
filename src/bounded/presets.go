package bounded

import "time"

// Storage keys and limits of the three caches the application keeps.
const (
	ArtistSongsKey   = "chordcache:artist-songs"
	MyChordSheetsKey = "chordcache:my-chord-sheets"
	SearchResultsKey = "chordcache:search-results"
)

// ArtistSongs caches the song list of recently visited artists.
func ArtistSongs() Options {
	return Options{
		StorageKey: ArtistSongsKey,
		MaxItems:   50,
		MaxBytes:   2 * 1024 * 1024,
		Expiration: 4 * time.Hour,
	}
}

// MyChordSheets holds the chord sheets the user pinned.
func MyChordSheets() Options {
	return Options{
		StorageKey: MyChordSheetsKey,
		MaxItems:   100,
		Expiration: 30 * 24 * time.Hour,
	}
}

// SearchResults backs the stale-while-revalidate search fetcher.
func SearchResults() Options {
	return Options{
		StorageKey: SearchResultsKey,
		MaxItems:   20,
		MaxBytes:   1024 * 1024,
		Expiration: 30 * 24 * time.Hour,
	}
}
