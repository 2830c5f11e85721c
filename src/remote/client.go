// Package remote talks to the chord-sheet HTTP API.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chordcache/src/models"
	"chordcache/src/search"

	"golang.org/x/time/rate"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP status %d from %s", e.StatusCode, e.URL)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// RequestsPerMinute spaces requests out. Zero disables the limiter.
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// Client fetches songs, artists and chord sheets.
type Client struct {
	base        *url.URL
	http        *http.Client
	rateLimiter *rate.Limiter
}

// NewClient parses cfg.BaseURL and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%s is not a supported protocol", base.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{base: base, http: httpClient}
	if cfg.RequestsPerMinute > 0 {
		c.rateLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c, nil
}

// ArtistSongs lists the songs of an artist by its path segment.
func (c *Client) ArtistSongs(ctx context.Context, artist string) ([]models.Song, error) {
	var songs []models.Song
	err := c.get(ctx, nil, &songs, "api", "artists", artist, "songs")
	return songs, err
}

// SearchSongs searches songs matching artist and song.
func (c *Client) SearchSongs(ctx context.Context, artist, song string) ([]models.Song, error) {
	var songs []models.Song
	q := url.Values{"artist": {artist}, "song": {song}}
	err := c.get(ctx, q, &songs, "api", "search")
	return songs, err
}

// SearchArtists searches artists by name.
func (c *Client) SearchArtists(ctx context.Context, artist string) ([]models.Artist, error) {
	var artists []models.Artist
	q := url.Values{"artist": {artist}}
	err := c.get(ctx, q, &artists, "api", "search")
	return artists, err
}

// ChordSheet fetches one chord sheet.
func (c *Client) ChordSheet(ctx context.Context, artist, song string) (models.ChordSheet, error) {
	var sheet models.ChordSheet
	err := c.get(ctx, nil, &sheet, "api", "cifraclub-chord-sheet", artist, song)
	return sheet, err
}

// Songs adapts SearchSongs to search.Source.
func (c *Client) Songs() search.Source[models.Song] {
	return search.SourceFunc[models.Song](c.SearchSongs)
}

// Artists adapts SearchArtists to search.Source. The song argument is
// ignored.
func (c *Client) Artists() search.Source[models.Artist] {
	return search.SourceFunc[models.Artist](func(ctx context.Context, artist, _ string) ([]models.Artist, error) {
		return c.SearchArtists(ctx, artist)
	})
}

// get decodes the JSON response of GET base/segments...?query into out.
// Segments are escaped individually.
func (c *Client) get(ctx context.Context, query url.Values, out any, segments ...string) error {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			// Wait fails early when the delay would overrun the deadline.
			if ctx.Err() == nil {
				if _, ok := ctx.Deadline(); ok {
					return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
				}
			}
			return err
		}
	}

	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	u := *c.base
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("unable to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("unable to get url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: u.String(), StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	return nil
}
