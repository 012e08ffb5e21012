package applemusic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.music.apple.com/v1"

// maxRateLimitRetries bounds how often a single call follows Retry-After.
const maxRateLimitRetries = 2

// APIError is a non-2xx response from the Apple Music API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apple music api error: status %d: %s", e.StatusCode, e.Body)
}

// Song is the simplified catalog entry returned to tool callers.
type Song struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	ReleaseDate string `json:"release_date,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
}

// LibraryStats summarizes the user's library.
type LibraryStats struct {
	TotalSongs     int64 `json:"total_songs"`
	TotalPlaylists int64 `json:"total_playlists"`
	TotalAlbums    int64 `json:"total_albums"`
	TotalArtists   int64 `json:"total_artists"`
}

// Client talks to the Apple Music API. The developer token authenticates
// the server; a per-request Music user token scopes calls to the end
// user's library.
type Client struct {
	logger  *zap.Logger
	http    *http.Client
	baseURL string
	tokens  TokenSource
	country string
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithCountry sets the storefront used for catalog requests.
func WithCountry(country string) Option {
	return func(c *Client) { c.country = country }
}

// NewClient creates an Apple Music API client.
func NewClient(logger *zap.Logger, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		logger: logger.Named("applemusic"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: defaultBaseURL,
		tokens:  tokens,
		country: "us",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do issues an authenticated request, following Retry-After on 429.
func (c *Client) do(ctx context.Context, method, path, userToken string, query url.Values, body interface{}) ([]byte, error) {
	devToken, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get developer token: %w", err)
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+devToken)
		req.Header.Set("Content-Type", "application/json")
		if userToken != "" {
			req.Header.Set("Music-User-Token", userToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			wait := retryAfter(resp.Header)
			c.logger.Warn("rate limited by apple music api",
				zap.Duration("retry_after", wait),
				zap.String("path", path))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return respBody, nil
	}
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

// SearchSongs searches the catalog and returns a simplified track list.
func (c *Client) SearchSongs(ctx context.Context, userToken, query string, limit int) ([]Song, error) {
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{}
	params.Set("term", query)
	params.Set("types", "songs")
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, "/catalog/"+c.country+"/search", userToken, params, nil)
	if err != nil {
		return nil, err
	}

	var songs []Song
	gjson.GetBytes(body, "results.songs.data").ForEach(func(_, item gjson.Result) bool {
		attrs := item.Get("attributes")
		songs = append(songs, Song{
			ID:          item.Get("id").String(),
			Title:       attrs.Get("name").String(),
			Artist:      attrs.Get("artistName").String(),
			Album:       attrs.Get("albumName").String(),
			DurationMS:  attrs.Get("durationInMillis").Int(),
			ReleaseDate: attrs.Get("releaseDate").String(),
			PreviewURL:  attrs.Get("previews.0.url").String(),
		})
		return true
	})
	return songs, nil
}

// GetLibraryStats collects per-type totals from the user's library.
func (c *Client) GetLibraryStats(ctx context.Context, userToken string) (*LibraryStats, error) {
	stats := &LibraryStats{}
	for _, section := range []struct {
		path  string
		total *int64
	}{
		{"/me/library/songs", &stats.TotalSongs},
		{"/me/library/playlists", &stats.TotalPlaylists},
		{"/me/library/albums", &stats.TotalAlbums},
		{"/me/library/artists", &stats.TotalArtists},
	} {
		params := url.Values{}
		params.Set("limit", "1")
		body, err := c.do(ctx, http.MethodGet, section.path, userToken, params, nil)
		if err != nil {
			return nil, err
		}
		*section.total = gjson.GetBytes(body, "meta.total").Int()
	}
	return stats, nil
}

// GetRecentlyPlayed returns the user's recently played tracks.
func (c *Client) GetRecentlyPlayed(ctx context.Context, userToken string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	return c.do(ctx, http.MethodGet, "/me/recent/played/tracks", userToken, params, nil)
}

// SearchLibrary searches the user's library.
func (c *Client) SearchLibrary(ctx context.Context, userToken, query, types string, limit int) (json.RawMessage, error) {
	if types == "" {
		types = "library-songs"
	}
	if limit <= 0 {
		limit = 25
	}
	params := url.Values{}
	params.Set("term", query)
	params.Set("types", types)
	params.Set("limit", strconv.Itoa(limit))
	return c.do(ctx, http.MethodGet, "/me/library/search", userToken, params, nil)
}

// RateSong rates a song 1-5 stars. The API itself takes 0-100.
func (c *Client) RateSong(ctx context.Context, userToken, songID string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5")
	}
	body := map[string]interface{}{
		"attributes": map[string]interface{}{
			"value": (rating - 1) * 25,
		},
	}
	_, err := c.do(ctx, http.MethodPut, "/me/ratings/songs/"+songID, userToken, nil, body)
	return err
}

// CreatePlaylist creates a library playlist, optionally seeded with tracks.
func (c *Client) CreatePlaylist(ctx context.Context, userToken, name, description string, trackIDs []string) (json.RawMessage, error) {
	body := map[string]interface{}{
		"attributes": map[string]interface{}{
			"name":        name,
			"description": description,
		},
	}
	if len(trackIDs) > 0 {
		tracks := make([]map[string]string, 0, len(trackIDs))
		for _, id := range trackIDs {
			tracks = append(tracks, map[string]string{"id": id, "type": "library-songs"})
		}
		body["relationships"] = map[string]interface{}{
			"tracks": map[string]interface{}{"data": tracks},
		}
	}
	return c.do(ctx, http.MethodPost, "/me/library/playlists", userToken, nil, body)
}

// AddToLibrary adds catalog songs to the user's library.
func (c *Client) AddToLibrary(ctx context.Context, userToken string, songIDs []string) error {
	params := url.Values{}
	for _, id := range songIDs {
		params.Add("ids[songs]", id)
	}
	_, err := c.do(ctx, http.MethodPost, "/me/library", userToken, params, nil)
	return err
}
