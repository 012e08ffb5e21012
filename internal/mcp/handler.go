package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bouzou4/AppleMusic-MCP/internal/applemusic"

	"go.uber.org/zap"
)

var (
	// ErrUnknownTool is returned for a tool name the handler does not serve.
	ErrUnknownTool = fmt.Errorf("unknown tool")

	// ErrInvalidArguments is returned when a tool call is missing or
	// carries malformed arguments.
	ErrInvalidArguments = fmt.Errorf("invalid arguments")
)

// MusicClient is the Apple Music surface the tool handler dispatches to.
type MusicClient interface {
	SearchSongs(ctx context.Context, userToken, query string, limit int) ([]applemusic.Song, error)
	GetLibraryStats(ctx context.Context, userToken string) (*applemusic.LibraryStats, error)
	GetRecentlyPlayed(ctx context.Context, userToken string, limit int) (json.RawMessage, error)
	SearchLibrary(ctx context.Context, userToken, query, types string, limit int) (json.RawMessage, error)
	RateSong(ctx context.Context, userToken, songID string, rating int) error
	CreatePlaylist(ctx context.Context, userToken, name, description string, trackIDs []string) (json.RawMessage, error)
	AddToLibrary(ctx context.Context, userToken string, songIDs []string) error
}

// Tool describes a tool exposed to the calling agent.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Handler routes tool calls to the Apple Music client.
type Handler struct {
	logger *zap.Logger
	music  MusicClient
}

// NewHandler creates a tool handler backed by the given client.
func NewHandler(logger *zap.Logger, music MusicClient) *Handler {
	return &Handler{
		logger: logger.Named("mcp"),
		music:  music,
	}
}

// Tools returns the advertised tool list.
func (h *Handler) Tools() []Tool {
	return []Tool{
		{
			Name:        "search_songs",
			Description: "Search Apple Music catalog for songs",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string", "description": "Search query (artist, song title, etc.)"},
					"limit": map[string]interface{}{"type": "number", "default": 10, "description": "Number of results to return"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "get_library_stats",
			Description: "Get statistics about the user's music library",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "get_recently_played",
			Description: "Get recently played tracks",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"limit": map[string]interface{}{"type": "number", "default": 10},
				},
			},
		},
		{
			Name:        "search_library",
			Description: "Search the user's music library",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string"},
					"types": map[string]interface{}{"type": "string", "default": "library-songs"},
					"limit": map[string]interface{}{"type": "number", "default": 25},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "rate_song",
			Description: "Rate a song from 1-5 stars",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"song_id": map[string]interface{}{"type": "string", "description": "Apple Music song ID"},
					"rating":  map[string]interface{}{"type": "number", "minimum": 1, "maximum": 5},
				},
				"required": []string{"song_id", "rating"},
			},
		},
		{
			Name:        "create_playlist",
			Description: "Create a new playlist",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":        map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
					"track_ids":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required": []string{"name"},
			},
		},
		{
			Name:        "add_to_library",
			Description: "Add songs to library",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"song_ids": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required": []string{"song_ids"},
			},
		},
	}
}

// CallTool dispatches a tool call. The user token scopes library calls to
// the end user who completed consent.
func (h *Handler) CallTool(ctx context.Context, name string, args map[string]interface{}, userToken string) (interface{}, error) {
	h.logger.Debug("tool call", zap.String("tool", name))

	switch name {
	case "search_songs":
		query, err := stringArg(args, "query")
		if err != nil {
			return nil, err
		}
		songs, err := h.music.SearchSongs(ctx, userToken, query, intArg(args, "limit", 10))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"songs": songs}, nil

	case "get_library_stats":
		return h.music.GetLibraryStats(ctx, userToken)

	case "get_recently_played":
		return h.music.GetRecentlyPlayed(ctx, userToken, intArg(args, "limit", 10))

	case "search_library":
		query, err := stringArg(args, "query")
		if err != nil {
			return nil, err
		}
		types, _ := args["types"].(string)
		return h.music.SearchLibrary(ctx, userToken, query, types, intArg(args, "limit", 25))

	case "rate_song":
		songID, err := stringArg(args, "song_id")
		if err != nil {
			return nil, err
		}
		rating, ok := args["rating"].(float64)
		if !ok {
			return nil, fmt.Errorf("%w: missing required parameter: rating", ErrInvalidArguments)
		}
		if err := h.music.RateSong(ctx, userToken, songID, int(rating)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "success", "song_id": songID, "rating": int(rating)}, nil

	case "create_playlist":
		name, err := stringArg(args, "name")
		if err != nil {
			return nil, err
		}
		description, _ := args["description"].(string)
		trackIDs := stringSliceArg(args, "track_ids")
		playlist, err := h.music.CreatePlaylist(ctx, userToken, name, description, trackIDs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "success", "playlist": playlist}, nil

	case "add_to_library":
		songIDs := stringSliceArg(args, "song_ids")
		if len(songIDs) == 0 {
			return nil, fmt.Errorf("%w: missing required parameter: song_ids", ErrInvalidArguments)
		}
		if err := h.music.AddToLibrary(ctx, userToken, songIDs); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "success", "added_songs": len(songIDs)}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing required parameter: %s", ErrInvalidArguments, key)
	}
	return v, nil
}

// intArg reads a JSON number argument, falling back to def.
func intArg(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
