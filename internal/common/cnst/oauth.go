package cnst

// OAuth grant and response types supported by the server.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"

	CodeChallengeMethodS256 = "S256"

	TokenTypeBearer = "Bearer"

	// Public clients only; registration never issues a secret.
	TokenEndpointAuthNone = "none"
)

// Scopes understood by the upstream Apple Music integration.
const (
	ScopeLibraryRead        = "library:read"
	ScopeLibraryWrite       = "library:write"
	ScopePlaylistsRead      = "playlists:read"
	ScopePlaylistsWrite     = "playlists:write"
	ScopeRecentlyPlayedRead = "recently-played:read"
)

// SupportedScopes is the advertised scope list, in discovery order.
var SupportedScopes = []string{
	ScopeLibraryRead,
	ScopeLibraryWrite,
	ScopePlaylistsRead,
	ScopePlaylistsWrite,
	ScopeRecentlyPlayedRead,
}

// DefaultScope is applied when an authorize request omits scope.
const DefaultScope = ScopeLibraryRead
