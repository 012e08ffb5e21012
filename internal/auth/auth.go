package auth

import (
	"context"
)

// OAuth2 is the authorization server surface consumed by the HTTP layer.
type OAuth2 interface {
	// ServerMetadata returns the RFC 8414 discovery document.
	ServerMetadata() map[string]interface{}

	// Register handles dynamic client registration.
	Register(ctx context.Context, req *RegisterRequest) (*ClientRegistrationResponse, error)

	// Authorize validates an authorization request and parks it while the
	// end user completes consent with Apple Music.
	Authorize(ctx context.Context, req *AuthorizeRequest) (*PendingAuthorization, error)

	// CompleteConsent resumes a parked authorization request with the
	// Music user token obtained from consent and mints the single-use
	// authorization code.
	CompleteConsent(ctx context.Context, requestID, musicUserToken, musicRefreshToken string) (*ConsentResult, error)

	// Token handles the token request for both supported grant types.
	Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error)

	// Revoke invalidates a refresh token. Unknown tokens are not an error.
	Revoke(ctx context.Context, token string) error

	// ValidateAccessToken verifies a bearer access token and returns the
	// decrypted Music credentials it carries.
	ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error)
}

// RegisterRequest is the RFC 7591 registration payload.
type RegisterRequest struct {
	ClientName      string   `json:"client_name,omitempty"`
	RedirectURIs    []string `json:"redirect_uris"`
	GrantTypes      []string `json:"grant_types,omitempty"`
	ResponseTypes   []string `json:"response_types,omitempty"`
	TokenAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope           string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is returned from the registration endpoint.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// AuthorizeRequest carries the query parameters of an authorization
// request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// PendingAuthorization identifies a parked authorization request awaiting
// consent. RedirectURI and State let callers report failures that happen
// after parking via an error redirect instead of a bare HTTP error.
type PendingAuthorization struct {
	RequestID   string
	Scope       string
	RedirectURI string
	State       string
}

// ConsentResult is the outcome of resuming a parked authorization request.
// On success Code is set. When the request resolved to a redirect URI but
// consent could not be completed, RedirectURI and State are still populated
// so the caller can compose an error redirect; the accompanying error says
// what went wrong.
type ConsentResult struct {
	Code        string
	RedirectURI string
	State       string
}

// TokenRequest carries the form parameters of a token request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse represents the response from the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenInfo is the validated content of an access token, Music credentials
// already decrypted.
type TokenInfo struct {
	ClientID          string
	Scope             string
	MusicUserToken    string
	MusicRefreshToken string
}
