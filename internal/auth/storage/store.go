package storage

import (
	"context"
)

// Store defines the interface for OAuth state storage.
//
// A code grant is redeemable exactly once: ConsumeCodeGrant removes the
// grant as part of the same atomic unit that returns it, so two concurrent
// redemptions of the same code can never both succeed. Any redemption
// attempt burns the code, whatever the outcome of later verification.
type Store interface {
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error
	// ConsumeAuthorizationRequest atomically removes and returns a pending
	// request, so concurrent consent callbacks for the same id resolve to
	// at most one code grant. Expired requests are rejected even when the
	// row is still physically present; when the stale row is recoverable it
	// is returned alongside the error so callers can still compose an error
	// redirect carrying the original state.
	ConsumeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error)

	SaveCodeGrant(ctx context.Context, grant *CodeGrant) error
	ConsumeCodeGrant(ctx context.Context, code string) (*CodeGrant, error)

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
}

// Client represents a registered OAuth client. Clients are immutable after
// registration and never expire.
type Client struct {
	ID              string   `json:"client_id"`
	Name            string   `json:"client_name,omitempty"`
	RedirectURIs    []string `json:"redirect_uris"`
	GrantTypes      []string `json:"grant_types"`
	ResponseTypes   []string `json:"response_types"`
	TokenAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope           string   `json:"scope,omitempty"`
	CreatedAt       int64    `json:"created_at"`
}

// HasRedirectURI reports whether uri is one of the client's registered
// redirect URIs. Exact match only.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationRequest is a pending authorization attempt parked while the
// end user completes consent with the upstream service.
type AuthorizationRequest struct {
	ID                  string `json:"id"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	ExpiresAt           int64  `json:"expires_at"`
	CreatedAt           int64  `json:"created_at"`
}

// CodeGrant is the single-use bridge between a completed consent and a
// token exchange. It inherits the PKCE challenge of the originating
// authorization request and carries the upstream credentials.
type CodeGrant struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	MusicUserToken      string `json:"music_user_token"`
	MusicRefreshToken   string `json:"music_refresh_token,omitempty"`
	ExpiresAt           int64  `json:"expires_at"`
	CreatedAt           int64  `json:"created_at"`
}

// RefreshToken is the persisted half of an issued token pair. The token
// string itself is the lookup key; callers must additionally match ClientID
// to prevent cross-client replay.
type RefreshToken struct {
	Token             string `json:"token"`
	ClientID          string `json:"client_id"`
	Scope             string `json:"scope"`
	MusicUserToken    string `json:"music_user_token"`
	MusicRefreshToken string `json:"music_refresh_token,omitempty"`
	ExpiresAt         int64  `json:"expires_at"`
	CreatedAt         int64  `json:"created_at"`
}
