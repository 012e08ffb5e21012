package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ExternalOAuth is the Sign in with Apple consent path, the alternative to
// the MusicKit JS consent page.
type ExternalOAuth interface {
	GetAuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*ExternalTokenResponse, error)
}

// ExternalTokenResponse represents the response from the upstream token
// exchange.
type ExternalTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// AppleOAuth implements the Sign in with Apple authorization code exchange.
type AppleOAuth struct {
	logger *zap.Logger
	oauth  *oauth2.Config
}

// appleEndpoint is overridable for tests.
var appleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://appleid.apple.com/auth/authorize",
	TokenURL: "https://appleid.apple.com/auth/token",
}

// NewAppleOAuth creates the Apple ID OAuth provider.
func NewAppleOAuth(logger *zap.Logger, cfg *config.AppleConfig, redirectURI string) *AppleOAuth {
	return &AppleOAuth{
		logger: logger.Named("auth.apple"),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     appleEndpoint,
			RedirectURL:  redirectURI,
			Scopes:       []string{"name"},
		},
	}
}

// GetAuthURL returns the Apple ID authorization URL.
func (a *AppleOAuth) GetAuthURL(state string) string {
	return a.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"))
}

// ExchangeCode exchanges an Apple authorization code for tokens.
func (a *AppleOAuth) ExchangeCode(ctx context.Context, code string) (*ExternalTokenResponse, error) {
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		a.logger.Error("apple token exchange failed", zap.Error(err))
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	resp := &ExternalTokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(token.Expiry).Seconds())
	}
	return resp, nil
}
