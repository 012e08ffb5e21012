package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/auth/storage"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/cnst"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/errorx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret     = "test-jwt-secret-key-0123456789abcdef"
	testEncryptionKey = "test-encryption-key-0123456789abcdef"
)

func testOAuthConfig() *config.OAuthConfig {
	return &config.OAuthConfig{
		Issuer:                    "http://localhost:8080",
		JWTSecretKey:              testJWTSecret,
		TokenEncryptionKey:        testEncryptionKey,
		AccessTokenLifetime:       time.Hour,
		RefreshTokenLifetime:      30 * 24 * time.Hour,
		AuthorizationCodeLifetime: 10 * time.Minute,
	}
}

func newTestOAuth(t *testing.T, cfg *config.OAuthConfig) (OAuth2, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStorage()
	svc, err := NewOAuth(zap.NewNop(), cfg, store)
	require.NoError(t, err)
	return svc, store
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func registerTestClient(t *testing.T, svc OAuth2) *ClientRegistrationResponse {
	t.Helper()
	resp, err := svc.Register(context.Background(), &RegisterRequest{
		ClientName:   "test agent",
		RedirectURIs: []string{"http://localhost:3000/callback"},
	})
	require.NoError(t, err)
	return resp
}

func TestNewOAuth(t *testing.T) {
	store := storage.NewMemoryStorage()

	t.Run("valid config", func(t *testing.T) {
		svc, err := NewOAuth(zap.NewNop(), testOAuthConfig(), store)
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("weak jwt secret", func(t *testing.T) {
		cfg := testOAuthConfig()
		cfg.JWTSecretKey = "short"
		_, err := NewOAuth(zap.NewNop(), cfg, store)
		assert.Error(t, err)
	})

	t.Run("empty encryption key", func(t *testing.T) {
		cfg := testOAuthConfig()
		cfg.TokenEncryptionKey = ""
		_, err := NewOAuth(zap.NewNop(), cfg, store)
		assert.Error(t, err)
	})
}

func TestServerMetadata(t *testing.T) {
	svc, _ := newTestOAuth(t, testOAuthConfig())
	md := svc.ServerMetadata()

	assert.Equal(t, "http://localhost:8080", md["issuer"])
	assert.Equal(t, "http://localhost:8080/oauth/authorize", md["authorization_endpoint"])
	assert.Equal(t, "http://localhost:8080/oauth/token", md["token_endpoint"])
	assert.Equal(t, "http://localhost:8080/oauth/register", md["registration_endpoint"])
	assert.Equal(t, "http://localhost:8080/oauth/revoke", md["revocation_endpoint"])
	assert.Equal(t, []string{"S256"}, md["code_challenge_methods_supported"])
	assert.Equal(t, []string{"none"}, md["token_endpoint_auth_methods_supported"])
	assert.Equal(t, cnst.SupportedScopes, md["scopes_supported"])
}

func TestRegister(t *testing.T) {
	svc, _ := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()

	t.Run("success with defaults", func(t *testing.T) {
		resp, err := svc.Register(ctx, &RegisterRequest{
			ClientName:   "agent",
			RedirectURIs: []string{"http://localhost:3000/callback"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.ClientID)
		assert.NotZero(t, resp.ClientIDIssuedAt)
		assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
		assert.Equal(t, []string{"code"}, resp.ResponseTypes)
		assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	})

	t.Run("missing redirect uris", func(t *testing.T) {
		_, err := svc.Register(ctx, &RegisterRequest{})
		assert.ErrorIs(t, err, errorx.ErrInvalidRequest)
	})

	t.Run("disallowed redirect uri", func(t *testing.T) {
		_, err := svc.Register(ctx, &RegisterRequest{
			RedirectURIs: []string{"https://evil.example.com/callback"},
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidRedirectURI)
	})

	t.Run("loopback and hosted origins allowed", func(t *testing.T) {
		for _, uri := range []string{
			"http://localhost:49152/cb",
			"http://127.0.0.1:8000/oauth/done",
			"https://claude.ai/api/mcp/auth_callback",
			"https://app.claude.ai/callback",
		} {
			_, err := svc.Register(ctx, &RegisterRequest{RedirectURIs: []string{uri}})
			assert.NoError(t, err, uri)
		}
	})

	t.Run("confidential auth method rejected", func(t *testing.T) {
		_, err := svc.Register(ctx, &RegisterRequest{
			RedirectURIs:    []string{"http://localhost:3000/callback"},
			TokenAuthMethod: "client_secret_basic",
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidRequest)
	})
}

func TestAuthorize(t *testing.T) {
	svc, _ := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()
	client := registerTestClient(t, svc)

	valid := func() *AuthorizeRequest {
		return &AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         "http://localhost:3000/callback",
			ResponseType:        "code",
			Scope:               "library:read playlists:read",
			State:               "xyz",
			CodeChallenge:       s256Challenge("abc123"),
			CodeChallengeMethod: "S256",
		}
	}

	t.Run("success", func(t *testing.T) {
		pending, err := svc.Authorize(ctx, valid())
		require.NoError(t, err)
		assert.NotEmpty(t, pending.RequestID)
		assert.Equal(t, "library:read playlists:read", pending.Scope)
	})

	t.Run("unknown client", func(t *testing.T) {
		req := valid()
		req.ClientID = "nope"
		_, err := svc.Authorize(ctx, req)
		assert.ErrorIs(t, err, errorx.ErrInvalidClient)
	})

	t.Run("unregistered redirect uri", func(t *testing.T) {
		req := valid()
		req.RedirectURI = "http://localhost:9999/other"
		_, err := svc.Authorize(ctx, req)
		assert.ErrorIs(t, err, errorx.ErrInvalidRedirectURI)
	})

	t.Run("unsupported response type", func(t *testing.T) {
		req := valid()
		req.ResponseType = "token"
		_, err := svc.Authorize(ctx, req)
		assert.ErrorIs(t, err, errorx.ErrUnsupportedResponseType)
	})

	t.Run("missing code challenge", func(t *testing.T) {
		req := valid()
		req.CodeChallenge = ""
		_, err := svc.Authorize(ctx, req)
		assert.ErrorIs(t, err, errorx.ErrInvalidRequest)
	})

	t.Run("plain challenge method rejected", func(t *testing.T) {
		req := valid()
		req.CodeChallengeMethod = "plain"
		_, err := svc.Authorize(ctx, req)
		assert.ErrorIs(t, err, errorx.ErrUnsupportedChallengeMethod)
	})

	t.Run("unknown scope rejected", func(t *testing.T) {
		req := valid()
		req.Scope = "library:read admin"
		_, err := svc.Authorize(ctx, req)
		assert.ErrorIs(t, err, errorx.ErrInvalidRequest)
	})

	t.Run("defaults scope", func(t *testing.T) {
		req := valid()
		req.Scope = ""
		pending, err := svc.Authorize(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, cnst.DefaultScope, pending.Scope)
	})
}

func TestAuthorizeStateDefaultsToRequestID(t *testing.T) {
	svc, store := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()
	client := registerTestClient(t, svc)

	pending, err := svc.Authorize(ctx, &AuthorizeRequest{
		ClientID:      client.ClientID,
		RedirectURI:   "http://localhost:3000/callback",
		ResponseType:  "code",
		CodeChallenge: s256Challenge("abc123"),
	})
	require.NoError(t, err)

	saved, err := store.ConsumeAuthorizationRequest(ctx, pending.RequestID)
	require.NoError(t, err)
	assert.Equal(t, pending.RequestID, saved.State)
	assert.Equal(t, pending.RequestID, pending.State)
}

func TestCompleteConsent(t *testing.T) {
	svc, store := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()
	client := registerTestClient(t, svc)

	authorize := func(t *testing.T) *PendingAuthorization {
		pending, err := svc.Authorize(ctx, &AuthorizeRequest{
			ClientID:      client.ClientID,
			RedirectURI:   "http://localhost:3000/callback",
			ResponseType:  "code",
			State:         "xyz",
			CodeChallenge: s256Challenge("abc123"),
		})
		require.NoError(t, err)
		return pending
	}

	t.Run("success mints code and clears request", func(t *testing.T) {
		pending := authorize(t)
		result, err := svc.CompleteConsent(ctx, pending.RequestID, "UT-1", "")
		require.NoError(t, err)
		assert.NotEmpty(t, result.Code)
		assert.Equal(t, "http://localhost:3000/callback", result.RedirectURI)
		assert.Equal(t, "xyz", result.State)

		_, err = store.ConsumeAuthorizationRequest(ctx, pending.RequestID)
		assert.Error(t, err)
	})

	t.Run("unknown request", func(t *testing.T) {
		result, err := svc.CompleteConsent(ctx, "missing", "UT-1", "")
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
		assert.Nil(t, result)
	})

	t.Run("request resolves exactly once", func(t *testing.T) {
		pending := authorize(t)
		_, err := svc.CompleteConsent(ctx, pending.RequestID, "UT-1", "")
		require.NoError(t, err)

		result, err := svc.CompleteConsent(ctx, pending.RequestID, "UT-1", "")
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
		assert.Nil(t, result)
	})

	t.Run("empty user token reports via redirect", func(t *testing.T) {
		pending := authorize(t)
		result, err := svc.CompleteConsent(ctx, pending.RequestID, "", "")
		assert.ErrorIs(t, err, errorx.ErrInvalidRequest)
		require.NotNil(t, result)
		assert.Empty(t, result.Code)
		assert.Equal(t, "http://localhost:3000/callback", result.RedirectURI)
		assert.Equal(t, "xyz", result.State)
	})

	t.Run("expired request keeps redirect and state", func(t *testing.T) {
		now := time.Now()
		stale := &storage.AuthorizationRequest{
			ID:                  "expired-req",
			ClientID:            client.ClientID,
			RedirectURI:         "http://localhost:3000/callback",
			Scope:               "library:read",
			State:               "keep-me",
			CodeChallenge:       s256Challenge("abc123"),
			CodeChallengeMethod: "S256",
			ExpiresAt:           now.Add(-time.Minute).Unix(),
			CreatedAt:           now.Add(-11 * time.Minute).Unix(),
		}
		require.NoError(t, store.SaveAuthorizationRequest(ctx, stale))

		result, err := svc.CompleteConsent(ctx, "expired-req", "UT-1", "")
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
		require.NotNil(t, result)
		assert.Empty(t, result.Code)
		assert.Equal(t, "http://localhost:3000/callback", result.RedirectURI)
		assert.Equal(t, "keep-me", result.State)
	})
}

func TestTokenAuthorizationCodeGrant(t *testing.T) {
	svc, _ := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()
	client := registerTestClient(t, svc)

	mintCode := func(t *testing.T) string {
		pending, err := svc.Authorize(ctx, &AuthorizeRequest{
			ClientID:      client.ClientID,
			RedirectURI:   "http://localhost:3000/callback",
			ResponseType:  "code",
			Scope:         "library:read",
			CodeChallenge: s256Challenge("abc123"),
		})
		require.NoError(t, err)
		result, err := svc.CompleteConsent(ctx, pending.RequestID, "UT-1", "RT-upstream")
		require.NoError(t, err)
		return result.Code
	}

	t.Run("exchange issues tokens carrying credentials", func(t *testing.T) {
		code := mintCode(t)
		resp, err := svc.Token(ctx, &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     client.ClientID,
			Code:         code,
			RedirectURI:  "http://localhost:3000/callback",
			CodeVerifier: "abc123",
		})
		require.NoError(t, err)
		assert.Equal(t, "Bearer", resp.TokenType)
		assert.Equal(t, int64(3600), resp.ExpiresIn)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Equal(t, "library:read", resp.Scope)

		info, err := svc.ValidateAccessToken(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, client.ClientID, info.ClientID)
		assert.Equal(t, "library:read", info.Scope)
		assert.Equal(t, "UT-1", info.MusicUserToken)
		assert.Equal(t, "RT-upstream", info.MusicRefreshToken)
	})

	t.Run("code is single use", func(t *testing.T) {
		code := mintCode(t)
		req := &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     client.ClientID,
			Code:         code,
			CodeVerifier: "abc123",
		}
		_, err := svc.Token(ctx, req)
		require.NoError(t, err)

		_, err = svc.Token(ctx, req)
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	})

	t.Run("wrong verifier burns the code", func(t *testing.T) {
		code := mintCode(t)
		_, err := svc.Token(ctx, &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     client.ClientID,
			Code:         code,
			CodeVerifier: "wrong",
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)

		// Correct verifier no longer helps.
		_, err = svc.Token(ctx, &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     client.ClientID,
			Code:         code,
			CodeVerifier: "abc123",
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	})

	t.Run("code bound to issuing client", func(t *testing.T) {
		other, err := svc.Register(ctx, &RegisterRequest{
			RedirectURIs: []string{"http://localhost:4000/callback"},
		})
		require.NoError(t, err)

		code := mintCode(t)
		_, err = svc.Token(ctx, &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     other.ClientID,
			Code:         code,
			CodeVerifier: "abc123",
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	})

	t.Run("redirect uri mismatch", func(t *testing.T) {
		code := mintCode(t)
		_, err := svc.Token(ctx, &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     client.ClientID,
			Code:         code,
			RedirectURI:  "http://localhost:3000/other",
			CodeVerifier: "abc123",
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	})

	t.Run("unknown grant type", func(t *testing.T) {
		_, err := svc.Token(ctx, &TokenRequest{
			GrantType: "password",
			ClientID:  client.ClientID,
		})
		assert.ErrorIs(t, err, errorx.ErrUnsupportedGrantType)
	})

	t.Run("unknown client", func(t *testing.T) {
		_, err := svc.Token(ctx, &TokenRequest{
			GrantType: "authorization_code",
			ClientID:  "ghost",
			Code:      "whatever",
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidClient)
	})
}

func TestTokenRefreshGrant(t *testing.T) {
	svc, _ := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()
	client := registerTestClient(t, svc)

	issue := func(t *testing.T) *TokenResponse {
		pending, err := svc.Authorize(ctx, &AuthorizeRequest{
			ClientID:      client.ClientID,
			RedirectURI:   "http://localhost:3000/callback",
			ResponseType:  "code",
			Scope:         "library:read",
			CodeChallenge: s256Challenge("abc123"),
		})
		require.NoError(t, err)
		result, err := svc.CompleteConsent(ctx, pending.RequestID, "UT-1", "")
		require.NoError(t, err)
		resp, err := svc.Token(ctx, &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     client.ClientID,
			Code:         result.Code,
			CodeVerifier: "abc123",
		})
		require.NoError(t, err)
		return resp
	}

	t.Run("refresh issues new access token", func(t *testing.T) {
		tokens := issue(t)
		resp, err := svc.Token(ctx, &TokenRequest{
			GrantType:    "refresh_token",
			ClientID:     client.ClientID,
			RefreshToken: tokens.RefreshToken,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.AccessToken)
		assert.Equal(t, tokens.RefreshToken, resp.RefreshToken)

		info, err := svc.ValidateAccessToken(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "UT-1", info.MusicUserToken)
	})

	t.Run("refresh token bound to client", func(t *testing.T) {
		other, err := svc.Register(ctx, &RegisterRequest{
			RedirectURIs: []string{"http://localhost:4000/callback"},
		})
		require.NoError(t, err)

		tokens := issue(t)
		_, err = svc.Token(ctx, &TokenRequest{
			GrantType:    "refresh_token",
			ClientID:     other.ClientID,
			RefreshToken: tokens.RefreshToken,
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	})

	t.Run("unknown refresh token", func(t *testing.T) {
		_, err := svc.Token(ctx, &TokenRequest{
			GrantType:    "refresh_token",
			ClientID:     client.ClientID,
			RefreshToken: "nope",
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	})

	t.Run("revoked refresh token rejected", func(t *testing.T) {
		tokens := issue(t)
		require.NoError(t, svc.Revoke(ctx, tokens.RefreshToken))

		_, err := svc.Token(ctx, &TokenRequest{
			GrantType:    "refresh_token",
			ClientID:     client.ClientID,
			RefreshToken: tokens.RefreshToken,
		})
		assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	})
}

func TestTokenRefreshRotation(t *testing.T) {
	cfg := testOAuthConfig()
	cfg.RotateRefreshTokens = true
	svc, _ := newTestOAuth(t, cfg)
	ctx := context.Background()
	client := registerTestClient(t, svc)

	pending, err := svc.Authorize(ctx, &AuthorizeRequest{
		ClientID:      client.ClientID,
		RedirectURI:   "http://localhost:3000/callback",
		ResponseType:  "code",
		CodeChallenge: s256Challenge("abc123"),
	})
	require.NoError(t, err)
	result, err := svc.CompleteConsent(ctx, pending.RequestID, "UT-1", "")
	require.NoError(t, err)
	tokens, err := svc.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     client.ClientID,
		Code:         result.Code,
		CodeVerifier: "abc123",
	})
	require.NoError(t, err)

	rotated, err := svc.Token(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
	})
	require.NoError(t, err)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	// The old token is dead after rotation.
	_, err = svc.Token(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
	})
	assert.ErrorIs(t, err, errorx.ErrInvalidGrant)

	// The rotated token works.
	_, err = svc.Token(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     client.ClientID,
		RefreshToken: rotated.RefreshToken,
	})
	assert.NoError(t, err)
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()

	t.Run("unknown token succeeds", func(t *testing.T) {
		assert.NoError(t, svc.Revoke(ctx, "never-issued"))
	})

	t.Run("empty token rejected", func(t *testing.T) {
		assert.ErrorIs(t, svc.Revoke(ctx, ""), errorx.ErrInvalidRequest)
	})
}

func TestValidateAccessToken(t *testing.T) {
	svc, _ := newTestOAuth(t, testOAuthConfig())
	ctx := context.Background()

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.ValidateAccessToken(ctx, "not-a-jwt")
		assert.Error(t, err)
	})

	t.Run("token signed with different key", func(t *testing.T) {
		otherCfg := testOAuthConfig()
		otherCfg.JWTSecretKey = "another-jwt-secret-key-0123456789abcdef"
		other, _ := newTestOAuth(t, otherCfg)
		client, err := other.Register(ctx, &RegisterRequest{
			RedirectURIs: []string{"http://localhost:3000/callback"},
		})
		require.NoError(t, err)
		pending, err := other.Authorize(ctx, &AuthorizeRequest{
			ClientID:      client.ClientID,
			RedirectURI:   "http://localhost:3000/callback",
			ResponseType:  "code",
			CodeChallenge: s256Challenge("abc123"),
		})
		require.NoError(t, err)
		result, err := other.CompleteConsent(ctx, pending.RequestID, "UT-1", "")
		require.NoError(t, err)
		tokens, err := other.Token(ctx, &TokenRequest{
			GrantType:    "authorization_code",
			ClientID:     client.ClientID,
			Code:         result.Code,
			CodeVerifier: "abc123",
		})
		require.NoError(t, err)

		_, err = svc.ValidateAccessToken(ctx, tokens.AccessToken)
		assert.Error(t, err)
	})
}
