package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/auth/crypto"
	"github.com/bouzou4/AppleMusic-MCP/internal/auth/jwt"
	"github.com/bouzou4/AppleMusic-MCP/internal/auth/storage"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/cnst"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/errorx"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Redirect URIs accepted at registration time: loopback HTTP on any port,
// plus the hosted agent origins.
var allowedRedirectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^http://localhost:\d+/.*$`),
	regexp.MustCompile(`^http://127\.0\.0\.1:\d+/.*$`),
	regexp.MustCompile(`^https://claude\.ai/.*$`),
	regexp.MustCompile(`^https://.*\.claude\.ai/.*$`),
}

// oauth implements the OAuth2 interface
type oauth struct {
	logger *zap.Logger
	store  storage.Store
	jwt    *jwt.Service
	cipher *crypto.Cipher

	issuer          string
	requestLifetime time.Duration
	codeLifetime    time.Duration
	refreshLifetime time.Duration
	rotateRefresh   bool
}

var _ OAuth2 = (*oauth)(nil)

// NewOAuth builds the authorization server on the given backing store.
func NewOAuth(logger *zap.Logger, cfg *config.OAuthConfig, store storage.Store) (OAuth2, error) {
	jwtSvc, err := jwt.NewService(jwt.Config{
		SecretKey: cfg.JWTSecretKey,
		Issuer:    cfg.Issuer,
		Duration:  cfg.AccessTokenLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jwt service: %w", err)
	}

	cipher, err := crypto.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cipher: %w", err)
	}

	return &oauth{
		logger:          logger.Named("auth.oauth2"),
		store:           store,
		jwt:             jwtSvc,
		cipher:          cipher,
		issuer:          strings.TrimRight(cfg.Issuer, "/"),
		requestLifetime: cfg.AuthorizationCodeLifetime,
		codeLifetime:    cfg.AuthorizationCodeLifetime,
		refreshLifetime: cfg.RefreshTokenLifetime,
		rotateRefresh:   cfg.RotateRefreshTokens,
	}, nil
}

// ServerMetadata returns the RFC 8414 discovery document.
func (s *oauth) ServerMetadata() map[string]interface{} {
	return map[string]interface{}{
		"issuer":                 s.issuer,
		"authorization_endpoint": s.issuer + "/oauth/authorize",
		"token_endpoint":         s.issuer + "/oauth/token",
		"registration_endpoint":  s.issuer + "/oauth/register",
		"revocation_endpoint":    s.issuer + "/oauth/revoke",
		"token_endpoint_auth_methods_supported": []string{
			cnst.TokenEndpointAuthNone,
		},
		"response_types_supported": []string{
			cnst.ResponseTypeCode,
		},
		"response_modes_supported": []string{
			"query",
		},
		"grant_types_supported": []string{
			cnst.GrantTypeAuthorizationCode,
			cnst.GrantTypeRefreshToken,
		},
		"code_challenge_methods_supported": []string{
			cnst.CodeChallengeMethodS256,
		},
		"scopes_supported": cnst.SupportedScopes,
	}
}

// Register handles dynamic client registration.
func (s *oauth) Register(ctx context.Context, req *RegisterRequest) (*ClientRegistrationResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, errorx.ErrInvalidRequest
	}
	for _, uri := range req.RedirectURIs {
		if !isAllowedRedirectURI(uri) {
			return nil, errorx.ErrInvalidRedirectURI
		}
	}

	// Public clients only; no secret is ever issued.
	if req.TokenAuthMethod != "" && req.TokenAuthMethod != cnst.TokenEndpointAuthNone {
		return nil, errorx.ErrInvalidRequest
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{cnst.GrantTypeAuthorizationCode, cnst.GrantTypeRefreshToken}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{cnst.ResponseTypeCode}
	}

	now := time.Now()
	client := &storage.Client{
		ID:              uuid.New().String(),
		Name:            req.ClientName,
		RedirectURIs:    req.RedirectURIs,
		GrantTypes:      grantTypes,
		ResponseTypes:   responseTypes,
		TokenAuthMethod: cnst.TokenEndpointAuthNone,
		Scope:           req.Scope,
		CreatedAt:       now.Unix(),
	}
	if err := s.store.CreateClient(ctx, client); err != nil {
		return nil, err
	}

	s.logger.Info("registered oauth client",
		zap.String("client_id", client.ID),
		zap.Strings("redirect_uris", client.RedirectURIs))

	return &ClientRegistrationResponse{
		ClientID:                client.ID,
		ClientIDIssuedAt:        client.CreatedAt,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenAuthMethod,
		Scope:                   client.Scope,
	}, nil
}

// Authorize validates the authorization request and parks it until consent
// completes.
func (s *oauth) Authorize(ctx context.Context, req *AuthorizeRequest) (*PendingAuthorization, error) {
	if req.ClientID == "" || req.RedirectURI == "" || req.ResponseType == "" {
		return nil, errorx.ErrInvalidRequest
	}
	if req.ResponseType != cnst.ResponseTypeCode {
		return nil, errorx.ErrUnsupportedResponseType
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, errorx.ErrInvalidClient
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, errorx.ErrInvalidRedirectURI
	}

	// PKCE is mandatory.
	if req.CodeChallenge == "" {
		return nil, errorx.ErrInvalidRequest
	}
	method := req.CodeChallengeMethod
	if method == "" {
		method = cnst.CodeChallengeMethodS256
	}
	if method != cnst.CodeChallengeMethodS256 {
		return nil, errorx.ErrUnsupportedChallengeMethod
	}

	scope := req.Scope
	if scope == "" {
		scope = cnst.DefaultScope
	}
	if !isSupportedScope(scope) {
		return nil, errorx.ErrInvalidRequest
	}

	requestID := uuid.New().String()
	state := req.State
	if state == "" {
		state = requestID
	}

	now := time.Now()
	authReq := &storage.AuthorizationRequest{
		ID:                  requestID,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		State:               state,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		ExpiresAt:           now.Add(s.requestLifetime).Unix(),
		CreatedAt:           now.Unix(),
	}
	if err := s.store.SaveAuthorizationRequest(ctx, authReq); err != nil {
		return nil, err
	}

	s.logger.Debug("parked authorization request",
		zap.String("request_id", requestID),
		zap.String("client_id", req.ClientID),
		zap.String("scope", scope))

	return &PendingAuthorization{
		RequestID:   requestID,
		Scope:       scope,
		RedirectURI: req.RedirectURI,
		State:       state,
	}, nil
}

// CompleteConsent resumes a parked authorization request with the Music
// user token obtained from the consent page and mints the single-use code.
func (s *oauth) CompleteConsent(ctx context.Context, requestID, musicUserToken, musicRefreshToken string) (*ConsentResult, error) {
	if requestID == "" {
		return nil, errorx.ErrInvalidRequest
	}

	authReq, err := s.store.ConsumeAuthorizationRequest(ctx, requestID)
	if err != nil {
		if authReq == nil {
			return nil, errorx.ErrInvalidGrant
		}
		// Expired but recoverable: report via error redirect so the
		// client gets its state back.
		return &ConsentResult{
			RedirectURI: authReq.RedirectURI,
			State:       authReq.State,
		}, errorx.ErrInvalidGrant
	}

	if musicUserToken == "" {
		return &ConsentResult{
			RedirectURI: authReq.RedirectURI,
			State:       authReq.State,
		}, errorx.ErrInvalidRequest
	}

	now := time.Now()
	grant := &storage.CodeGrant{
		Code:                generateSecureToken(),
		ClientID:            authReq.ClientID,
		RedirectURI:         authReq.RedirectURI,
		Scope:               authReq.Scope,
		CodeChallenge:       authReq.CodeChallenge,
		CodeChallengeMethod: authReq.CodeChallengeMethod,
		MusicUserToken:      musicUserToken,
		MusicRefreshToken:   musicRefreshToken,
		ExpiresAt:           now.Add(s.codeLifetime).Unix(),
		CreatedAt:           now.Unix(),
	}
	if err := s.store.SaveCodeGrant(ctx, grant); err != nil {
		return &ConsentResult{
			RedirectURI: authReq.RedirectURI,
			State:       authReq.State,
		}, errorx.ErrServerError
	}

	s.logger.Info("consent completed",
		zap.String("request_id", requestID),
		zap.String("client_id", authReq.ClientID))

	return &ConsentResult{
		Code:        grant.Code,
		RedirectURI: authReq.RedirectURI,
		State:       authReq.State,
	}, nil
}

// Token handles the token request for both supported grant types.
func (s *oauth) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.ClientID == "" {
		return nil, errorx.ErrInvalidRequest
	}
	if _, err := s.store.GetClient(ctx, req.ClientID); err != nil {
		return nil, errorx.ErrInvalidClient
	}

	switch req.GrantType {
	case cnst.GrantTypeAuthorizationCode:
		return s.handleAuthorizationCodeGrant(ctx, req)
	case cnst.GrantTypeRefreshToken:
		return s.handleRefreshTokenGrant(ctx, req)
	default:
		return nil, errorx.ErrUnsupportedGrantType
	}
}

// handleAuthorizationCodeGrant redeems a single-use authorization code.
// The code is burned before any verification, so a failed attempt can
// never be retried.
func (s *oauth) handleAuthorizationCodeGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, errorx.ErrInvalidRequest
	}

	grant, err := s.store.ConsumeCodeGrant(ctx, req.Code)
	if err != nil {
		return nil, errorx.ErrInvalidGrant
	}

	if grant.ClientID != req.ClientID {
		return nil, errorx.ErrInvalidGrant
	}
	if req.RedirectURI != "" && grant.RedirectURI != req.RedirectURI {
		return nil, errorx.ErrInvalidGrant
	}
	if !verifyCodeChallenge(req.CodeVerifier, grant.CodeChallenge) {
		s.logger.Warn("pkce verification failed, code burned",
			zap.String("client_id", req.ClientID))
		return nil, errorx.ErrInvalidGrant
	}

	return s.issueTokens(ctx, grant.ClientID, grant.Scope, grant.MusicUserToken, grant.MusicRefreshToken)
}

// handleRefreshTokenGrant exchanges a refresh token for a fresh access
// token. Rotation follows server policy.
func (s *oauth) handleRefreshTokenGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, errorx.ErrInvalidRequest
	}

	rt, err := s.store.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, errorx.ErrInvalidGrant
	}
	if rt.ClientID != req.ClientID {
		return nil, errorx.ErrInvalidGrant
	}

	accessToken, err := s.generateAccessToken(rt.ClientID, rt.Scope, rt.MusicUserToken, rt.MusicRefreshToken)
	if err != nil {
		return nil, errorx.ErrServerError
	}

	now := time.Now()
	refreshToken := rt.Token
	if s.rotateRefresh {
		refreshToken = generateSecureToken()
		next := &storage.RefreshToken{
			Token:             refreshToken,
			ClientID:          rt.ClientID,
			Scope:             rt.Scope,
			MusicUserToken:    rt.MusicUserToken,
			MusicRefreshToken: rt.MusicRefreshToken,
			ExpiresAt:         now.Add(s.refreshLifetime).Unix(),
			CreatedAt:         now.Unix(),
		}
		if err := s.store.SaveRefreshToken(ctx, next); err != nil {
			return nil, errorx.ErrServerError
		}
		if err := s.store.DeleteRefreshToken(ctx, rt.Token); err != nil {
			s.logger.Warn("failed to delete rotated refresh token", zap.Error(err))
		}
	} else {
		// Sliding expiry on each use.
		rt.ExpiresAt = now.Add(s.refreshLifetime).Unix()
		if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
			return nil, errorx.ErrServerError
		}
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    cnst.TokenTypeBearer,
		ExpiresIn:    int64(s.jwt.Duration().Seconds()),
		RefreshToken: refreshToken,
		Scope:        rt.Scope,
	}, nil
}

// issueTokens encrypts the Music credentials, signs the access token and
// persists a companion refresh token.
func (s *oauth) issueTokens(ctx context.Context, clientID, scope, musicUserToken, musicRefreshToken string) (*TokenResponse, error) {
	encUserToken, err := s.cipher.Encrypt(musicUserToken)
	if err != nil {
		return nil, errorx.ErrServerError
	}
	encRefreshToken := ""
	if musicRefreshToken != "" {
		if encRefreshToken, err = s.cipher.Encrypt(musicRefreshToken); err != nil {
			return nil, errorx.ErrServerError
		}
	}

	accessToken, err := s.jwt.GenerateToken(clientID, scope, encUserToken, encRefreshToken)
	if err != nil {
		return nil, errorx.ErrServerError
	}

	now := time.Now()
	refreshToken := &storage.RefreshToken{
		Token:             generateSecureToken(),
		ClientID:          clientID,
		Scope:             scope,
		MusicUserToken:    musicUserToken,
		MusicRefreshToken: musicRefreshToken,
		ExpiresAt:         now.Add(s.refreshLifetime).Unix(),
		CreatedAt:         now.Unix(),
	}
	if err := s.store.SaveRefreshToken(ctx, refreshToken); err != nil {
		return nil, errorx.ErrServerError
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    cnst.TokenTypeBearer,
		ExpiresIn:    int64(s.jwt.Duration().Seconds()),
		RefreshToken: refreshToken.Token,
		Scope:        scope,
	}, nil
}

// generateAccessToken signs an access token with freshly encrypted Music
// credentials as private claims.
func (s *oauth) generateAccessToken(clientID, scope, musicUserToken, musicRefreshToken string) (string, error) {
	encUserToken, err := s.cipher.Encrypt(musicUserToken)
	if err != nil {
		return "", err
	}
	encRefreshToken := ""
	if musicRefreshToken != "" {
		if encRefreshToken, err = s.cipher.Encrypt(musicRefreshToken); err != nil {
			return "", err
		}
	}
	return s.jwt.GenerateToken(clientID, scope, encUserToken, encRefreshToken)
}

// Revoke invalidates a refresh token. Per RFC 7009 revocation of an
// unknown token is not an error.
func (s *oauth) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return errorx.ErrInvalidRequest
	}
	if err := s.store.DeleteRefreshToken(ctx, token); err != nil {
		s.logger.Debug("revocation of unknown token", zap.Error(err))
	}
	return nil
}

// ValidateAccessToken verifies a bearer access token and decrypts the
// Music credentials it carries.
func (s *oauth) ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		return nil, err
	}

	musicUserToken, err := s.cipher.Decrypt(claims.MusicUserToken)
	if err != nil {
		return nil, err
	}
	musicRefreshToken := ""
	if claims.MusicRefreshToken != "" {
		if musicRefreshToken, err = s.cipher.Decrypt(claims.MusicRefreshToken); err != nil {
			return nil, err
		}
	}

	return &TokenInfo{
		ClientID:          claims.Subject,
		Scope:             claims.Scope,
		MusicUserToken:    musicUserToken,
		MusicRefreshToken: musicRefreshToken,
	}, nil
}

// Helper functions

func generateSecureToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func isAllowedRedirectURI(uri string) bool {
	for _, pattern := range allowedRedirectPatterns {
		if pattern.MatchString(uri) {
			return true
		}
	}
	return false
}

func isSupportedScope(scope string) bool {
	for _, requested := range strings.Fields(scope) {
		supported := false
		for _, known := range cnst.SupportedScopes {
			if requested == known {
				supported = true
				break
			}
		}
		if !supported {
			return false
		}
	}
	return true
}

// verifyCodeChallenge checks the S256 transform of the verifier against
// the stored challenge in constant time.
func verifyCodeChallenge(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
