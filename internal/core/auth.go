package core

import (
	"net/http"
	"net/url"

	"github.com/bouzou4/AppleMusic-MCP/internal/auth"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/errorx"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleOAuthServerMetadata handles the OAuth server metadata endpoint
func (s *Server) handleOAuthServerMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, s.auth.ServerMetadata())
}

// handleOAuthRegister handles the OAuth client registration endpoint
func (s *Server) handleOAuthRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendOAuthError(c, errorx.ErrInvalidRequest)
		return
	}

	resp, err := s.auth.Register(c.Request.Context(), &req)
	if err != nil {
		s.sendOAuthError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ClientRegistered()
	}
	c.JSON(http.StatusCreated, resp)
}

// handleOAuthAuthorize parks the authorization request and forwards the
// end user to the MusicKit consent page with a fresh developer token.
func (s *Server) handleOAuthAuthorize(c *gin.Context) {
	req := &auth.AuthorizeRequest{
		ClientID:            c.Query("client_id"),
		RedirectURI:         c.Query("redirect_uri"),
		ResponseType:        c.Query("response_type"),
		Scope:               c.Query("scope"),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
	}

	pending, err := s.auth.Authorize(c.Request.Context(), req)
	if err != nil {
		s.sendOAuthError(c, err)
		return
	}

	developerToken, err := s.devTokens.Token()
	if err != nil {
		// The request is already parked and the redirect URI resolved,
		// so the failure goes back to the client by redirect.
		s.logger.Error("failed to mint developer token", zap.Error(err))
		c.Redirect(http.StatusFound, errorRedirectURL(pending.RedirectURI, pending.State))
		return
	}

	q := url.Values{}
	q.Set("auth_request_id", pending.RequestID)
	q.Set("developer_token", developerToken)
	c.Redirect(http.StatusFound, "/static/musickit-auth.html?"+q.Encode())
}

type musicKitCallbackRequest struct {
	AuthRequestID string `json:"auth_request_id"`
	UserToken     string `json:"user_token"`
}

// handleMusicKitCallback receives the Music user token from the consent
// page script. The page itself performs the final redirect, so failures
// after the request resolves are reported as an error redirect URL rather
// than an HTTP error.
func (s *Server) handleMusicKitCallback(c *gin.Context) {
	var req musicKitCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendOAuthError(c, errorx.ErrInvalidRequest)
		return
	}

	result, err := s.auth.CompleteConsent(c.Request.Context(), req.AuthRequestID, req.UserToken, "")
	if err != nil {
		if result == nil {
			s.sendOAuthError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"redirect_url": errorRedirectURL(result.RedirectURI, result.State),
			"status":       "error",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"redirect_url": successRedirectURL(result),
		"status":       "success",
	})
}

// handleAppleLogin forwards the end user to Apple's authorize URL. The
// state parameter carries the parked authorization request id so the
// callback can resume it.
func (s *Server) handleAppleLogin(c *gin.Context) {
	requestID := c.Query("state")
	if requestID == "" {
		s.sendOAuthError(c, errorx.ErrInvalidRequest)
		return
	}
	if s.apple == nil {
		s.sendOAuthError(c, errorx.ErrServerError)
		return
	}
	c.Redirect(http.StatusFound, s.apple.GetAuthURL(requestID))
}

// handleAppleCallback handles the Sign in with Apple return leg. The state
// parameter carries the parked authorization request id.
func (s *Server) handleAppleCallback(c *gin.Context) {
	code := c.Query("code")
	requestID := c.Query("state")
	if code == "" || requestID == "" {
		s.sendOAuthError(c, errorx.ErrInvalidRequest)
		return
	}
	if s.apple == nil {
		s.sendOAuthError(c, errorx.ErrServerError)
		return
	}

	upstream, err := s.apple.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		s.logger.Error("apple code exchange failed", zap.Error(err))
		// Resolve the parked request so the client still gets an error
		// redirect with its state.
		result, cerr := s.auth.CompleteConsent(c.Request.Context(), requestID, "", "")
		if result == nil {
			s.sendOAuthError(c, cerr)
			return
		}
		c.Redirect(http.StatusFound, errorRedirectURL(result.RedirectURI, result.State))
		return
	}

	result, err := s.auth.CompleteConsent(c.Request.Context(), requestID, upstream.AccessToken, upstream.RefreshToken)
	if err != nil {
		if result == nil {
			s.sendOAuthError(c, err)
			return
		}
		c.Redirect(http.StatusFound, errorRedirectURL(result.RedirectURI, result.State))
		return
	}

	c.Redirect(http.StatusFound, successRedirectURL(result))
}

// handleOAuthToken handles the OAuth token endpoint
func (s *Server) handleOAuthToken(c *gin.Context) {
	req := &auth.TokenRequest{
		GrantType:    c.PostForm("grant_type"),
		ClientID:     c.PostForm("client_id"),
		Code:         c.PostForm("code"),
		RedirectURI:  c.PostForm("redirect_uri"),
		CodeVerifier: c.PostForm("code_verifier"),
		RefreshToken: c.PostForm("refresh_token"),
	}

	resp, err := s.auth.Token(c.Request.Context(), req)
	if s.metrics != nil && req.GrantType != "" {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.GrantIssued(req.GrantType, status)
	}
	if err != nil {
		s.sendOAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleOAuthRevoke handles the OAuth token revocation endpoint
func (s *Server) handleOAuthRevoke(c *gin.Context) {
	if err := s.auth.Revoke(c.Request.Context(), c.PostForm("token")); err != nil {
		s.sendOAuthError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// sendOAuthError sends an OAuth error response
func (s *Server) sendOAuthError(c *gin.Context, err error) {
	oauthErr := errorx.ConvertToOAuth2Error(err)
	c.JSON(oauthErr.HTTPStatus, gin.H{
		"error":             oauthErr.ErrorType,
		"error_description": oauthErr.ErrorDescription,
	})
}

// successRedirectURL builds the client callback URL carrying the minted
// authorization code.
func successRedirectURL(result *auth.ConsentResult) string {
	q := url.Values{}
	q.Set("code", result.Code)
	if result.State != "" {
		q.Set("state", result.State)
	}
	return result.RedirectURI + "?" + q.Encode()
}

// errorRedirectURL builds the client callback URL for an authorization
// that failed after the redirect URI was resolved. The error code is
// always server_error so the redirect reveals nothing about why consent
// failed; state is preserved for correlation.
func errorRedirectURL(redirectURI, state string) string {
	q := url.Values{}
	q.Set("error", "server_error")
	q.Set("error_description", "Failed to complete authorization")
	if state != "" {
		q.Set("state", state)
	}
	return redirectURI + "?" + q.Encode()
}

// bearerToken extracts a Bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
