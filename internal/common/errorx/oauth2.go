package errorx

import (
	"encoding/json"
	"errors"
	"net/http"
)

// OAuth2Error is an error carrying an RFC 6749 error code and the HTTP
// status it should be surfaced with.
type OAuth2Error struct {
	ErrorType        string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	HTTPStatus       int    `json:"-"`
}

func (e *OAuth2Error) Error() string {
	out, _ := json.Marshal(e)
	return string(out)
}

var (
	ErrInvalidRequest = &OAuth2Error{
		ErrorType:  "invalid_request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidClient = &OAuth2Error{
		ErrorType:        "invalid_request",
		ErrorDescription: "invalid client_id",
		HTTPStatus:       http.StatusBadRequest,
	}

	ErrInvalidRedirectURI = &OAuth2Error{
		ErrorType:        "invalid_request",
		ErrorDescription: "invalid redirect_uri",
		HTTPStatus:       http.StatusBadRequest,
	}

	ErrUnsupportedResponseType = &OAuth2Error{
		ErrorType:  "unsupported_response_type",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnsupportedChallengeMethod = &OAuth2Error{
		ErrorType:        "invalid_request",
		ErrorDescription: "only S256 code_challenge_method supported",
		HTTPStatus:       http.StatusBadRequest,
	}

	// ErrInvalidGrant covers missing, expired and client-mismatched codes and
	// refresh tokens. PKCE failures use the same code on purpose so the
	// response does not reveal why a code was rejected.
	ErrInvalidGrant = &OAuth2Error{
		ErrorType:  "invalid_grant",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnsupportedGrantType = &OAuth2Error{
		ErrorType:  "unsupported_grant_type",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrServerError = &OAuth2Error{
		ErrorType:  "server_error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// ConvertToOAuth2Error converts any error to OAuth2Error.
// If the error is already an OAuth2Error it is returned directly; anything
// else becomes a generic server_error so internal details never leak.
func ConvertToOAuth2Error(err error) *OAuth2Error {
	var oauthErr *OAuth2Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	return ErrServerError
}
