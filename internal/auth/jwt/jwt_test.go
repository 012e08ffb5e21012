package jwt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(Config{SecretKey: "", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrEmptySecretKey)

	_, err = NewService(Config{SecretKey: "short", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrWeakSecretKey)

	_, err = NewService(Config{SecretKey: testSecret, Duration: 0})
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestJWTService_GenerateAndValidate(t *testing.T) {
	s, err := NewService(Config{SecretKey: testSecret, Issuer: "http://localhost:8080", Duration: time.Hour})
	assert.NoError(t, err)

	tok, err := s.GenerateToken("client-1", "library:read", "enc-user", "enc-refresh")
	assert.NoError(t, err)

	claims, err := s.ValidateToken(tok)
	assert.NoError(t, err)
	if assert.NotNil(t, claims) {
		assert.Equal(t, "client-1", claims.Subject)
		assert.Equal(t, "library:read", claims.Scope)
		assert.Equal(t, "enc-user", claims.MusicUserToken)
		assert.Equal(t, "enc-refresh", claims.MusicRefreshToken)
		assert.Equal(t, "Bearer", claims.TokenType)
		assert.Equal(t, "http://localhost:8080", claims.Issuer)
		assert.NotEmpty(t, claims.ID)
	}
}

func TestJWTService_Expired(t *testing.T) {
	s, err := NewService(Config{SecretKey: testSecret, Duration: time.Nanosecond})
	assert.NoError(t, err)

	tok, err := s.GenerateToken("client-1", "", "", "")
	assert.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	claims, err := s.ValidateToken(tok)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTService_TamperedAndForeign(t *testing.T) {
	s, err := NewService(Config{SecretKey: testSecret, Duration: time.Hour})
	assert.NoError(t, err)

	tok, err := s.GenerateToken("client-1", "library:read", "", "")
	assert.NoError(t, err)

	// tampered payload
	parts := strings.Split(tok, ".")
	parts[1] = parts[1][:len(parts[1])-2] + "xx"
	_, err = s.ValidateToken(strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrInvalidToken)

	// signed with a different key
	other, err := NewService(Config{SecretKey: "ffffffffffffffffffffffffffffffff", Duration: time.Hour})
	assert.NoError(t, err)
	foreign, err := other.GenerateToken("client-1", "", "", "")
	assert.NoError(t, err)
	_, err = s.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
