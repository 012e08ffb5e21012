package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/errorx"
	"github.com/stretchr/testify/assert"
)

func newTestDatabaseStorage(t *testing.T) *DatabaseStorage {
	t.Helper()
	cfg := &config.DatabaseConfig{Type: "sqlite", DBName: filepath.Join(t.TempDir(), "oauth.db")}
	s, err := NewDatabaseStorage(cfg)
	if err != nil {
		t.Fatalf("NewDatabaseStorage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewDatabaseStorage_UnsupportedType(t *testing.T) {
	_, err := NewDatabaseStorage(&config.DatabaseConfig{Type: "oracle"})
	assert.Error(t, err)
}

func TestDatabaseStorage_ClientListSerializationBoundary(t *testing.T) {
	s := newTestDatabaseStorage(t)
	ctx := context.Background()

	c := &Client{
		ID:              "c1",
		Name:            "Claude MCP Client",
		RedirectURIs:    []string{"http://localhost:8765/cb", "http://127.0.0.1:9000/cb"},
		GrantTypes:      []string{"authorization_code", "refresh_token"},
		ResponseTypes:   []string{"code"},
		TokenAuthMethod: "none",
		Scope:           "library:read",
	}
	assert.NoError(t, s.CreateClient(ctx, c))

	got, err := s.GetClient(ctx, "c1")
	assert.NoError(t, err)
	// lists come back as native slices, round-tripped through the text column
	assert.Equal(t, c.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, c.GrantTypes, got.GrantTypes)
	assert.Equal(t, c.ResponseTypes, got.ResponseTypes)
	assert.Equal(t, "none", got.TokenAuthMethod)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, errorx.ErrInvalidClient)
}

func TestDatabaseStorage_AuthorizationRequests(t *testing.T) {
	s := newTestDatabaseStorage(t)
	ctx := context.Background()

	req := &AuthorizationRequest{
		ID:                  "r1",
		ClientID:            "c1",
		RedirectURI:         "http://localhost:8765/cb",
		State:               "st",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ExpiresAt:           time.Now().Add(10 * time.Minute).Unix(),
	}
	assert.NoError(t, s.SaveAuthorizationRequest(ctx, req))

	got, err := s.ConsumeAuthorizationRequest(ctx, "r1")
	assert.NoError(t, err)
	assert.Equal(t, "challenge", got.CodeChallenge)

	// consumed: the transactional delete leaves nothing behind
	_, err = s.ConsumeAuthorizationRequest(ctx, "r1")
	assert.ErrorIs(t, err, errorx.ErrInvalidGrant)

	// expired rows are rejected but returned for error redirects
	stale := &AuthorizationRequest{ID: "r2", State: "keep", ExpiresAt: time.Now().Add(-time.Minute).Unix()}
	assert.NoError(t, s.SaveAuthorizationRequest(ctx, stale))
	got, err = s.ConsumeAuthorizationRequest(ctx, "r2")
	assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
	assert.Equal(t, "keep", got.State)
}

func TestDatabaseStorage_ConsumeCodeGrant_SingleUse(t *testing.T) {
	s := newTestDatabaseStorage(t)
	ctx := context.Background()

	grant := &CodeGrant{Code: "code-1", ClientID: "c1", MusicUserToken: "UT-1", ExpiresAt: time.Now().Add(time.Minute).Unix()}
	assert.NoError(t, s.SaveCodeGrant(ctx, grant))

	got, err := s.ConsumeCodeGrant(ctx, "code-1")
	assert.NoError(t, err)
	assert.Equal(t, "UT-1", got.MusicUserToken)

	_, err = s.ConsumeCodeGrant(ctx, "code-1")
	assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
}

func TestDatabaseStorage_ConsumeCodeGrant_Concurrent(t *testing.T) {
	s := newTestDatabaseStorage(t)
	ctx := context.Background()

	grant := &CodeGrant{Code: "code-race", ClientID: "c1", ExpiresAt: time.Now().Add(time.Minute).Unix()}
	assert.NoError(t, s.SaveCodeGrant(ctx, grant))

	const n = 8
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeCodeGrant(ctx, "code-race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}

func TestDatabaseStorage_RefreshTokens(t *testing.T) {
	s := newTestDatabaseStorage(t)
	ctx := context.Background()

	rt := &RefreshToken{Token: "rt-1", ClientID: "c1", Scope: "library:read", MusicUserToken: "UT-1", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	assert.NoError(t, s.SaveRefreshToken(ctx, rt))

	got, err := s.GetRefreshToken(ctx, "rt-1")
	assert.NoError(t, err)
	assert.Equal(t, "library:read", got.Scope)

	// extending expiry keeps the same token string
	got.ExpiresAt = time.Now().Add(2 * time.Hour).Unix()
	assert.NoError(t, s.SaveRefreshToken(ctx, got))
	again, err := s.GetRefreshToken(ctx, "rt-1")
	assert.NoError(t, err)
	assert.Equal(t, got.ExpiresAt, again.ExpiresAt)

	expired := &RefreshToken{Token: "rt-old", ClientID: "c1", ExpiresAt: time.Now().Add(-time.Hour).Unix()}
	assert.NoError(t, s.SaveRefreshToken(ctx, expired))
	_, err = s.GetRefreshToken(ctx, "rt-old")
	assert.ErrorIs(t, err, errorx.ErrInvalidGrant)

	assert.NoError(t, s.DeleteRefreshToken(ctx, "rt-1"))
	_, err = s.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, errorx.ErrInvalidGrant)
}
