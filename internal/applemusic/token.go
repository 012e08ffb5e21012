package applemusic

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"

	"github.com/golang-jwt/jwt/v5"
)

const (
	developerTokenLifetime = 12 * time.Hour

	// Regenerate before the cached token actually expires.
	developerTokenSkew = 5 * time.Minute
)

// TokenSource supplies a valid Apple Music developer token.
type TokenSource interface {
	Token() (string, error)
}

// DeveloperTokenSource signs and caches Apple Music developer tokens. The
// token is an ES256 JWT issued for the configured team, keyed by the
// MusicKit key ID.
type DeveloperTokenSource struct {
	teamID     string
	keyID      string
	privateKey *ecdsa.PrivateKey

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewDeveloperTokenSource loads the MusicKit private key and returns a
// caching token source.
func NewDeveloperTokenSource(cfg *config.AppleConfig) (*DeveloperTokenSource, error) {
	if cfg.TeamID == "" || cfg.KeyID == "" {
		return nil, fmt.Errorf("apple team_id and key_id are required")
	}

	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &DeveloperTokenSource{
		teamID:     cfg.TeamID,
		keyID:      cfg.KeyID,
		privateKey: key,
	}, nil
}

// Token returns a cached developer token, minting a fresh one when the
// cached token is absent or close to expiry.
func (s *DeveloperTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt.Add(-developerTokenSkew)) {
		return s.token, nil
	}

	now := time.Now()
	expiresAt := now.Add(developerTokenLifetime)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.teamID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign developer token: %w", err)
	}

	s.token = signed
	s.expiresAt = expiresAt
	return signed, nil
}
