package storage

import (
	"context"
	"sync"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/errorx"
)

// MemoryStorage implements the Store interface using in-memory storage
type MemoryStorage struct {
	mu sync.RWMutex

	clients       map[string]*Client
	authRequests  map[string]*AuthorizationRequest
	codeGrants    map[string]*CodeGrant
	refreshTokens map[string]*RefreshToken
}

// NewMemoryStorage creates a new memory storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients:       make(map[string]*Client),
		authRequests:  make(map[string]*AuthorizationRequest),
		codeGrants:    make(map[string]*CodeGrant),
		refreshTokens: make(map[string]*RefreshToken),
	}
}

// CreateClient creates a new client
func (s *MemoryStorage) CreateClient(ctx context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; exists {
		return errorx.ErrInvalidRequest
	}

	client.CreatedAt = time.Now().Unix()
	s.clients[client.ID] = client
	return nil
}

// GetClient retrieves a client by ID
func (s *MemoryStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if client, ok := s.clients[clientID]; ok {
		return client, nil
	}
	return nil, errorx.ErrInvalidClient
}

// SaveAuthorizationRequest saves a pending authorization request
func (s *MemoryStorage) SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.CreatedAt = time.Now().Unix()
	s.authRequests[req.ID] = req
	return nil
}

// ConsumeAuthorizationRequest atomically removes and returns a pending
// authorization request. The request is gone after the first call.
func (s *MemoryStorage) ConsumeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[id]
	if !ok {
		return nil, errorx.ErrInvalidGrant
	}
	delete(s.authRequests, id)

	if req.ExpiresAt < time.Now().Unix() {
		return req, errorx.ErrInvalidGrant
	}
	return req, nil
}

// SaveCodeGrant saves a code grant
func (s *MemoryStorage) SaveCodeGrant(ctx context.Context, grant *CodeGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant.CreatedAt = time.Now().Unix()
	s.codeGrants[grant.Code] = grant
	return nil
}

// ConsumeCodeGrant atomically removes and returns a code grant. The grant
// is gone after the first call whatever the outcome.
func (s *MemoryStorage) ConsumeCodeGrant(ctx context.Context, code string) (*CodeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.codeGrants[code]
	if !ok {
		return nil, errorx.ErrInvalidGrant
	}
	delete(s.codeGrants, code)

	if grant.ExpiresAt < time.Now().Unix() {
		return nil, errorx.ErrInvalidGrant
	}
	return grant, nil
}

// SaveRefreshToken saves a refresh token record
func (s *MemoryStorage) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	s.refreshTokens[token.Token] = token
	return nil
}

// GetRefreshToken retrieves a refresh token record
func (s *MemoryStorage) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, errorx.ErrInvalidGrant
	}
	if rt.ExpiresAt < time.Now().Unix() {
		delete(s.refreshTokens, token)
		return nil, errorx.ErrInvalidGrant
	}
	return rt, nil
}

// DeleteRefreshToken deletes a refresh token record
func (s *MemoryStorage) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, token)
	return nil
}
