package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/errorx"
	"github.com/redis/go-redis/v9"
)

// RedisStorage implements the Store interface using Redis
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(addr string, password string, db int) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{
		client: client,
	}, nil
}

// key prefixes for different types of data
const (
	clientPrefix       = "oauth:client:"
	authRequestPrefix  = "oauth:request:"
	codeGrantPrefix    = "oauth:grant:"
	refreshTokenPrefix = "oauth:refresh:"
)

// CreateClient creates a new client
func (s *RedisStorage) CreateClient(ctx context.Context, client *Client) error {
	client.CreatedAt = time.Now().Unix()
	data, err := json.Marshal(client)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, clientPrefix+client.ID, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errorx.ErrInvalidRequest
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *RedisStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	data, err := s.client.Get(ctx, clientPrefix+clientID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errorx.ErrInvalidClient
		}
		return nil, err
	}

	var client Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// SaveAuthorizationRequest saves a pending authorization request
func (s *RedisStorage) SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error {
	req.CreatedAt = time.Now().Unix()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ttl := time.Duration(req.ExpiresAt-req.CreatedAt) * time.Second
	return s.client.Set(ctx, authRequestPrefix+req.ID, data, ttl).Err()
}

// ConsumeAuthorizationRequest atomically removes and returns a pending
// authorization request. GETDEL guarantees at most one caller ever sees it.
func (s *RedisStorage) ConsumeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error) {
	data, err := s.client.GetDel(ctx, authRequestPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errorx.ErrInvalidGrant
		}
		return nil, err
	}

	var req AuthorizationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	if req.ExpiresAt < time.Now().Unix() {
		return &req, errorx.ErrInvalidGrant
	}
	return &req, nil
}

// SaveCodeGrant saves a code grant
func (s *RedisStorage) SaveCodeGrant(ctx context.Context, grant *CodeGrant) error {
	grant.CreatedAt = time.Now().Unix()
	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}

	ttl := time.Duration(grant.ExpiresAt-grant.CreatedAt) * time.Second
	return s.client.Set(ctx, codeGrantPrefix+grant.Code, data, ttl).Err()
}

// ConsumeCodeGrant atomically removes and returns a code grant. GETDEL
// guarantees at most one caller ever sees the grant.
func (s *RedisStorage) ConsumeCodeGrant(ctx context.Context, code string) (*CodeGrant, error) {
	data, err := s.client.GetDel(ctx, codeGrantPrefix+code).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errorx.ErrInvalidGrant
		}
		return nil, err
	}

	var grant CodeGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, err
	}

	if grant.ExpiresAt < time.Now().Unix() {
		return nil, errorx.ErrInvalidGrant
	}
	return &grant, nil
}

// SaveRefreshToken saves a refresh token record
func (s *RedisStorage) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}

	ttl := time.Duration(token.ExpiresAt-time.Now().Unix()) * time.Second
	return s.client.Set(ctx, refreshTokenPrefix+token.Token, data, ttl).Err()
}

// GetRefreshToken retrieves a refresh token record
func (s *RedisStorage) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	data, err := s.client.Get(ctx, refreshTokenPrefix+token).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errorx.ErrInvalidGrant
		}
		return nil, err
	}

	var rt RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, err
	}

	if rt.ExpiresAt < time.Now().Unix() {
		s.client.Del(ctx, refreshTokenPrefix+token)
		return nil, errorx.ErrInvalidGrant
	}
	return &rt, nil
}

// DeleteRefreshToken deletes a refresh token record
func (s *RedisStorage) DeleteRefreshToken(ctx context.Context, token string) error {
	return s.client.Del(ctx, refreshTokenPrefix+token).Err()
}
