package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/errorx"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseStorage implements the Store interface on a SQL database via gorm
type DatabaseStorage struct {
	db *gorm.DB
}

// NewDatabaseStorage opens the configured database and migrates the schema
func NewDatabaseStorage(cfg *config.DatabaseConfig) (*DatabaseStorage, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "mysql":
		dialector = mysql.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := gormDB.AutoMigrate(&clientModel{}, &authRequestModel{}, &codeGrantModel{}, &refreshTokenModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DatabaseStorage{db: gormDB}, nil
}

// Close closes the database connection
func (s *DatabaseStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Database models. List-valued fields are stored as JSON text; the typed
// slices exist only on the domain structs and conversion happens here and
// nowhere else.

type clientModel struct {
	ClientID        string `gorm:"primaryKey;column:client_id"`
	Name            string `gorm:"column:client_name"`
	RedirectURIs    string `gorm:"type:text"`
	GrantTypes      string `gorm:"type:text"`
	ResponseTypes   string `gorm:"type:text"`
	TokenAuthMethod string
	Scope           string
	CreatedAt       int64
}

func (clientModel) TableName() string { return "oauth_clients" }

type authRequestModel struct {
	ID                  string `gorm:"primaryKey"`
	ClientID            string `gorm:"index"`
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           int64
	CreatedAt           int64
}

func (authRequestModel) TableName() string { return "authorization_requests" }

type codeGrantModel struct {
	Code                string `gorm:"primaryKey"`
	ClientID            string `gorm:"index"`
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	MusicUserToken      string `gorm:"type:text"`
	MusicRefreshToken   string `gorm:"type:text"`
	ExpiresAt           int64
	CreatedAt           int64
}

func (codeGrantModel) TableName() string { return "authorization_code_grants" }

type refreshTokenModel struct {
	Token             string `gorm:"primaryKey"`
	ClientID          string `gorm:"index"`
	Scope             string
	MusicUserToken    string `gorm:"type:text"`
	MusicRefreshToken string `gorm:"type:text"`
	ExpiresAt         int64
	CreatedAt         int64
}

func (refreshTokenModel) TableName() string { return "refresh_tokens" }

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func unmarshalList(data string) []string {
	if data == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil
	}
	return list
}

// CreateClient creates a new client
func (s *DatabaseStorage) CreateClient(ctx context.Context, client *Client) error {
	client.CreatedAt = time.Now().Unix()
	model := &clientModel{
		ClientID:        client.ID,
		Name:            client.Name,
		RedirectURIs:    marshalList(client.RedirectURIs),
		GrantTypes:      marshalList(client.GrantTypes),
		ResponseTypes:   marshalList(client.ResponseTypes),
		TokenAuthMethod: client.TokenAuthMethod,
		Scope:           client.Scope,
		CreatedAt:       client.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// GetClient retrieves a client by ID
func (s *DatabaseStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var model clientModel
	err := s.db.WithContext(ctx).First(&model, "client_id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorx.ErrInvalidClient
		}
		return nil, err
	}

	return &Client{
		ID:              model.ClientID,
		Name:            model.Name,
		RedirectURIs:    unmarshalList(model.RedirectURIs),
		GrantTypes:      unmarshalList(model.GrantTypes),
		ResponseTypes:   unmarshalList(model.ResponseTypes),
		TokenAuthMethod: model.TokenAuthMethod,
		Scope:           model.Scope,
		CreatedAt:       model.CreatedAt,
	}, nil
}

// SaveAuthorizationRequest saves a pending authorization request
func (s *DatabaseStorage) SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error {
	req.CreatedAt = time.Now().Unix()
	model := &authRequestModel{
		ID:                  req.ID,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           req.ExpiresAt,
		CreatedAt:           req.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// ConsumeAuthorizationRequest atomically removes and returns a pending
// authorization request. The transactional delete ensures at most one
// consent callback resolves a given request.
func (s *DatabaseStorage) ConsumeAuthorizationRequest(ctx context.Context, id string) (*AuthorizationRequest, error) {
	var model authRequestModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errorx.ErrInvalidGrant
			}
			return err
		}

		res := tx.Delete(&authRequestModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost the race to a concurrent consent callback
			return errorx.ErrInvalidGrant
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req := &AuthorizationRequest{
		ID:                  model.ID,
		ClientID:            model.ClientID,
		RedirectURI:         model.RedirectURI,
		Scope:               model.Scope,
		State:               model.State,
		CodeChallenge:       model.CodeChallenge,
		CodeChallengeMethod: model.CodeChallengeMethod,
		ExpiresAt:           model.ExpiresAt,
		CreatedAt:           model.CreatedAt,
	}
	if model.ExpiresAt < time.Now().Unix() {
		return req, errorx.ErrInvalidGrant
	}
	return req, nil
}

// SaveCodeGrant saves a code grant
func (s *DatabaseStorage) SaveCodeGrant(ctx context.Context, grant *CodeGrant) error {
	grant.CreatedAt = time.Now().Unix()
	model := &codeGrantModel{
		Code:                grant.Code,
		ClientID:            grant.ClientID,
		RedirectURI:         grant.RedirectURI,
		Scope:               grant.Scope,
		CodeChallenge:       grant.CodeChallenge,
		CodeChallengeMethod: grant.CodeChallengeMethod,
		MusicUserToken:      grant.MusicUserToken,
		MusicRefreshToken:   grant.MusicRefreshToken,
		ExpiresAt:           grant.ExpiresAt,
		CreatedAt:           grant.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// ConsumeCodeGrant atomically removes and returns a code grant. The
// transactional delete is the single-use gate: only the caller whose
// DELETE removes the row wins.
func (s *DatabaseStorage) ConsumeCodeGrant(ctx context.Context, code string) (*CodeGrant, error) {
	var model codeGrantModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "code = ?", code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errorx.ErrInvalidGrant
			}
			return err
		}

		res := tx.Delete(&codeGrantModel{}, "code = ?", code)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost the race to a concurrent redemption
			return errorx.ErrInvalidGrant
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if model.ExpiresAt < time.Now().Unix() {
		return nil, errorx.ErrInvalidGrant
	}

	return &CodeGrant{
		Code:                model.Code,
		ClientID:            model.ClientID,
		RedirectURI:         model.RedirectURI,
		Scope:               model.Scope,
		CodeChallenge:       model.CodeChallenge,
		CodeChallengeMethod: model.CodeChallengeMethod,
		MusicUserToken:      model.MusicUserToken,
		MusicRefreshToken:   model.MusicRefreshToken,
		ExpiresAt:           model.ExpiresAt,
		CreatedAt:           model.CreatedAt,
	}, nil
}

// SaveRefreshToken saves a refresh token record, replacing any existing
// row with the same token string
func (s *DatabaseStorage) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	model := &refreshTokenModel{
		Token:             token.Token,
		ClientID:          token.ClientID,
		Scope:             token.Scope,
		MusicUserToken:    token.MusicUserToken,
		MusicRefreshToken: token.MusicRefreshToken,
		ExpiresAt:         token.ExpiresAt,
		CreatedAt:         token.CreatedAt,
	}
	return s.db.WithContext(ctx).Save(model).Error
}

// GetRefreshToken retrieves a refresh token record
func (s *DatabaseStorage) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	var model refreshTokenModel
	err := s.db.WithContext(ctx).First(&model, "token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorx.ErrInvalidGrant
		}
		return nil, err
	}

	if model.ExpiresAt < time.Now().Unix() {
		s.db.WithContext(ctx).Delete(&refreshTokenModel{}, "token = ?", token)
		return nil, errorx.ErrInvalidGrant
	}

	return &RefreshToken{
		Token:             model.Token,
		ClientID:          model.ClientID,
		Scope:             model.Scope,
		MusicUserToken:    model.MusicUserToken,
		MusicRefreshToken: model.MusicRefreshToken,
		ExpiresAt:         model.ExpiresAt,
		CreatedAt:         model.CreatedAt,
	}, nil
}

// DeleteRefreshToken deletes a refresh token record
func (s *DatabaseStorage) DeleteRefreshToken(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Delete(&refreshTokenModel{}, "token = ?", token).Error
}
