package storage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"
)

// NewStore creates a new OAuth store based on configuration
func NewStore(logger *zap.Logger, cfg *config.StorageConfig) (Store, error) {
	logger.Info("Initializing OAuth storage", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(), nil
	case "redis":
		return NewRedisStorage(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case "database":
		return NewDatabaseStorage(&cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
