package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// APIServerConfig is the root configuration for the authorization server
	APIServerConfig struct {
		Server  ServerConfig  `yaml:"server"`
		Logger  LoggerConfig  `yaml:"logger"`
		Storage StorageConfig `yaml:"storage"`
		OAuth   OAuthConfig   `yaml:"oauth"`
		Apple   AppleConfig   `yaml:"apple"`
		Tracing TracingConfig `yaml:"tracing"`
		Metrics MetricsConfig `yaml:"metrics"`
	}

	// ServerConfig represents the HTTP server configuration
	ServerConfig struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}

	// StorageConfig selects the backing store for OAuth state
	StorageConfig struct {
		Type     string         `yaml:"type"` // "memory", "redis" or "database"
		Redis    RedisConfig    `yaml:"redis"`
		Database DatabaseConfig `yaml:"database"`
	}

	// RedisConfig represents the Redis connection configuration
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// DatabaseConfig represents the SQL database configuration
	DatabaseConfig struct {
		Type     string `yaml:"type"`     // mysql, postgres, sqlite
		Host     string `yaml:"host"`     // localhost
		Port     int    `yaml:"port"`     // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user"`     // root (for mysql), postgres (for postgres)
		Password string `yaml:"password"` // password
		DBName   string `yaml:"dbname"`   // database name, or file path for sqlite
		SSLMode  string `yaml:"sslmode"`  // disable (for postgres)
	}

	// OAuthConfig represents the authorization server configuration
	OAuthConfig struct {
		Issuer                    string        `yaml:"issuer"` // external base URL of this server
		JWTSecretKey              string        `yaml:"jwt_secret_key"`
		TokenEncryptionKey        string        `yaml:"token_encryption_key"`
		AccessTokenLifetime       time.Duration `yaml:"access_token_lifetime"`
		RefreshTokenLifetime      time.Duration `yaml:"refresh_token_lifetime"`
		AuthorizationCodeLifetime time.Duration `yaml:"authorization_code_lifetime"`
		RotateRefreshTokens       bool          `yaml:"rotate_refresh_tokens"`
	}

	// AppleConfig represents the Apple Music upstream configuration
	AppleConfig struct {
		TeamID         string `yaml:"team_id"`
		KeyID          string `yaml:"key_id"`
		PrivateKeyPath string `yaml:"private_key_path"`
		ClientID       string `yaml:"client_id"`
		ClientSecret   string `yaml:"client_secret"`
	}

	// TracingConfig represents OpenTelemetry tracing configuration
	TracingConfig struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		Endpoint    string  `yaml:"endpoint"` // e.g. localhost:4317 or http://localhost:4318
		Protocol    string  `yaml:"protocol"` // grpc or http
		Insecure    bool    `yaml:"insecure"`
		SamplerRate float64 `yaml:"sampler_rate"` // 0.0~1.0
		Environment string  `yaml:"environment"`  // env tag: dev/staging/prod
	}

	// MetricsConfig represents the Prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	case "sqlite":
		if dir := filepath.Dir(c.DBName); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				panic(fmt.Errorf("failed to create directory for sqlite database: %w", err))
			}
		}
		return c.DBName // For SQLite, DBName is the file path
	default:
		return ""
	}
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*APIServerConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg APIServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	setDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, cfgPath, err
	}

	return &cfg, cfgPath, nil
}

// setDefaults fills in defaults for optional settings
func setDefaults(cfg *APIServerConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.OAuth.Issuer == "" {
		cfg.OAuth.Issuer = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.OAuth.AccessTokenLifetime <= 0 {
		cfg.OAuth.AccessTokenLifetime = time.Hour
	}
	if cfg.OAuth.RefreshTokenLifetime <= 0 {
		cfg.OAuth.RefreshTokenLifetime = 30 * 24 * time.Hour
	}
	if cfg.OAuth.AuthorizationCodeLifetime <= 0 {
		cfg.OAuth.AuthorizationCodeLifetime = 10 * time.Minute
	}
}

// validate rejects configurations that cannot produce a working server
func validate(cfg *APIServerConfig) error {
	if cfg.OAuth.JWTSecretKey == "" {
		return fmt.Errorf("oauth.jwt_secret_key is required")
	}
	if cfg.OAuth.TokenEncryptionKey == "" {
		return fmt.Errorf("oauth.token_encryption_key is required")
	}
	return nil
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
