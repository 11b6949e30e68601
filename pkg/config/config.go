// Package config loads the indexer service configuration from compiled-in
// defaults, an optional YAML file, .env, and environment variables, in that
// order of increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// NodeConfig controls the block-producing node client (internal/nodeclient).
type NodeConfig struct {
	Endpoint       string  `json:"endpoint" yaml:"endpoint" env:"NODE_ENDPOINT"`
	PollInterval   int     `json:"poll_interval_ms" yaml:"poll_interval_ms" env:"NODE_POLL_INTERVAL_MS"`
	BatchSize      int     `json:"batch_size" yaml:"batch_size" env:"NODE_BATCH_SIZE"`
	RequestsPerSec float64 `json:"requests_per_sec" yaml:"requests_per_sec" env:"NODE_REQUESTS_PER_SEC"`
	MaxRetries     int     `json:"max_retries" yaml:"max_retries" env:"NODE_MAX_RETRIES"`
}

// ControlConfig controls the service control loop's external request channel
// (internal/control, pkg/pgnotify).
type ControlConfig struct {
	Channel          string `json:"channel" yaml:"channel" env:"CONTROL_CHANNEL"`
	IdleWaitMS       int    `json:"idle_wait_ms" yaml:"idle_wait_ms" env:"CONTROL_IDLE_WAIT_MS"`
	MaxBatchRetries  int    `json:"max_batch_retries" yaml:"max_batch_retries" env:"CONTROL_MAX_BATCH_RETRIES"`
	HousekeepingCron string `json:"housekeeping_cron" yaml:"housekeeping_cron" env:"CONTROL_HOUSEKEEPING_CRON"`
}

// AuthConfig controls operator authentication for the control endpoints.
type AuthConfig struct {
	JWTSecret          string `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	NonceTTLSeconds    int    `json:"nonce_ttl_seconds" yaml:"nonce_ttl_seconds" env:"AUTH_NONCE_TTL_SECONDS"`
	TokenExpirySeconds int    `json:"token_expiry_seconds" yaml:"token_expiry_seconds" env:"AUTH_TOKEN_EXPIRY_SECONDS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Node     NodeConfig     `json:"node" yaml:"node"`
	Control  ControlConfig  `json:"control" yaml:"control"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "127.0.0.1",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Node: NodeConfig{
			Endpoint:       "http://127.0.0.1:4000",
			PollInterval:   500,
			BatchSize:      10,
			RequestsPerSec: 20,
			MaxRetries:     5,
		},
		Control: ControlConfig{
			Channel:          "indexer_control",
			IdleWaitMS:       2000,
			MaxBatchRetries:  5,
			HousekeepingCron: "*/5 * * * *",
		},
		Auth: AuthConfig{
			NonceTTLSeconds:    300,
			TokenExpirySeconds: 3600,
		},
	}
}

// ConnectionString returns the DSN if one was supplied directly, otherwise a
// PostgreSQL connection string built from host parameters.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride lets a single DATABASE_URL override any file-based
// DSN, reducing setup friction for containerized deployments.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
