package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// WriteTimeout is the HTTP server's response write deadline. Ingest batches
// must finish inside it.
const WriteTimeout = 30 * time.Second

// Config holds all configuration for the errtrack server.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Redis    RedisConfig
	API      APIConfig
	Ingest   IngestConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StorageConfig struct {
	Driver string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type APIConfig struct {
	RequestsPerMin int
}

// IngestConfig controls the public error ingestion endpoint. PersistTimeout
// bounds one report; BatchTimeout bounds all reports of one request, and
// reports still pending when it passes are dropped.
type IngestConfig struct {
	Enabled         bool
	RateLimitWindow time.Duration
	RateLimitMax    int
	PersistTimeout  time.Duration
	BatchTimeout    time.Duration
	MaxBodyBytes    int64
	MaxBatch        int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ERRTRACK_PORT", 8080),
			Env:  envString("ERRTRACK_ENV", "development"),
		},
		Storage: StorageConfig{
			Driver: envString("STORAGE_DRIVER", DriverPostgres),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		API: APIConfig{
			RequestsPerMin: envInt("API_RATE_LIMIT_PER_MIN", 60),
		},
		Ingest: IngestConfig{
			Enabled:         envBool("INGEST_ENABLED", true),
			RateLimitWindow: envDuration("INGEST_RATE_LIMIT_WINDOW", time.Minute),
			RateLimitMax:    envInt("INGEST_RATE_LIMIT_MAX", 100),
			PersistTimeout:  envDuration("INGEST_PERSIST_TIMEOUT", 5*time.Second),
			BatchTimeout:    envDuration("INGEST_BATCH_TIMEOUT", 20*time.Second),
			MaxBodyBytes:    int64(envInt("INGEST_MAX_BODY_BYTES", 1<<20)),
			MaxBatch:        envInt("INGEST_MAX_BATCH", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings. Tools that talk to Postgres
// directly use it so they do not need the server's Redis configuration.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	if db.URL == "" {
		return db, fmt.Errorf("DATABASE_URL is required")
	}
	if err := db.validate(); err != nil {
		return db, err
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
	}
}

func (d DatabaseConfig) validate() error {
	if !strings.HasPrefix(d.URL, "postgres://") && !strings.HasPrefix(d.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is postgres")
		}
		if err := c.Database.validate(); err != nil {
			return err
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when STORAGE_DRIVER is postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of postgres, memory; got %q", c.Storage.Driver)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Ingest.RateLimitWindow <= 0 {
		return fmt.Errorf("INGEST_RATE_LIMIT_WINDOW must be positive")
	}
	if c.Ingest.RateLimitMax <= 0 {
		return fmt.Errorf("INGEST_RATE_LIMIT_MAX must be positive")
	}
	if c.Ingest.PersistTimeout <= 0 {
		return fmt.Errorf("INGEST_PERSIST_TIMEOUT must be positive")
	}
	if c.Ingest.BatchTimeout <= 0 || c.Ingest.BatchTimeout >= WriteTimeout {
		return fmt.Errorf("INGEST_BATCH_TIMEOUT must be positive and below %s", WriteTimeout)
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("INGEST_MAX_BODY_BYTES must be positive")
	}
	if c.Ingest.MaxBatch <= 0 {
		return fmt.Errorf("INGEST_MAX_BATCH must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
