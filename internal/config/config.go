// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds service configuration
type Config struct {
	ServiceName string
	Version     string
	Debug       bool
	LogLevel    string
	LogPretty   bool

	// ZeroMQ broker
	ZMQBindAddress  string
	ZMQFrontendPort int
	ZMQBackendPort  int

	// Monitoring API
	HTTPHost string
	HTTPPort int

	// Workers
	WorkerCount       int
	WorkerTimeout     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatStale    int // stale factor: intervals without a heartbeat before unhealthy

	// Persistence
	StorePath            string
	MetricsInterval      time.Duration
	MetricsRetentionDays int
	MetricsWindow        int

	// Cache (optional)
	CacheHost     string
	CachePort     int
	CacheDB       int
	CachePassword string

	// Backup (optional, disabled unless bucket is set)
	BackupBucket    string
	BackupEndpoint  string
	BackupAccessKey string
	BackupSecretKey string
	BackupRetain    int
}

// Load reads configuration from environment variables (.env honored)
func Load() (*Config, error) {
	_ = godotenv.Load()

	storePath := getEnv("TACORE_STORE_PATH", "")
	if storePath == "" {
		dataDir := getEnv("TACORE_DATA_DIR", "./data")
		storePath = filepath.Join(dataDir, "tacore.db")
	}
	absStorePath, err := filepath.Abs(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absStorePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("TACORE_SERVICE_NAME", "TACoreService"),
		Version:     getEnv("TACORE_VERSION", "dev"),
		Debug:       getEnvAsBool("TACORE_DEBUG", false),
		LogLevel:    getEnv("TACORE_LOG_LEVEL", "info"),
		LogPretty:   getEnvAsBool("TACORE_LOG_PRETTY", true),

		ZMQBindAddress:  getEnv("TACORE_ZMQ_BIND_ADDRESS", "*"),
		ZMQFrontendPort: getEnvAsInt("TACORE_ZMQ_FRONTEND_PORT", 5555),
		ZMQBackendPort:  getEnvAsInt("TACORE_ZMQ_BACKEND_PORT", 5556),

		HTTPHost: getEnv("TACORE_HTTP_HOST", "0.0.0.0"),
		HTTPPort: getEnvAsInt("TACORE_HTTP_PORT", 8000),

		WorkerCount:       getEnvAsInt("TACORE_WORKER_COUNT", 4),
		WorkerTimeout:     time.Duration(getEnvAsInt("TACORE_WORKER_TIMEOUT_SECONDS", 30)) * time.Second,
		HeartbeatInterval: time.Duration(getEnvAsInt("TACORE_HEARTBEAT_INTERVAL_SECONDS", 5)) * time.Second,
		HeartbeatStale:    getEnvAsInt("TACORE_HEARTBEAT_STALE_FACTOR", 3),

		StorePath:            absStorePath,
		MetricsInterval:      time.Duration(getEnvAsInt("TACORE_METRICS_COLLECTION_INTERVAL_SECONDS", 5)) * time.Second,
		MetricsRetentionDays: getEnvAsInt("TACORE_METRICS_RETENTION_DAYS", 7),
		MetricsWindow:        getEnvAsInt("TACORE_METRICS_WINDOW", 1000),

		CacheHost:     getEnv("TACORE_CACHE_HOST", ""),
		CachePort:     getEnvAsInt("TACORE_CACHE_PORT", 6379),
		CacheDB:       getEnvAsInt("TACORE_CACHE_DB", 0),
		CachePassword: getEnv("TACORE_CACHE_PASSWORD", ""),

		BackupBucket:    getEnv("TACORE_BACKUP_BUCKET", ""),
		BackupEndpoint:  getEnv("TACORE_BACKUP_ENDPOINT", ""),
		BackupAccessKey: getEnv("TACORE_BACKUP_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("TACORE_BACKUP_SECRET_KEY", ""),
		BackupRetain:    getEnvAsInt("TACORE_BACKUP_RETAIN", 14),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.ZMQFrontendPort == c.ZMQBackendPort {
		return fmt.Errorf("zmq frontend and backend ports must differ (both %d)", c.ZMQFrontendPort)
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("worker count must be >= 0, got %d", c.WorkerCount)
	}
	if c.HeartbeatStale < 1 {
		return fmt.Errorf("heartbeat stale factor must be >= 1, got %d", c.HeartbeatStale)
	}
	if c.MetricsRetentionDays < 1 {
		return fmt.Errorf("metrics retention must be >= 1 day, got %d", c.MetricsRetentionDays)
	}
	return nil
}

// FrontendEndpoint returns the client-facing ZMQ bind endpoint
func (c *Config) FrontendEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", c.ZMQBindAddress, c.ZMQFrontendPort)
}

// BackendEndpoint returns the worker-facing ZMQ bind endpoint
func (c *Config) BackendEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", c.ZMQBindAddress, c.ZMQBackendPort)
}

// BackupEnabled reports whether backup uploads are configured
func (c *Config) BackupEnabled() bool {
	return c.BackupBucket != ""
}

// CacheEnabled reports whether a cache backend is configured
func (c *Config) CacheEnabled() bool {
	return c.CacheHost != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
