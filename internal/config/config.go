// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the video service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string        // bearer token for the status API (empty disables auth)
	SelfURL           string        // externally reachable base URL, embedded in render callbacks
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// StorageConfig selects and configures the persistence backends.
type StorageConfig struct {
	BlobBackend string // "fs" or "redis"
	DataDir     string // fs backend root
	JobBackend  string // "blob" or "postgres"
	PostgresURL string
	RedisAddr   string
	RedisDB     int
	LeaseTTL    time.Duration // per-job update lease duration
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretEnv("API_KEY"),
		SelfURL:           GetEnv("SELF_URL", "http://localhost:8080"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

// LoadStorageConfig loads storage configuration from environment variables.
func LoadStorageConfig() *StorageConfig {
	return &StorageConfig{
		BlobBackend: GetEnv("BLOB_BACKEND", "fs"),
		DataDir:     GetEnv("DATA_DIR", "./data"),
		JobBackend:  GetEnv("JOB_BACKEND", "blob"),
		PostgresURL: GetEnv("POSTGRES_URL", ""),
		RedisAddr:   GetEnv("REDIS_ADDR", ""),
		RedisDB:     GetIntEnv("REDIS_DB", 0),
		LeaseTTL:    GetDurationEnv("JOB_LEASE_TTL", 2*time.Minute),
	}
}
