// Package config loads kernel configuration from the environment and
// from YAML deployment profiles.
package config

import (
	"os"
	"strconv"
)

// Config holds process-level configuration.
type Config struct {
	LogLevel string

	// Storage backend: "memory", "sqlite", or "postgres".
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string

	// Stub payload storage: "file" or "s3".
	StubBackend string
	StubDir     string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string

	RedisAddr string

	OTLPEndpoint string

	// Kernel tunables; a profile overrides these when loaded.
	ShardCount    int
	QueueCapacity int
	TrailCapacity int
}

// Load reads configuration from environment variables, applying
// defaults suitable for a single-instance deployment.
func Load() *Config {
	return &Config{
		LogLevel:     envOr("LOG_LEVEL", "INFO"),
		StoreBackend: envOr("STORE_BACKEND", "sqlite"),
		SQLitePath:   envOr("SQLITE_PATH", "chronicle.db"),
		DatabaseURL:  envOr("DATABASE_URL", "postgres://chronicle@localhost:5432/chronicle?sslmode=disable"),
		StubBackend:  envOr("STUB_BACKEND", "file"),
		StubDir:      envOr("STUB_DIR", "stubs"),
		S3Bucket:     os.Getenv("S3_BUCKET"),
		S3Region:     envOr("S3_REGION", "us-east-1"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),

		ShardCount:    envInt("SHARD_COUNT", 16),
		QueueCapacity: envInt("QUEUE_CAPACITY", 1024),
		TrailCapacity: envInt("TRAIL_CAPACITY", 65536),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
