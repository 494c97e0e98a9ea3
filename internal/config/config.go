// Package config provides configuration management for the lock service.
package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultMaxPayloadSize is the default max body size for lock endpoints (16KB).
	DefaultMaxPayloadSize int64 = 16 * 1024

	// DefaultOwnerHeader carries the subject authenticated by the upstream proxy.
	DefaultOwnerHeader = "X-Authenticated-Subject"

	// DefaultBackend is used when LOCKER_BACKEND is unset.
	DefaultBackend = "memory"
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the gRPC health server port.
	GRPCPort string

	ServiceName string
	LogLevel    string
	LogPretty   bool

	// Backend selects the lock store: memory, postgres, dynamodb, etcd, firestore or redis.
	Backend string

	// MaxPayloadSize is the maximum request body size in bytes.
	MaxPayloadSize int64

	// OwnerHeader names the trusted header holding the caller identity.
	OwnerHeader string

	Maintenance MaintenanceConfig
	Firestore   FirestoreConfig
	DynamoDB    DynamoDBConfig
	Etcd        EtcdConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
}

// MaintenanceConfig configures leader election and the expired lock sweeper.
type MaintenanceConfig struct {
	// SweepIntervalSeconds of zero disables the sweeper.
	SweepIntervalSeconds int
	SweepGraceSeconds    int64
	ElectionLeaseSeconds int64
}

// FirestoreConfig configures the Firestore backend.
type FirestoreConfig struct {
	ProjectID   string
	Collection  string
	MaxAttempts int
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Table    string
	Region   string
	Endpoint string
}

// EtcdConfig configures the etcd backend.
type EtcdConfig struct {
	Endpoints        []string
	KeyPrefix        string
	MaxRetries       int
	RequestTimeoutMs int
	Username         string
	Password         string
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	Schema   string
	User     string
	Password string
	SSL      bool
	PoolSize int
	Table    string

	// ServerClock compares expiry against the database clock rather than
	// the service clock.
	ServerClock bool
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		GRPCPort:       getEnvOrDefault("GRPC_PORT", "9090"),
		ServiceName:    getEnvOrDefault("SERVICE_NAME", "lock-service"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:      getEnvBoolOrDefault("LOG_PRETTY", false),
		Backend:        strings.ToLower(getEnvOrDefault("LOCKER_BACKEND", DefaultBackend)),
		MaxPayloadSize: getEnvInt64OrDefault("MAX_PAYLOAD_SIZE", DefaultMaxPayloadSize),
		OwnerHeader:    getEnvOrDefault("OWNER_HEADER", DefaultOwnerHeader),
		Maintenance: MaintenanceConfig{
			SweepIntervalSeconds: getEnvIntOrDefault("SWEEP_INTERVAL_SECONDS", 300),
			SweepGraceSeconds:    getEnvInt64OrDefault("SWEEP_GRACE_SECONDS", 3600),
			ElectionLeaseSeconds: getEnvInt64OrDefault("ELECTION_LEASE_SECONDS", 30),
		},
		Firestore: FirestoreConfig{
			ProjectID:   os.Getenv("FIRESTORE_PROJECT_ID"),
			Collection:  getEnvOrDefault("FIRESTORE_COLLECTION", "locks"),
			MaxAttempts: getEnvIntOrDefault("FIRESTORE_MAX_ATTEMPTS", 5),
		},
		DynamoDB: DynamoDBConfig{
			Table:    getEnvOrDefault("DYNAMODB_TABLE", "locks"),
			Region:   os.Getenv("DYNAMODB_REGION"),
			Endpoint: os.Getenv("DYNAMODB_ENDPOINT"),
		},
		Etcd: EtcdConfig{
			Endpoints:        getEnvListOrDefault("ETCD_ENDPOINTS", []string{"localhost:2379"}),
			KeyPrefix:        getEnvOrDefault("ETCD_KEY_PREFIX", "locks/"),
			MaxRetries:       getEnvIntOrDefault("ETCD_MAX_RETRIES", 3),
			RequestTimeoutMs: getEnvIntOrDefault("ETCD_REQUEST_TIMEOUT_MS", 5000),
			Username:         os.Getenv("ETCD_USERNAME"),
			Password:         os.Getenv("ETCD_PASSWORD"),
		},
		Postgres: PostgresConfig{
			Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:     getEnvIntOrDefault("POSTGRES_PORT", 5432),
			Database: getEnvOrDefault("POSTGRES_DATABASE", "locks"),
			Schema:   getEnvOrDefault("POSTGRES_SCHEMA", "public"),
			User:     getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			SSL:      getEnvBoolOrDefault("POSTGRES_SSL", false),
			PoolSize: getEnvIntOrDefault("POSTGRES_POOL_SIZE", 10),
			Table:    getEnvOrDefault("POSTGRES_TABLE", "locks"),

			ServerClock: getEnvBoolOrDefault("POSTGRES_SERVER_CLOCK", true),
		},
		Redis: RedisConfig{
			Addr:      getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        getEnvIntOrDefault("REDIS_DB", 0),
			KeyPrefix: getEnvOrDefault("REDIS_KEY_PREFIX", "lock:"),
		},
	}

	return cfg
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as bool or the default if not set or invalid.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma separated environment variable.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
