package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "GRPC_PORT", "LOCKER_BACKEND", "MAX_PAYLOAD_SIZE", "OWNER_HEADER", "ETCD_ENDPOINTS", "LOG_PRETTY", "POSTGRES_SERVER_CLOCK"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port '8080', got '%s'", cfg.Port)
	}

	if cfg.GRPCPort != "9090" {
		t.Errorf("expected default gRPC port '9090', got '%s'", cfg.GRPCPort)
	}

	if cfg.Backend != DefaultBackend {
		t.Errorf("expected default backend %q, got %q", DefaultBackend, cfg.Backend)
	}

	if cfg.MaxPayloadSize != DefaultMaxPayloadSize {
		t.Errorf("expected default payload size %d, got %d", DefaultMaxPayloadSize, cfg.MaxPayloadSize)
	}

	if cfg.OwnerHeader != DefaultOwnerHeader {
		t.Errorf("expected default owner header %q, got %q", DefaultOwnerHeader, cfg.OwnerHeader)
	}

	if cfg.LogPretty {
		t.Error("expected LogPretty to default to false")
	}

	if cfg.Etcd.KeyPrefix != "locks/" || cfg.Etcd.MaxRetries != 3 || cfg.Etcd.RequestTimeoutMs != 5000 {
		t.Errorf("unexpected etcd defaults: %+v", cfg.Etcd)
	}

	if len(cfg.Etcd.Endpoints) != 1 || cfg.Etcd.Endpoints[0] != "localhost:2379" {
		t.Errorf("unexpected etcd endpoints: %v", cfg.Etcd.Endpoints)
	}

	if cfg.Firestore.MaxAttempts != 5 {
		t.Errorf("expected firestore max attempts 5, got %d", cfg.Firestore.MaxAttempts)
	}

	if cfg.Postgres.Port != 5432 || cfg.Postgres.Table != "locks" || cfg.Postgres.Schema != "public" {
		t.Errorf("unexpected postgres defaults: %+v", cfg.Postgres)
	}

	if !cfg.Postgres.ServerClock {
		t.Error("expected postgres to compare against the database clock by default")
	}
}

func TestLoad_PostgresServiceClock(t *testing.T) {
	t.Setenv("POSTGRES_SERVER_CLOCK", "false")

	cfg := Load()

	if cfg.Postgres.ServerClock {
		t.Error("expected POSTGRES_SERVER_CLOCK=false to select the service clock")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOCKER_BACKEND", "ETCD")
	t.Setenv("MAX_PAYLOAD_SIZE", "2048")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("ETCD_ENDPOINTS", "etcd-0:2379, etcd-1:2379,,")
	t.Setenv("ETCD_MAX_RETRIES", "5")
	t.Setenv("POSTGRES_SSL", "1")
	t.Setenv("POSTGRES_POOL_SIZE", "25")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "0")

	cfg := Load()

	if cfg.Port != "9000" {
		t.Errorf("expected port '9000', got '%s'", cfg.Port)
	}

	if cfg.Backend != "etcd" {
		t.Errorf("expected backend to be lower-cased, got %q", cfg.Backend)
	}

	if cfg.MaxPayloadSize != 2048 {
		t.Errorf("expected payload size 2048, got %d", cfg.MaxPayloadSize)
	}

	if !cfg.LogPretty {
		t.Error("expected LogPretty true")
	}

	if len(cfg.Etcd.Endpoints) != 2 || cfg.Etcd.Endpoints[1] != "etcd-1:2379" {
		t.Errorf("unexpected etcd endpoints: %v", cfg.Etcd.Endpoints)
	}

	if cfg.Etcd.MaxRetries != 5 {
		t.Errorf("expected etcd max retries 5, got %d", cfg.Etcd.MaxRetries)
	}

	if !cfg.Postgres.SSL || cfg.Postgres.PoolSize != 25 {
		t.Errorf("unexpected postgres config: %+v", cfg.Postgres)
	}

	if cfg.Redis.DB != 3 {
		t.Errorf("expected redis db 3, got %d", cfg.Redis.DB)
	}

	if cfg.Maintenance.SweepIntervalSeconds != 0 {
		t.Errorf("expected sweeper disabled, got %d", cfg.Maintenance.SweepIntervalSeconds)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("MAX_PAYLOAD_SIZE", "invalid")
	t.Setenv("ETCD_MAX_RETRIES", "not-a-number")
	t.Setenv("LOG_PRETTY", "maybe")

	cfg := Load()

	// Should fall back to defaults for invalid values
	if cfg.MaxPayloadSize != DefaultMaxPayloadSize {
		t.Errorf("expected default for invalid payload size, got %d", cfg.MaxPayloadSize)
	}

	if cfg.Etcd.MaxRetries != 3 {
		t.Errorf("expected default for invalid etcd retries, got %d", cfg.Etcd.MaxRetries)
	}

	if cfg.LogPretty {
		t.Error("expected default for invalid bool")
	}
}

func TestGetEnvListOrDefault(t *testing.T) {
	t.Setenv("TEST_LIST", " , ")

	got := getEnvListOrDefault("TEST_LIST", []string{"fallback"})
	if len(got) != 1 || got[0] != "fallback" {
		t.Errorf("expected fallback for blank list, got %v", got)
	}
}
