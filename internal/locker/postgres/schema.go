package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Config holds connection settings for the lock database.
type Config struct {
	Host     string
	Port     int
	Database string
	Schema   string
	User     string
	Password string
	SSL      bool
	PoolSize int32
}

// DSN renders the connection string for the config.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}

	q := url.Values{}
	if c.SSL {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	if c.Schema != "" {
		q.Set("search_path", c.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Open creates a pgx connection pool and exposes it as a *sql.DB.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = cfg.PoolSize
	}
	poolCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return stdlib.OpenDBFromPool(pool), nil
}

// EnsureSchema creates the lock table and its expiry index if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace VARCHAR(64) NOT NULL,
				lock_name VARCHAR(64) NOT NULL,
				owner TEXT NOT NULL,
				instance_id TEXT NOT NULL,
				lease_duration BIGINT NOT NULL,
				expiry BIGINT NOT NULL,
				PRIMARY KEY (namespace, lock_name)
			)
		`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_expiry_idx ON %[1]s (expiry)`, s.table),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure lock schema: %w", err)
		}
	}
	return nil
}
