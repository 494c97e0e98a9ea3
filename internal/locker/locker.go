// Package locker selects and connects the configured lock backend.
package locker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/config"
	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/locker/dynamodb"
	"github.com/kneutral-org/lock-service/internal/locker/etcd"
	"github.com/kneutral-org/lock-service/internal/locker/firestore"
	"github.com/kneutral-org/lock-service/internal/locker/memory"
	"github.com/kneutral-org/lock-service/internal/locker/postgres"
	"github.com/kneutral-org/lock-service/internal/locker/redis"
)

// ErrUnknownBackend is returned for an unsupported LOCKER_BACKEND value.
var ErrUnknownBackend = errors.New("unknown lock backend")

// Backend is a connected lock store and the function releasing its client.
type Backend struct {
	lock.Service
	Close func() error
}

func noClose() error { return nil }

// Open connects the backend named by cfg.Backend.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Backend, error) {
	switch cfg.Backend {
	case memory.Name:
		return &Backend{Service: memory.NewStore(), Close: noClose}, nil
	case postgres.Name:
		return openPostgres(ctx, cfg.Postgres, logger)
	case dynamodb.Name:
		return openDynamoDB(ctx, cfg.DynamoDB, logger)
	case etcd.Name:
		return openEtcd(cfg.Etcd, logger)
	case firestore.Name:
		return openFirestore(ctx, cfg.Firestore, logger)
	case redis.Name:
		return openRedis(cfg.Redis, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*Backend, error) {
	db, err := postgres.Open(ctx, postgres.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		Schema:   cfg.Schema,
		User:     cfg.User,
		Password: cfg.Password,
		SSL:      cfg.SSL,
		PoolSize: int32(cfg.PoolSize),
	})
	if err != nil {
		return nil, err
	}

	store, err := newPostgresStore(ctx, db, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{Service: store, Close: db.Close}, nil
}

func newPostgresStore(ctx context.Context, db *sql.DB, cfg config.PostgresConfig, logger zerolog.Logger) (*postgres.Store, error) {
	opts := []postgres.Option{postgres.WithTable(cfg.Table), postgres.WithLogger(logger)}
	if cfg.ServerClock {
		opts = append(opts, postgres.WithServerClock())
	}

	store, err := postgres.NewStore(db, opts...)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func openDynamoDB(ctx context.Context, cfg config.DynamoDBConfig, logger zerolog.Logger) (*Backend, error) {
	client, err := dynamodb.NewClient(ctx, cfg.Region, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	store := dynamodb.NewStore(client, dynamodb.WithTable(cfg.Table), dynamodb.WithLogger(logger))
	return &Backend{Service: store, Close: noClose}, nil
}

func openEtcd(cfg config.EtcdConfig, logger zerolog.Logger) (*Backend, error) {
	client, err := etcd.NewClient(etcd.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	store := etcd.NewStore(client,
		etcd.WithKeyPrefix(cfg.KeyPrefix),
		etcd.WithMaxRetries(cfg.MaxRetries),
		etcd.WithRequestTimeout(time.Duration(cfg.RequestTimeoutMs)*time.Millisecond),
		etcd.WithLogger(logger),
	)
	return &Backend{Service: store, Close: client.Close}, nil
}

func openFirestore(ctx context.Context, cfg config.FirestoreConfig, logger zerolog.Logger) (*Backend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	store := firestore.NewStore(client,
		firestore.WithCollection(cfg.Collection),
		firestore.WithMaxAttempts(cfg.MaxAttempts),
		firestore.WithLogger(logger),
	)
	return &Backend{Service: store, Close: client.Close}, nil
}

func openRedis(cfg config.RedisConfig, logger zerolog.Logger) *Backend {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	store := redis.NewStore(client, redis.WithKeyPrefix(cfg.KeyPrefix), redis.WithLogger(logger))
	return &Backend{Service: store, Close: client.Close}
}
