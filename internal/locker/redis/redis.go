// Package redis provides a lock backend on Redis. Each operation runs as one
// Lua script so the check and the write happen atomically on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
)

// Name is the backend name reported in logs and metrics.
const Name = "redis"

// DefaultKeyPrefix is prepended to every lock key.
const DefaultKeyPrefix = "lock:"

// expiryGrace keeps a key alive one second past its expiry so a lock whose
// expiry equals now is still found.
const expiryGrace = 1

// acquireScript stores the lock unless a different holder has it live.
// Returns 0 on conflict, 1 when created and 2 when an existing lock was replaced.
var acquireScript = redis.NewScript(`
	local cur = redis.call("HMGET", KEYS[1], "owner", "instanceId", "expiry")
	if cur[3] then
		if tonumber(cur[3]) >= tonumber(ARGV[5]) and (cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2]) then
			return 0
		end
	end
	redis.call("HSET", KEYS[1],
		"namespace", ARGV[6], "lockName", ARGV[7],
		"owner", ARGV[1], "instanceId", ARGV[2],
		"leaseDuration", ARGV[3], "expiry", ARGV[4])
	redis.call("EXPIRE", KEYS[1], ARGV[8])
	if cur[3] then
		return 2
	end
	return 1
`)

// renewScript adds the delta to a live lock held by the caller.
// Returns {status, leaseDuration, expiry}; status is 1 on success, -1 when
// missing, -2 on a different holder and -3 when expired.
var renewScript = redis.NewScript(`
	local cur = redis.call("HMGET", KEYS[1], "owner", "instanceId", "expiry")
	if not cur[3] then
		return {-1, 0, 0}
	end
	if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
		return {-2, 0, 0}
	end
	if tonumber(cur[3]) < tonumber(ARGV[4]) then
		return {-3, 0, 0}
	end
	local lease = redis.call("HINCRBY", KEYS[1], "leaseDuration", ARGV[3])
	local expiry = redis.call("HINCRBY", KEYS[1], "expiry", ARGV[3])
	redis.call("EXPIRE", KEYS[1], expiry - tonumber(ARGV[4]) + tonumber(ARGV[5]))
	return {1, lease, expiry}
`)

// releaseScript deletes the lock when it is missing, held by the caller or expired.
// Returns 0 on conflict, 1 when missing, 2 when released and 3 when expired.
var releaseScript = redis.NewScript(`
	local cur = redis.call("HMGET", KEYS[1], "owner", "instanceId", "expiry")
	if not cur[3] then
		return 1
	end
	if cur[1] == ARGV[1] and cur[2] == ARGV[2] then
		redis.call("DEL", KEYS[1])
		return 2
	end
	if tonumber(cur[3]) < tonumber(ARGV[3]) then
		redis.call("DEL", KEYS[1])
		return 3
	end
	return 0
`)

// Store is a Redis implementation of lock.Service.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets a custom key prefix for lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
	}
}

// WithLogger sets the logger used for backend errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Redis-backed lock store.
func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "locker").Str("backend", Name).Logger()
	return s
}

// Name returns the backend name.
func (s *Store) Name() string {
	return Name
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(namespace, lockName string) string {
	return s.keyPrefix + lock.Key(namespace, lockName)
}

// GetLock returns the stored hash as a record, or nil if it is missing or
// the read fails.
func (s *Store) GetLock(ctx context.Context, namespace, lockName string) (*lock.Record, error) {
	if err := lock.ValidateKey(namespace, lockName); err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, s.key(namespace, lockName)).Result()
	if err == nil && len(fields) == 0 {
		return nil, nil
	}

	var rec *lock.Record
	if err == nil {
		rec, err = decode(fields)
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("namespace", namespace).
			Str("lockName", lockName).
			Msg("failed to get lock")
		return nil, nil
	}
	return rec, nil
}

func decode(fields map[string]string) (*lock.Record, error) {
	lease, err := strconv.ParseInt(fields["leaseDuration"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode leaseDuration: %w", err)
	}
	expiry, err := strconv.ParseInt(fields["expiry"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode expiry: %w", err)
	}
	return &lock.Record{
		Namespace:     fields["namespace"],
		LockName:      fields["lockName"],
		Owner:         fields["owner"],
		InstanceID:    fields["instanceId"],
		LeaseDuration: lease,
		Expiry:        expiry,
	}, nil
}

// keyTTL is how long Redis keeps a key whose lock expires at expiry.
func keyTTL(expiry, now int64) int64 {
	ttl := expiry - now
	if ttl < 1 {
		ttl = 1
	}
	return ttl + expiryGrace
}

// AcquireLock takes the lock if it is absent, expired or already held by the requester.
func (s *Store) AcquireLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	status, err := acquireScript.Run(ctx, s.client, []string{s.key(req.Namespace, req.LockName)},
		req.Owner, req.InstanceID, req.LeaseDuration, req.Expiry, now,
		req.Namespace, req.LockName, keyTTL(req.Expiry, now),
	).Int64()
	if err != nil {
		s.logError(err, req, "failed to acquire lock")
		return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireError), nil
	}

	if status == 0 {
		return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireConflict), nil
	}
	return lock.Acquired(req, status == 2), nil
}

// RenewLock adds the requested delta to the stored lease and expiry.
func (s *Store) RenewLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	values, err := renewScript.Run(ctx, s.client, []string{s.key(req.Namespace, req.LockName)},
		req.Owner, req.InstanceID, req.LeaseDuration, now, expiryGrace,
	).Int64Slice()
	if err == nil && len(values) != 3 {
		err = errors.New("unexpected renew script reply")
	}
	if err != nil {
		s.logError(err, req, "failed to renew lock")
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewError), nil
	}

	switch values[0] {
	case -1:
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewNotFound), nil
	case -2:
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewMismatch), nil
	case -3:
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewExpired), nil
	}

	rec := req.Clone()
	rec.LeaseDuration = values[1]
	rec.Expiry = values[2]
	return lock.NewResult(rec, lock.ActionRenew).Succeeded(lock.OutcomeRenewed), nil
}

// ReleaseLock deletes the lock unless another holder has it live.
func (s *Store) ReleaseLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	status, err := releaseScript.Run(ctx, s.client, []string{s.key(req.Namespace, req.LockName)},
		req.Owner, req.InstanceID, now,
	).Int64()
	if err != nil {
		s.logError(err, req, "failed to release lock")
		return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseError), nil
	}

	switch status {
	case 1:
		return lock.Released(req, lock.OutcomeReleasedNotFound), nil
	case 2:
		return lock.Released(req, lock.OutcomeReleased), nil
	case 3:
		return lock.Released(req, lock.OutcomeReleasedExpired), nil
	}
	return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseConflict), nil
}

func (s *Store) logError(err error, req *lock.Record, msg string) {
	s.logger.Error().Err(err).
		Str("namespace", req.Namespace).
		Str("lockName", req.LockName).
		Msg(msg)
}
