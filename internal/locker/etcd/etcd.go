// Package etcd provides a lock backend on etcd. Decisions are made client
// side and committed with a compare-and-swap on the key's revision. The key
// is attached to a lease so etcd deletes it once the lock lapses.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/metrics"
)

// Name is the backend name reported in logs and metrics.
const Name = "etcd"

// Defaults.
const (
	DefaultKeyPrefix      = "locks/"
	DefaultMaxRetries     = 3
	DefaultRequestTimeout = 5 * time.Second
)

// Store is an etcd implementation of lock.Service.
type Store struct {
	kv             kv
	prefix         string
	maxRetries     int
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the prefix prepended to every lock key.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithMaxRetries sets how many times a failed compare-and-swap is retried.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRequestTimeout bounds each individual etcd call.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithLogger sets the logger used for backend errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an etcd-backed lock store.
func NewStore(client *clientv3.Client, opts ...Option) *Store {
	return newStore(&clientKV{client: client}, opts...)
}

func newStore(kv kv, opts ...Option) *Store {
	s := &Store{
		kv:             kv,
		prefix:         DefaultKeyPrefix,
		maxRetries:     DefaultMaxRetries,
		requestTimeout: DefaultRequestTimeout,
		logger:         zerolog.Nop(),
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

// Ping checks that the cluster answers reads.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return s.kv.ping(ctx)
}

func (s *Store) key(namespace, lockName string) string {
	return s.prefix + lock.Key(namespace, lockName)
}

// leaseTTL is the number of seconds until expiry, at least one.
func leaseTTL(expiry, now int64) int64 {
	if ttl := expiry - now; ttl > 0 {
		return ttl
	}
	return 1
}

// GetLock returns the stored record, or nil if there is none or the read fails.
func (s *Store) GetLock(ctx context.Context, namespace, lockName string) (*lock.Record, error) {
	if err := lock.ValidateKey(namespace, lockName); err != nil {
		return nil, err
	}

	rec, _, err := s.read(ctx, s.key(namespace, lockName))
	if err != nil {
		s.logger.Error().Err(err).
			Str("namespace", namespace).
			Str("lockName", lockName).
			Msg("failed to get lock")
		return nil, nil
	}
	return rec, nil
}

func (s *Store) read(ctx context.Context, key string) (*lock.Record, *entry, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	e, err := s.kv.get(callCtx, key)
	if err != nil || e == nil {
		return nil, nil, err
	}

	rec := &lock.Record{}
	if err := json.Unmarshal(e.value, rec); err != nil {
		return nil, nil, fmt.Errorf("decode lock %s: %w", key, err)
	}
	return rec, e, nil
}

// plan is the client-side decision for one attempt. Exactly one of result,
// put or remove is set.
type plan struct {
	result  *lock.Result
	put     *lock.Record
	remove  bool
	success func() *lock.Result
}

// AcquireLock takes the lock if it is absent, expired or already held by the requester.
func (s *Store) AcquireLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	return s.run(ctx, req, now, "acquire", lock.ActionAcquire, lock.OutcomeAcquireError, lock.OutcomeAcquireMaxRetries,
		func(cur *lock.Record) plan {
			if cur != nil && cur.IsActive(now) && !cur.HeldBy(req) {
				return plan{result: lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireConflict)}
			}
			return plan{
				put:     req,
				success: func() *lock.Result { return lock.Acquired(req, cur != nil) },
			}
		}), nil
}

// RenewLock adds the requested delta to the stored lease and expiry.
func (s *Store) RenewLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	return s.run(ctx, req, now, "renew", lock.ActionRenew, lock.OutcomeRenewError, lock.OutcomeRenewMaxRetries,
		func(cur *lock.Record) plan {
			switch {
			case cur == nil:
				return plan{result: lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewNotFound)}
			case !cur.HeldBy(req):
				return plan{result: lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewMismatch)}
			case cur.IsExpired(now):
				return plan{result: lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewExpired)}
			}

			next := cur.Clone()
			next.LeaseDuration += req.LeaseDuration
			next.Expiry += req.LeaseDuration
			return plan{
				put: next,
				success: func() *lock.Result {
					return lock.NewResult(next, lock.ActionRenew).Succeeded(lock.OutcomeRenewed)
				},
			}
		}), nil
}

// ReleaseLock deletes the key when it is held by the requester or expired.
func (s *Store) ReleaseLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	return s.run(ctx, req, now, "release", lock.ActionRelease, lock.OutcomeReleaseError, lock.OutcomeReleaseMaxRetries,
		func(cur *lock.Record) plan {
			switch {
			case cur == nil:
				return plan{result: lock.Released(req, lock.OutcomeReleasedNotFound)}
			case cur.HeldBy(req):
				return plan{remove: true, success: func() *lock.Result { return lock.Released(req, lock.OutcomeReleased) }}
			case cur.IsExpired(now):
				return plan{remove: true, success: func() *lock.Result { return lock.Released(req, lock.OutcomeReleasedExpired) }}
			}
			return plan{result: lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseConflict)}
		}), nil
}

// run reads the key, asks decide what to do, and commits the decision
// conditioned on the revision it read. A lost race retries the whole cycle
// up to maxRetries times.
func (s *Store) run(
	ctx context.Context,
	req *lock.Record,
	now int64,
	operation string,
	action lock.Action,
	errOutcome, exhaustedOutcome lock.Outcome,
	decide func(cur *lock.Record) plan,
) *lock.Result {
	key := s.key(req.Namespace, req.LockName)

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		cur, e, err := s.read(ctx, key)
		if err != nil {
			s.logError(err, req, "failed to read lock")
			return lock.Rejected(req, action, errOutcome)
		}

		p := decide(cur)
		if p.result != nil {
			return p.result
		}

		var revision int64
		var previousLease clientv3.LeaseID
		if e != nil {
			revision = e.modRevision
			previousLease = e.lease
		}

		var committed bool
		if p.remove {
			committed, err = s.deleteIfRevision(ctx, key, revision)
		} else {
			committed, err = s.putWithLease(ctx, key, p.put, revision, now)
		}
		if err != nil {
			s.logError(err, req, "failed to commit lock "+operation)
			return lock.Rejected(req, action, errOutcome)
		}

		if committed {
			if previousLease != clientv3.NoLease {
				s.revokeQuietly(ctx, previousLease)
			}
			return p.success()
		}

		metrics.RecordCASRetry(Name, operation)
		s.logger.Debug().
			Str("namespace", req.Namespace).
			Str("lockName", req.LockName).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("maxAttempts", s.maxRetries+1).
			Msg("compare-and-swap lost, retrying")
	}

	s.logger.Error().
		Str("namespace", req.Namespace).
		Str("lockName", req.LockName).
		Str("operation", operation).
		Msg("max retries exceeded")
	return lock.Rejected(req, action, exhaustedOutcome)
}

// putWithLease writes rec under a fresh lease sized to its remaining time.
// The lease is revoked if the write does not land.
func (s *Store) putWithLease(ctx context.Context, key string, rec *lock.Record, revision, now int64) (bool, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode lock: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	lease, err := s.kv.grant(callCtx, leaseTTL(rec.Expiry, now))
	cancel()
	if err != nil {
		return false, fmt.Errorf("grant lease: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
	ok, err := s.kv.putIfRevision(callCtx, key, value, revision, lease)
	cancel()
	if err != nil || !ok {
		s.revokeQuietly(ctx, lease)
	}
	return ok, err
}

func (s *Store) deleteIfRevision(ctx context.Context, key string, revision int64) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return s.kv.deleteIfRevision(callCtx, key, revision)
}

// revokeQuietly drops a lease that no longer guards a key. Failure only
// delays cleanup until the lease runs out.
func (s *Store) revokeQuietly(ctx context.Context, lease clientv3.LeaseID) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout)
	defer cancel()
	if err := s.kv.revoke(callCtx, lease); err != nil {
		s.logger.Warn().Err(err).Int64("leaseId", int64(lease)).Msg("failed to revoke lease")
	}
}

func (s *Store) logError(err error, req *lock.Record, msg string) {
	s.logger.Error().Err(err).
		Str("namespace", req.Namespace).
		Str("lockName", req.LockName).
		Msg(msg)
}
