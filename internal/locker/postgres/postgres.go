// Package postgres provides a lock backend on PostgreSQL that resolves every
// operation with a single conditional statement.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
)

// Name is the backend name reported in logs and metrics.
const Name = "postgres"

// DefaultTable is the table used when none is configured.
const DefaultTable = "locks"

const maxIdentifierLength = 63

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidTableName is returned for table names that are not plain identifiers.
var ErrInvalidTableName = errors.New("postgres: invalid table name")

const serverNow = "EXTRACT(EPOCH FROM now())::bigint"

// Store is a PostgreSQL implementation of lock.Service.
type Store struct {
	db          *sql.DB
	table       string
	serverClock bool
	logger      zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the lock table name.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithServerClock makes statements compare expiry against the database
// clock instead of the time passed by the caller.
func WithServerClock() Option {
	return func(s *Store) {
		s.serverClock = true
	}
}

// WithLogger sets the logger used for backend errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a PostgreSQL-backed lock store.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		table:  DefaultTable,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := ValidateTableName(s.table); err != nil {
		return nil, err
	}
	s.logger = s.logger.With().Str("component", "locker").Str("backend", Name).Logger()
	return s, nil
}

// ValidateTableName checks that name can be interpolated into SQL as an identifier.
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTableName)
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTableName, maxIdentifierLength)
	}
	if !validTableName.MatchString(name) {
		return fmt.Errorf("%w: %q must start with a letter or underscore and contain only letters, digits and underscores", ErrInvalidTableName, name)
	}
	return nil
}

// Name returns the backend name.
func (s *Store) Name() string {
	return Name
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// now returns the SQL expression for the current time and the argument it
// binds, if any. The placeholder index is the next free one in the statement.
func (s *Store) now(next int, now int64) (string, []any) {
	if s.serverClock {
		return serverNow, nil
	}
	return fmt.Sprintf("$%d", next), []any{now}
}

// GetLock returns the stored row, or nil if there is none or the query fails.
func (s *Store) GetLock(ctx context.Context, namespace, lockName string) (*lock.Record, error) {
	if err := lock.ValidateKey(namespace, lockName); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT namespace, lock_name, owner, instance_id, lease_duration, expiry
		FROM %s
		WHERE namespace = $1 AND lock_name = $2
	`, s.table)

	rec := &lock.Record{}
	err := s.db.QueryRowContext(ctx, query, namespace, lockName).Scan(
		&rec.Namespace, &rec.LockName, &rec.Owner, &rec.InstanceID, &rec.LeaseDuration, &rec.Expiry,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error().Err(err).
				Str("namespace", namespace).
				Str("lockName", lockName).
				Msg("failed to get lock")
		}
		return nil, nil
	}
	return rec, nil
}

// AcquireLock upserts the requested row. The conflict update only applies
// when the existing row is expired or belongs to the requester, so a
// returned row means the lock was taken.
func (s *Store) AcquireLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	nowExpr, nowArgs := s.now(7, now)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (namespace, lock_name, owner, instance_id, lease_duration, expiry)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, lock_name) DO UPDATE SET
			owner = EXCLUDED.owner,
			instance_id = EXCLUDED.instance_id,
			lease_duration = EXCLUDED.lease_duration,
			expiry = EXCLUDED.expiry
		WHERE %[1]s.expiry < %[2]s
			OR (%[1]s.owner = EXCLUDED.owner AND %[1]s.instance_id = EXCLUDED.instance_id)
		RETURNING namespace, lock_name, owner, instance_id, lease_duration, expiry, (xmax = 0) AS inserted
	`, s.table, nowExpr)

	args := append([]any{req.Namespace, req.LockName, req.Owner, req.InstanceID, req.LeaseDuration, req.Expiry}, nowArgs...)

	rec := &lock.Record{}
	var inserted bool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.Namespace, &rec.LockName, &rec.Owner, &rec.InstanceID, &rec.LeaseDuration, &rec.Expiry, &inserted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireConflict), nil
		}
		s.logError(err, req, "failed to acquire lock")
		return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireError), nil
	}

	return lock.Acquired(rec, !inserted), nil
}

// RenewLock adds the requested delta to the stored lease and expiry of a live
// row held by the requester.
func (s *Store) RenewLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	nowExpr, nowArgs := s.now(6, now)
	query := fmt.Sprintf(`
		UPDATE %s SET
			lease_duration = lease_duration + $1,
			expiry = expiry + $1
		WHERE namespace = $2 AND lock_name = $3
			AND owner = $4 AND instance_id = $5
			AND expiry >= %s
		RETURNING namespace, lock_name, owner, instance_id, lease_duration, expiry
	`, s.table, nowExpr)

	args := append([]any{req.LeaseDuration, req.Namespace, req.LockName, req.Owner, req.InstanceID}, nowArgs...)

	rec := &lock.Record{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.Namespace, &rec.LockName, &rec.Owner, &rec.InstanceID, &rec.LeaseDuration, &rec.Expiry,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewConflict), nil
		}
		s.logError(err, req, "failed to renew lock")
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewError), nil
	}

	return lock.NewResult(rec, lock.ActionRenew).Succeeded(lock.OutcomeRenewed), nil
}

// ReleaseLock deletes the row held by the requester. When nothing is deleted
// a second read classifies the result. That read is not atomic with the
// delete; it only decides the response, never the stored state.
func (s *Store) ReleaseLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	deleteQuery := fmt.Sprintf(`
		DELETE FROM %s
		WHERE namespace = $1 AND lock_name = $2
			AND owner = $3 AND instance_id = $4
		RETURNING namespace
	`, s.table)

	var namespace string
	err := s.db.QueryRowContext(ctx, deleteQuery, req.Namespace, req.LockName, req.Owner, req.InstanceID).Scan(&namespace)
	if err == nil {
		return lock.Released(req, lock.OutcomeReleased), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logError(err, req, "failed to release lock")
		return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseError), nil
	}

	nowExpr, nowArgs := s.now(3, now)
	checkQuery := fmt.Sprintf(`
		SELECT expiry < %s AS expired
		FROM %s
		WHERE namespace = $1 AND lock_name = $2
	`, nowExpr, s.table)

	var expired bool
	args := append([]any{req.Namespace, req.LockName}, nowArgs...)
	err = s.db.QueryRowContext(ctx, checkQuery, args...).Scan(&expired)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return lock.Released(req, lock.OutcomeReleasedNotFound), nil
	case err != nil:
		s.logError(err, req, "failed to check lock after release")
		return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseError), nil
	case expired:
		return lock.Released(req, lock.OutcomeReleasedExpired), nil
	}

	return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseConflict), nil
}

// Cleanup removes rows that expired before the given epoch second.
// This should be called periodically by a background job.
func (s *Store) Cleanup(ctx context.Context, before int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE expiry < $1", s.table), before)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) logError(err error, req *lock.Record, msg string) {
	s.logger.Error().Err(err).
		Str("namespace", req.Namespace).
		Str("lockName", req.LockName).
		Msg(msg)
}
