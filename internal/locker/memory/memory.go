// Package memory provides a single-process lock backend on a mutex-guarded map.
package memory

import (
	"context"
	"sync"

	"github.com/kneutral-org/lock-service/internal/lock"
)

// Name is the backend name reported in logs and metrics.
const Name = "memory"

// Store is an in-memory implementation of lock.Service.
// It gives no consistency across processes.
type Store struct {
	mu    sync.Mutex
	locks map[string]*lock.Record
}

// NewStore creates a new in-memory lock store.
func NewStore() *Store {
	return &Store{
		locks: make(map[string]*lock.Record),
	}
}

// Name returns the backend name.
func (s *Store) Name() string {
	return Name
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// GetLock returns a copy of the stored record, or nil if there is none.
func (s *Store) GetLock(ctx context.Context, namespace, lockName string) (*lock.Record, error) {
	if err := lock.ValidateKey(namespace, lockName); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locks[lock.Key(namespace, lockName)].Clone(), nil
}

// AcquireLock stores the requested record when the lock is free, expired or
// already held by the requester.
func (s *Store) AcquireLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Key()
	existing, ok := s.locks[key]
	if ok && existing.IsActive(now) && !existing.HeldBy(req) {
		return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireConflict), nil
	}

	s.locks[key] = req.Clone()
	return lock.Acquired(req, ok), nil
}

// RenewLock adds the requested lease duration to the stored lease and expiry.
func (s *Store) RenewLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[req.Key()]
	switch {
	case !ok:
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewNotFound), nil
	case !existing.HeldBy(req):
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewMismatch), nil
	case existing.IsExpired(now):
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewExpired), nil
	}

	existing.LeaseDuration += req.LeaseDuration
	existing.Expiry += req.LeaseDuration

	return lock.NewResult(existing, lock.ActionRenew).Succeeded(lock.OutcomeRenewed), nil
}

// ReleaseLock deletes the lock unless another holder has it live.
func (s *Store) ReleaseLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Key()
	existing, ok := s.locks[key]
	switch {
	case !ok:
		return lock.Released(req, lock.OutcomeReleasedNotFound), nil
	case existing.HeldBy(req):
		delete(s.locks, key)
		return lock.Released(req, lock.OutcomeReleased), nil
	case existing.IsExpired(now):
		delete(s.locks, key)
		return lock.Released(req, lock.OutcomeReleasedExpired), nil
	}

	return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseConflict), nil
}

// Cleanup removes records that expired before the given time.
func (s *Store) Cleanup(ctx context.Context, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, rec := range s.locks {
		if rec.IsExpired(before) {
			delete(s.locks, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
