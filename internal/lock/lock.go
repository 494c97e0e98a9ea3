// Package lock provides the lease-based lock model and the contract every
// storage backend implements.
package lock

import (
	"context"
	"errors"
)

// ErrInvalidRequest is returned when a lock request is nil or is missing its
// namespace or lock name.
var ErrInvalidRequest = errors.New("lock: namespace and lock name are required")

// Service defines the contract implemented by every lock backend.
// Implementations must be safe for concurrent use, including concurrent
// calls on the same key from different processes.
//
// The error return is reserved for invalid requests. Contention and backend
// failures are reported as data: a FAILED Result from the mutating calls, or
// a nil Record from GetLock.
type Service interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// GetLock returns the stored record without filtering on expiry.
	// It returns nil when the lock does not exist or the backend is unreachable.
	GetLock(ctx context.Context, namespace, lockName string) (*Record, error)

	// AcquireLock takes the lock if it is free, expired, or already held by
	// the same owner and instance.
	AcquireLock(ctx context.Context, req *Record, now int64) (*Result, error)

	// RenewLock extends a live lock held by the requester. LeaseDuration on
	// the request is the delta added to the stored lease and expiry.
	RenewLock(ctx context.Context, req *Record, now int64) (*Result, error)

	// ReleaseLock removes the lock unless a different holder has it live.
	ReleaseLock(ctx context.Context, req *Record, now int64) (*Result, error)
}

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Cleaner is implemented by backends that keep expired records around until
// something deletes them.
type Cleaner interface {
	// Cleanup removes records that expired before the given epoch second and
	// returns the number removed.
	Cleanup(ctx context.Context, before int64) (int64, error)
}

// Validate checks the preconditions shared by every operation.
func Validate(req *Record) error {
	if req == nil || req.Namespace == "" || req.LockName == "" {
		return ErrInvalidRequest
	}
	return nil
}

// ValidateKey checks the namespace and lock name of a read.
func ValidateKey(namespace, lockName string) error {
	if namespace == "" || lockName == "" {
		return ErrInvalidRequest
	}
	return nil
}
