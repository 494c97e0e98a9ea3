// Package firestore provides a lock backend on Cloud Firestore. Each operation
// reads and writes the lock document inside one transaction.
//
// The store has no retry loop of its own. It relies on RunTransaction
// aborting and re-running the whole function when a concurrent write
// touches the document before commit, up to MaxAttempts times. A port to a
// document store without that behaviour needs an explicit retry loop.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kneutral-org/lock-service/internal/lock"
)

// Name is the backend name reported in logs and metrics.
const Name = "firestore"

// Defaults.
const (
	DefaultCollection  = "locks"
	DefaultMaxAttempts = 5
)

// document is the stored shape of a lock. TTL carries the expiry as a
// timestamp for a Firestore TTL policy to delete lapsed locks.
type document struct {
	Namespace     string    `firestore:"namespace"`
	LockName      string    `firestore:"lockName"`
	Owner         string    `firestore:"owner"`
	InstanceID    string    `firestore:"instanceId"`
	LeaseDuration int64     `firestore:"leaseDuration"`
	Expiry        int64     `firestore:"expiry"`
	TTL           time.Time `firestore:"ttl"`
}

func newDocument(rec *lock.Record) *document {
	return &document{
		Namespace:     rec.Namespace,
		LockName:      rec.LockName,
		Owner:         rec.Owner,
		InstanceID:    rec.InstanceID,
		LeaseDuration: rec.LeaseDuration,
		Expiry:        rec.Expiry,
		TTL:           time.Unix(rec.Expiry, 0).UTC(),
	}
}

func (d *document) record() *lock.Record {
	return &lock.Record{
		Namespace:     d.Namespace,
		LockName:      d.LockName,
		Owner:         d.Owner,
		InstanceID:    d.InstanceID,
		LeaseDuration: d.LeaseDuration,
		Expiry:        d.Expiry,
	}
}

// Store is a Firestore implementation of lock.Service.
type Store struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
	logger      zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCollection sets the collection holding lock documents.
func WithCollection(name string) Option {
	return func(s *Store) {
		s.collection = name
	}
}

// WithMaxAttempts sets how many times a contended transaction is run.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the logger used for backend errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Firestore-backed lock store.
func NewStore(client *firestore.Client, opts ...Option) *Store {
	s := &Store{
		client:      client,
		collection:  DefaultCollection,
		maxAttempts: DefaultMaxAttempts,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "locker").Str("backend", Name).Logger()
	return s
}

// NewClient connects to Firestore. FIRESTORE_EMULATOR_HOST is honoured by
// the client library.
func NewClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return client, nil
}

// Name returns the backend name.
func (s *Store) Name() string {
	return Name
}

// Ping reads a document that normally does not exist.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.collection).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (s *Store) doc(namespace, lockName string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(lock.Key(namespace, lockName))
}

// snapshotRecord decodes a snapshot, returning nil when the document is missing.
func snapshotRecord(snap *firestore.DocumentSnapshot, err error) (*lock.Record, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}

	var d document
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode lock document: %w", err)
	}
	return d.record(), nil
}

// GetLock returns the stored document, or nil if there is none or the read fails.
func (s *Store) GetLock(ctx context.Context, namespace, lockName string) (*lock.Record, error) {
	if err := lock.ValidateKey(namespace, lockName); err != nil {
		return nil, err
	}

	rec, err := snapshotRecord(s.doc(namespace, lockName).Get(ctx))
	if err != nil {
		s.logger.Error().Err(err).
			Str("namespace", namespace).
			Str("lockName", lockName).
			Msg("failed to get lock")
		return nil, nil
	}
	return rec, nil
}

// change is the decision for one operation against the current document.
// result is returned once the transaction commits; write or remove, when
// set, is applied inside it.
type change struct {
	result *lock.Result
	write  *lock.Record
	remove bool
}

// decideAcquire writes the request unless a different holder has the lock live.
func decideAcquire(cur, req *lock.Record, now int64) change {
	if cur != nil && cur.IsActive(now) && !cur.HeldBy(req) {
		return change{result: lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireConflict)}
	}
	return change{result: lock.Acquired(req, cur != nil), write: req}
}

// decideRenew adds the requested delta to the stored lease and expiry of a
// live lock held by the requester.
func decideRenew(cur, req *lock.Record, now int64) change {
	switch {
	case cur == nil:
		return change{result: lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewNotFound)}
	case !cur.HeldBy(req):
		return change{result: lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewMismatch)}
	case cur.IsExpired(now):
		return change{result: lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewExpired)}
	}

	next := cur.Clone()
	next.LeaseDuration += req.LeaseDuration
	next.Expiry += req.LeaseDuration
	return change{result: lock.NewResult(next, lock.ActionRenew).Succeeded(lock.OutcomeRenewed), write: next}
}

// decideRelease deletes a lock held by the requester. Missing and expired
// documents count as released and are left for the TTL policy.
func decideRelease(cur, req *lock.Record, now int64) change {
	switch {
	case cur == nil:
		return change{result: lock.Released(req, lock.OutcomeReleasedNotFound)}
	case cur.IsExpired(now):
		return change{result: lock.Released(req, lock.OutcomeReleasedExpired)}
	case !cur.HeldBy(req):
		return change{result: lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseConflict)}
	}
	return change{result: lock.Released(req, lock.OutcomeReleased), remove: true}
}

// transact reads the lock document, applies the decision and commits. Only
// the decision of the committed attempt is kept.
func (s *Store) transact(ctx context.Context, req *lock.Record, now int64, decide func(cur, req *lock.Record, now int64) change) (*lock.Result, error) {
	ref := s.doc(req.Namespace, req.LockName)

	var res *lock.Result
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cur, err := snapshotRecord(tx.Get(ref))
		if err != nil {
			return err
		}

		c := decide(cur, req, now)
		switch {
		case c.write != nil:
			err = tx.Set(ref, newDocument(c.write))
		case c.remove:
			err = tx.Delete(ref)
		}
		if err != nil {
			return err
		}
		res = c.result
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))
	return res, err
}

// AcquireLock writes the requested document unless a different holder has it live.
func (s *Store) AcquireLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	res, err := s.transact(ctx, req, now, decideAcquire)
	if err != nil {
		s.logError(err, req, "failed to acquire lock")
		return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireError), nil
	}
	return res, nil
}

// RenewLock adds the requested delta to the stored lease and expiry.
func (s *Store) RenewLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	res, err := s.transact(ctx, req, now, decideRenew)
	if err != nil {
		s.logError(err, req, "failed to renew lock")
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewError), nil
	}
	return res, nil
}

// ReleaseLock deletes the document held by the requester.
func (s *Store) ReleaseLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	res, err := s.transact(ctx, req, now, decideRelease)
	if err != nil {
		s.logError(err, req, "failed to release lock")
		return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseError), nil
	}
	return res, nil
}

func (s *Store) logError(err error, req *lock.Record, msg string) {
	s.logger.Error().Err(err).
		Str("namespace", req.Namespace).
		Str("lockName", req.LockName).
		Msg(msg)
}
