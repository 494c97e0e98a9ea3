// Package manager orchestrates lock operations: it stamps the action, reads
// the clock, derives expiry and delegates to the configured backend.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/logging"
	"github.com/kneutral-org/lock-service/internal/metrics"
)

// Metric and log values for reads.
const (
	resultFound    = "FOUND"
	resultNotFound = "NOT_FOUND"
)

// Request is a lock operation as received from a caller. Owner is resolved
// by the transport before the request reaches the manager.
type Request struct {
	Namespace     string
	LockName      string
	Owner         string
	InstanceID    string
	LeaseDuration int64
}

// Manager runs lock operations against a single backend.
type Manager struct {
	svc    lock.Service
	clock  Clock
	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager delegating to svc.
func New(svc lock.Service, opts ...Option) *Manager {
	m := &Manager{
		svc:    svc,
		clock:  SystemClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "manager").Str("backend", svc.Name()).Logger()
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() int64 {
	return m.clock.Now()
}

// Get returns the read view of a lock. An absent lock comes back as a
// record carrying only its key, which callers read as available.
func (m *Manager) Get(ctx context.Context, namespace, lockName string) (*lock.Result, error) {
	m.annotate(ctx, lock.ActionGet, &Request{Namespace: namespace, LockName: lockName})
	now := m.clock.Now()

	start := time.Now()
	rec, err := m.svc.GetLock(ctx, namespace, lockName)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	res := lock.NewResult(&lock.Record{Namespace: namespace, LockName: lockName}, lock.ActionGet)
	result := resultNotFound
	if rec != nil {
		res.Record = *rec.ForRead(now)
		result = resultFound
	}
	m.observe(ctx, "get", result, elapsed)
	return res, nil
}

// Acquire takes the lock for req.LeaseDuration seconds from now.
func (m *Manager) Acquire(ctx context.Context, req Request) (*lock.Result, error) {
	if err := requireLease(req); err != nil {
		return nil, err
	}
	m.annotate(ctx, lock.ActionAcquire, &req)

	now := m.clock.Now()
	rec := req.record()
	rec.Expiry = now + req.LeaseDuration
	logging.AddField(ctx, logging.FieldComputedExpiry, rec.Expiry)

	return m.mutate(ctx, "acquire", rec, now, m.svc.AcquireLock)
}

// Renew extends a held lock by req.LeaseDuration seconds past its stored expiry.
func (m *Manager) Renew(ctx context.Context, req Request) (*lock.Result, error) {
	if err := requireLease(req); err != nil {
		return nil, err
	}
	m.annotate(ctx, lock.ActionRenew, &req)

	return m.mutate(ctx, "renew", req.record(), m.clock.Now(), m.svc.RenewLock)
}

// Release frees a lock held by the requester.
func (m *Manager) Release(ctx context.Context, req Request) (*lock.Result, error) {
	m.annotate(ctx, lock.ActionRelease, &req)

	rec := req.record()
	rec.LeaseDuration = 0
	return m.mutate(ctx, "release", rec, m.clock.Now(), m.svc.ReleaseLock)
}

type operation func(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error)

func (m *Manager) mutate(ctx context.Context, name string, rec *lock.Record, now int64, op operation) (*lock.Result, error) {
	start := time.Now()
	res, err := op(ctx, rec, now)
	if err != nil {
		return nil, err
	}
	m.observe(ctx, name, string(res.Outcome), time.Since(start))

	logging.AddField(ctx, logging.FieldServiceOutcome, string(res.Outcome))
	if res.IsSuccess() {
		logging.AddField(ctx, logging.FieldResult, "success")
	} else {
		logging.AddField(ctx, logging.FieldResult, "failure")
	}

	if res.Outcome.IsError() || res.Outcome.RetriesExhausted() {
		lg := logging.LockLogger(logging.LoggerFromContext(ctx, m.logger), rec.Namespace, rec.LockName)
		lg.Warn().
			Str("backend", m.svc.Name()).
			Str("operation", name).
			Str("outcome", string(res.Outcome)).
			Msg("lock operation failed in backend")
	}
	return res, nil
}

func (m *Manager) observe(ctx context.Context, operation, result string, elapsed time.Duration) {
	backend := m.svc.Name()
	metrics.RecordLockOperation(backend, operation, result)
	metrics.RecordBackendDuration(backend, operation, elapsed.Seconds())

	logging.AddField(ctx, logging.FieldBackend, backend)
	logging.AddField(ctx, logging.FieldBackendDurationMs, elapsed.Milliseconds())
}

func (m *Manager) annotate(ctx context.Context, action lock.Action, req *Request) {
	logging.AddField(ctx, logging.FieldOperation, string(action))
	logging.AddField(ctx, logging.FieldNamespace, req.Namespace)
	logging.AddField(ctx, logging.FieldLockName, req.LockName)
	if req.Owner != "" {
		logging.AddField(ctx, logging.FieldAuthSubject, req.Owner)
	}
	if req.InstanceID != "" {
		logging.AddField(ctx, logging.FieldInstanceIDHash, logging.HashInstanceID(req.InstanceID))
	}
	if req.LeaseDuration > 0 {
		logging.AddField(ctx, logging.FieldRequestedLease, req.LeaseDuration)
	}
}

func (r Request) record() *lock.Record {
	return &lock.Record{
		Namespace:     r.Namespace,
		LockName:      r.LockName,
		Owner:         r.Owner,
		InstanceID:    r.InstanceID,
		LeaseDuration: r.LeaseDuration,
	}
}

func requireLease(req Request) error {
	if req.LeaseDuration <= 0 {
		return fmt.Errorf("%w: lease duration must be positive", lock.ErrInvalidRequest)
	}
	return nil
}
