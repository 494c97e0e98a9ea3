// Package election elects a single maintenance leader among service replicas
// by holding a lock through the service's own lock manager.
package election

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/manager"
	"github.com/kneutral-org/lock-service/internal/metrics"
)

// Defaults for the leadership lock. The '.' in the namespace keeps it out of
// reach of the HTTP API, whose identifiers allow only letters, digits, '_'
// and '-'.
const (
	DefaultNamespace    = "lock-service.internal"
	DefaultLockName     = "maintenance-leader"
	DefaultLeaseSeconds = 30
)

// LockManager is the subset of the manager the elector drives.
type LockManager interface {
	Now() int64
	Acquire(ctx context.Context, req manager.Request) (*lock.Result, error)
	Renew(ctx context.Context, req manager.Request) (*lock.Result, error)
	Release(ctx context.Context, req manager.Request) (*lock.Result, error)
}

// LeaderElector manages leader election using a lease lock.
// It continuously tries to acquire and maintain leadership.
type LeaderElector struct {
	manager LockManager
	logger  zerolog.Logger

	namespace    string
	lockName     string
	owner        string
	instanceID   string
	leaseSeconds int64

	isLeader    atomic.Bool
	expiry      atomic.Int64
	renewalRate time.Duration

	onBecomeLeader func()
	onLoseLeader   func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// LeaderElectorOption configures a LeaderElector.
type LeaderElectorOption func(*LeaderElector)

// WithRenewalRate sets how often the leader renews its lock.
// Should be significantly less than the lease (e.g., lease/3).
func WithRenewalRate(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.renewalRate = d
	}
}

// WithLease sets the lease of the leadership lock in seconds.
func WithLease(seconds int64) LeaderElectorOption {
	return func(e *LeaderElector) {
		if seconds > 0 {
			e.leaseSeconds = seconds
		}
	}
}

// WithLockName sets the namespace and name of the leadership lock.
func WithLockName(namespace, lockName string) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.namespace = namespace
		e.lockName = lockName
	}
}

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.instanceID = id
	}
}

// WithOnBecomeLeader sets a callback that's called when this instance becomes leader.
func WithOnBecomeLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onBecomeLeader = fn
	}
}

// WithOnLoseLeader sets a callback that's called when this instance loses leadership.
func WithOnLoseLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onLoseLeader = fn
	}
}

// NewLeaderElector creates a leader elector. owner identifies the service;
// each elector gets its own instance id so replicas of one service compete.
func NewLeaderElector(m LockManager, owner string, logger zerolog.Logger, opts ...LeaderElectorOption) *LeaderElector {
	e := &LeaderElector{
		manager:      m,
		namespace:    DefaultNamespace,
		lockName:     DefaultLockName,
		owner:        owner,
		instanceID:   defaultInstanceID(),
		leaseSeconds: DefaultLeaseSeconds,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.renewalRate <= 0 {
		e.renewalRate = time.Duration(e.leaseSeconds) * time.Second / 3
	}
	e.logger = logger.With().
		Str("component", "election").
		Str("lock", lock.Key(e.namespace, e.lockName)).
		Logger()
	return e
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

// Start begins the leader election loop.
// It will continuously try to acquire and maintain leadership until Stop is called.
func (e *LeaderElector) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop stops the leader election loop and releases leadership if held.
func (e *LeaderElector) Stop(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	if !e.isLeader.Load() {
		return
	}

	res, err := e.manager.Release(ctx, e.request(0))
	switch {
	case err != nil:
		e.logger.Error().Err(err).Msg("failed to release leadership on shutdown")
	case !res.IsSuccess():
		e.logger.Warn().Str("outcome", string(res.Outcome)).Msg("leadership was not released on shutdown")
	default:
		e.logger.Info().Msg("released leadership on shutdown")
	}
	e.demote()
}

// IsLeader returns true if this instance is currently the leader.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *LeaderElector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.renewalRate)
	defer ticker.Stop()

	// Try to acquire immediately on start
	e.tryAcquireOrRenew(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tryAcquireOrRenew(ctx)
		}
	}
}

func (e *LeaderElector) tryAcquireOrRenew(ctx context.Context) {
	if !e.isLeader.Load() {
		e.tryAcquire(ctx)
		return
	}

	// Renew extends from the stored expiry, so ask only for the time needed
	// to put it a full lease past now.
	delta := e.manager.Now() + e.leaseSeconds - e.expiry.Load()
	if delta < 1 {
		delta = 1
	}

	res, err := e.manager.Renew(ctx, e.request(delta))
	if err != nil || !res.IsSuccess() {
		event := e.logger.Warn()
		if err != nil {
			event = event.Err(err)
		} else {
			event = event.Str("outcome", string(res.Outcome))
		}
		event.Msg("failed to renew leadership, lost leader status")
		e.demote()
		// Immediately try to reacquire
		e.tryAcquire(ctx)
		return
	}

	e.expiry.Store(res.Expiry)
	e.logger.Debug().Int64("expiry", res.Expiry).Msg("successfully renewed leadership")
}

func (e *LeaderElector) tryAcquire(ctx context.Context) {
	res, err := e.manager.Acquire(ctx, e.request(e.leaseSeconds))
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to acquire leadership")
		return
	}

	if !res.IsSuccess() {
		e.logger.Debug().Str("outcome", string(res.Outcome)).Msg("another instance is leader")
		return
	}

	e.expiry.Store(res.Expiry)
	e.logger.Info().Int64("expiry", res.Expiry).Msg("acquired leadership")
	e.isLeader.Store(true)
	metrics.SetLeader(true)
	if e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}
}

func (e *LeaderElector) demote() {
	if !e.isLeader.Swap(false) {
		return
	}
	metrics.SetLeader(false)
	if e.onLoseLeader != nil {
		e.onLoseLeader()
	}
}

func (e *LeaderElector) request(lease int64) manager.Request {
	return manager.Request{
		Namespace:     e.namespace,
		LockName:      e.lockName,
		Owner:         e.owner,
		InstanceID:    e.instanceID,
		LeaseDuration: lease,
	}
}
