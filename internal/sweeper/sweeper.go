// Package sweeper periodically deletes lock records that expired long ago
// from backends that do not expire them on their own.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/manager"
	"github.com/kneutral-org/lock-service/internal/metrics"
)

// Leader reports whether this replica should run maintenance.
type Leader interface {
	IsLeader() bool
}

// alwaysLeader is used when no election is configured.
type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

// Job periodically removes expired lock records.
type Job struct {
	store    lock.Cleaner
	backend  string
	leader   Leader
	clock    manager.Clock
	interval time.Duration
	grace    int64
	timeout  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Job.
type Option func(*Job)

// WithLeader runs cleanup only while leader reports leadership.
func WithLeader(leader Leader) Option {
	return func(j *Job) {
		j.leader = leader
	}
}

// WithClock replaces the system clock.
func WithClock(clock manager.Clock) Option {
	return func(j *Job) {
		j.clock = clock
	}
}

// WithGrace keeps records for this many seconds past their expiry.
func WithGrace(seconds int64) Option {
	return func(j *Job) {
		if seconds >= 0 {
			j.grace = seconds
		}
	}
}

// NewJob creates a sweeper that runs at the specified interval.
func NewJob(store lock.Cleaner, backend string, interval time.Duration, logger zerolog.Logger, opts ...Option) *Job {
	j := &Job{
		store:    store,
		backend:  backend,
		leader:   alwaysLeader{},
		clock:    manager.SystemClock{},
		interval: interval,
		grace:    3600,
		timeout:  30 * time.Second,
		logger:   logger.With().Str("component", "sweeper").Str("backend", backend).Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start begins the sweeper in a background goroutine.
func (j *Job) Start() {
	go j.run()
}

// Stop signals the sweeper to stop and waits for it to finish.
func (j *Job) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *Job) run() {
	defer close(j.doneCh)

	// Run an initial sweep
	j.RunOnce()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			j.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce performs a single sweep if this replica is the leader and returns
// the number of records removed.
func (j *Job) RunOnce() int64 {
	if !j.leader.IsLeader() {
		j.logger.Debug().Msg("not leader, skipping sweep")
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	before := j.clock.Now() - j.grace
	count, err := j.store.Cleanup(ctx, before)
	if err != nil {
		j.logger.Error().Err(err).Int64("before", before).Msg("failed to sweep expired locks")
		return 0
	}

	metrics.RecordSweeperRemoved(j.backend, count)
	if count > 0 {
		j.logger.Info().
			Int64("removedCount", count).
			Int64("before", before).
			Msg("swept expired locks")
	}
	return count
}
