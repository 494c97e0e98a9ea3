package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/locker/memory"
	"github.com/kneutral-org/lock-service/internal/manager"
	"github.com/kneutral-org/lock-service/internal/metrics"
)

// mockCleaner is a mock implementation of lock.Cleaner for testing.
type mockCleaner struct {
	cleanupCount atomic.Int64
	lastBefore   atomic.Int64
	removedCount int64
	err          error
}

func (m *mockCleaner) Cleanup(ctx context.Context, before int64) (int64, error) {
	m.cleanupCount.Add(1)
	m.lastBefore.Store(before)
	return m.removedCount, m.err
}

type leaderFlag struct{ atomic.Bool }

func (l *leaderFlag) IsLeader() bool { return l.Load() }

func TestJob_RunsAtInterval(t *testing.T) {
	cleaner := &mockCleaner{removedCount: 5}

	job := NewJob(cleaner, "test", 30*time.Millisecond, zerolog.Nop())
	job.Start()

	assert.Eventually(t, func() bool { return cleaner.cleanupCount.Load() >= 2 }, time.Second, 10*time.Millisecond)

	job.Stop()
}

func TestJob_Stop(t *testing.T) {
	cleaner := &mockCleaner{}

	job := NewJob(cleaner, "test", time.Hour, zerolog.Nop())
	job.Start()

	// Should complete quickly
	done := make(chan struct{})
	go func() {
		job.Stop()
		close(done)
	}()

	select {
	case <-done:
		// Success
	case <-time.After(time.Second):
		t.Error("Stop did not return in time")
	}
}

func TestJob_ContinuesOnError(t *testing.T) {
	cleaner := &mockCleaner{err: context.DeadlineExceeded}

	job := NewJob(cleaner, "test", 20*time.Millisecond, zerolog.Nop())
	job.Start()

	assert.Eventually(t, func() bool { return cleaner.cleanupCount.Load() >= 2 }, time.Second, 10*time.Millisecond)

	job.Stop()
}

func TestJob_OnlyLeaderSweeps(t *testing.T) {
	cleaner := &mockCleaner{removedCount: 1}
	leader := &leaderFlag{}

	job := NewJob(cleaner, "test", time.Hour, zerolog.Nop(), WithLeader(leader))

	assert.Zero(t, job.RunOnce())
	assert.Zero(t, cleaner.cleanupCount.Load())

	leader.Store(true)
	assert.Equal(t, int64(1), job.RunOnce())
	assert.Equal(t, int64(1), cleaner.cleanupCount.Load())
}

func TestJob_GraceWindow(t *testing.T) {
	cleaner := &mockCleaner{}
	clock := manager.NewFixedClock(10_000)

	job := NewJob(cleaner, "test", time.Hour, zerolog.Nop(), WithClock(clock), WithGrace(600))
	job.RunOnce()

	assert.Equal(t, int64(9_400), cleaner.lastBefore.Load())
}

func TestJob_SweepsMemoryStore(t *testing.T) {
	store := memory.NewStore()
	clock := manager.NewFixedClock(1_000)
	ctx := context.Background()

	for _, name := range []string{"old-1", "old-2", "live"} {
		lease := int64(10)
		if name == "live" {
			lease = 10_000
		}
		res, err := store.AcquireLock(ctx, &lock.Record{Namespace: "ns", LockName: name, Owner: "o", InstanceID: "i", LeaseDuration: lease, Expiry: 1_000 + lease}, 1_000)
		require.NoError(t, err)
		require.True(t, res.IsSuccess())
	}

	clock.Set(5_000)
	before := testutil.ToFloat64(metrics.SweeperRemoved.WithLabelValues(memory.Name))

	job := NewJob(store, memory.Name, time.Hour, zerolog.Nop(), WithClock(clock), WithGrace(60))
	assert.Equal(t, int64(2), job.RunOnce())
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.SweeperRemoved.WithLabelValues(memory.Name)))
}
