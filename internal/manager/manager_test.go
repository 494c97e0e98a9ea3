package manager

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/locker/memory"
	"github.com/kneutral-org/lock-service/internal/logging"
	"github.com/kneutral-org/lock-service/internal/metrics"
)

const t0 = int64(1_700_000_000)

func newTestManager() (*Manager, *FixedClock) {
	clock := NewFixedClock(t0)
	return New(memory.NewStore(), WithClock(clock), WithLogger(zerolog.Nop())), clock
}

func request(owner, instance string, lease int64) Request {
	return Request{Namespace: "junit", LockName: "nightly", Owner: owner, InstanceID: instance, LeaseDuration: lease}
}

func TestManager_EndToEnd(t *testing.T) {
	m, clock := newTestManager()
	ctx := context.Background()

	res, err := m.Acquire(ctx, request("o", "i", 60))
	require.NoError(t, err)
	require.True(t, res.IsSuccess())
	assert.Equal(t, lock.ActionSuccess, res.Action)
	assert.Equal(t, t0+60, res.Expiry)
	assert.Equal(t, int64(60), res.LeaseDuration)

	clock.Set(t0 + 30)
	res, err = m.Renew(ctx, request("o", "i", 60))
	require.NoError(t, err)
	require.True(t, res.IsSuccess())
	assert.Equal(t, t0+120, res.Expiry)
	assert.Equal(t, int64(120), res.LeaseDuration)

	clock.Set(t0 + 60)
	res, err = m.Release(ctx, request("o", "i", 0))
	require.NoError(t, err)
	require.True(t, res.IsSuccess())
	assert.Empty(t, res.Owner)
	assert.Zero(t, res.Expiry)

	got, err := m.Get(ctx, "junit", "nightly")
	require.NoError(t, err)
	assert.Nil(t, got.Success)
	assert.Equal(t, lock.ActionGet, got.Action)
	assert.Equal(t, "junit", got.Namespace)
	assert.Equal(t, "nightly", got.LockName)
	assert.Empty(t, got.Owner)
}

func TestManager_Get_ReadView(t *testing.T) {
	m, clock := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, request("alice", "secret-instance", 60))
	require.NoError(t, err)

	res, err := m.Get(ctx, "junit", "nightly")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Owner)
	assert.Equal(t, t0+60, res.Expiry)
	assert.Empty(t, res.InstanceID)
	assert.Zero(t, res.LeaseDuration)

	clock.Set(t0 + 61)
	res, err = m.Get(ctx, "junit", "nightly")
	require.NoError(t, err)
	assert.Empty(t, res.Owner)
	assert.Zero(t, res.Expiry)
	assert.Equal(t, "nightly", res.LockName)
}

func TestManager_Acquire_Conflict(t *testing.T) {
	m, clock := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, request("alice", "a-1", 60))
	require.NoError(t, err)

	clock.Set(t0 + 60)
	res, err := m.Acquire(ctx, request("bob", "b-1", 60))
	require.NoError(t, err)
	assert.False(t, res.IsSuccess())
	assert.Equal(t, lock.ActionFailed, res.Action)
	assert.Equal(t, lock.OutcomeAcquireConflict, res.Outcome)
	assert.Empty(t, res.Owner)

	clock.Set(t0 + 61)
	res, err = m.Acquire(ctx, request("bob", "b-1", 60))
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, t0+121, res.Expiry)
}

func TestManager_RejectsInvalidLease(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, request("o", "i", 0))
	assert.True(t, errors.Is(err, lock.ErrInvalidRequest))

	_, err = m.Renew(ctx, request("o", "i", -5))
	assert.True(t, errors.Is(err, lock.ErrInvalidRequest))
}

func TestManager_PropagatesInvalidRequest(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Release(context.Background(), Request{LockName: "x"})
	assert.ErrorIs(t, err, lock.ErrInvalidRequest)

	_, err = m.Get(context.Background(), "", "x")
	assert.ErrorIs(t, err, lock.ErrInvalidRequest)
}

func TestManager_CanonicalFields(t *testing.T) {
	m, _ := newTestManager()
	ctx, fields := logging.ContextWithFields(context.Background())

	_, err := m.Acquire(ctx, request("alice", "instance-1", 60))
	require.NoError(t, err)

	expect := map[string]interface{}{
		logging.FieldOperation:      "ACQUIRE",
		logging.FieldNamespace:      "junit",
		logging.FieldLockName:       "nightly",
		logging.FieldAuthSubject:    "alice",
		logging.FieldInstanceIDHash: logging.HashInstanceID("instance-1"),
		logging.FieldRequestedLease: int64(60),
		logging.FieldComputedExpiry: t0 + 60,
		logging.FieldBackend:        memory.Name,
		logging.FieldServiceOutcome: "ACQUIRED",
		logging.FieldResult:         "success",
	}
	for key, want := range expect {
		got, ok := fields.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, ok := fields.Get(logging.FieldBackendDurationMs)
	assert.True(t, ok)
}

func TestManager_RecordsMetrics(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	counter := metrics.LockOperations.WithLabelValues(memory.Name, "release", "RELEASED_NOT_FOUND")
	before := testutil.ToFloat64(counter)

	_, err := m.Release(ctx, request("o", "i", 0))
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

// failingStore answers every mutation with a fixed failure outcome.
type failingStore struct {
	*memory.Store
	outcome lock.Outcome
}

func (f *failingStore) Name() string { return "failing" }

func (f *failingStore) AcquireLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	return lock.Rejected(req, lock.ActionAcquire, f.outcome), nil
}

func (f *failingStore) RenewLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	return lock.Rejected(req, lock.ActionRenew, f.outcome), nil
}

func TestManager_BackendFailureOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome lock.Outcome
		op      func(*Manager, context.Context, Request) (*lock.Result, error)
		metric  string
	}{
		{"acquire error", lock.OutcomeAcquireError, (*Manager).Acquire, "acquire"},
		{"renew retries exhausted", lock.OutcomeRenewMaxRetries, (*Manager).Renew, "renew"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			m := New(&failingStore{Store: memory.NewStore(), outcome: tt.outcome},
				WithClock(NewFixedClock(t0)), WithLogger(zerolog.New(&buf)))
			ctx, fields := logging.ContextWithFields(context.Background())

			counter := metrics.LockOperations.WithLabelValues("failing", tt.metric, string(tt.outcome))
			before := testutil.ToFloat64(counter)

			res, err := tt.op(m, ctx, request("alice", "instance-1", 60))
			require.NoError(t, err)
			assert.False(t, res.IsSuccess())
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Empty(t, res.Owner)

			assert.Equal(t, before+1, testutil.ToFloat64(counter))
			got, _ := fields.Get(logging.FieldResult)
			assert.Equal(t, "failure", got)

			assert.Contains(t, buf.String(), `"level":"warn"`)
			assert.Contains(t, buf.String(), `"outcome":"`+string(tt.outcome)+`"`)
			assert.Contains(t, buf.String(), `"lock_name":"nightly"`)
		})
	}
}

func TestManager_BackendFailureUsesRequestLogger(t *testing.T) {
	var fallback, scoped bytes.Buffer
	m := New(&failingStore{Store: memory.NewStore(), outcome: lock.OutcomeAcquireError},
		WithClock(NewFixedClock(t0)), WithLogger(zerolog.New(&fallback)))
	ctx := logging.ContextWithLogger(context.Background(), zerolog.New(&scoped).With().Str("requestId", "req-9").Logger())

	_, err := m.Acquire(ctx, request("alice", "instance-1", 60))
	require.NoError(t, err)

	assert.Contains(t, scoped.String(), `"requestId":"req-9"`)
	assert.Contains(t, scoped.String(), "ACQUIRE_ERROR")
	assert.Empty(t, fallback.String())
}

func TestFixedClock(t *testing.T) {
	c := NewFixedClock(10)
	c.Advance(5)
	assert.Equal(t, int64(15), c.Now())
	c.Set(3)
	assert.Equal(t, int64(3), c.Now())

	assert.Greater(t, SystemClock{}.Now(), t0)
}
