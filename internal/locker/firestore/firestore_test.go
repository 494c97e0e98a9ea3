package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/lock/locktest"
)

func TestDocument_RoundTrip(t *testing.T) {
	rec := &lock.Record{
		Namespace:     "ns",
		LockName:      "job",
		Owner:         "alice",
		InstanceID:    "i-1",
		LeaseDuration: 60,
		Expiry:        1700000060,
	}

	doc := newDocument(rec)
	assert.Equal(t, time.Unix(1700000060, 0).UTC(), doc.TTL)
	assert.Equal(t, rec, doc.record())
}

func TestNewStore_Defaults(t *testing.T) {
	s := NewStore(nil)
	assert.Equal(t, DefaultCollection, s.collection)
	assert.Equal(t, DefaultMaxAttempts, s.maxAttempts)
	assert.Equal(t, Name, s.Name())

	s = NewStore(nil, WithCollection("app_locks"), WithMaxAttempts(10), WithMaxAttempts(0))
	assert.Equal(t, "app_locks", s.collection)
	assert.Equal(t, 10, s.maxAttempts)
}

func held(owner, instance string, lease, expiry int64) *lock.Record {
	return &lock.Record{Namespace: "ns", LockName: "job", Owner: owner, InstanceID: instance, LeaseDuration: lease, Expiry: expiry}
}

func TestDecideAcquire(t *testing.T) {
	req := held("alice", "a-1", 60, 1060)

	tests := []struct {
		name    string
		cur     *lock.Record
		outcome lock.Outcome
		write   bool
	}{
		{"free", nil, lock.OutcomeAcquired, true},
		{"expired foreign", held("bob", "b-1", 60, 999), lock.OutcomeLockReplaced, true},
		{"expiry equals now", held("bob", "b-1", 60, 1000), lock.OutcomeAcquireConflict, false},
		{"live foreign", held("bob", "b-1", 60, 1050), lock.OutcomeAcquireConflict, false},
		{"same holder", held("alice", "a-1", 60, 1050), lock.OutcomeLockReplaced, true},
		{"same owner other instance", held("alice", "a-2", 60, 1050), lock.OutcomeAcquireConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := decideAcquire(tt.cur, req, 1000)
			assert.Equal(t, tt.outcome, c.result.Outcome)
			assert.False(t, c.remove)
			if tt.write {
				assert.Equal(t, req, c.write)
				assert.True(t, c.result.IsSuccess())
			} else {
				assert.Nil(t, c.write)
				assert.Empty(t, c.result.Owner)
			}
		})
	}
}

func TestDecideRenew(t *testing.T) {
	req := held("alice", "a-1", 30, 0)

	tests := []struct {
		name    string
		cur     *lock.Record
		outcome lock.Outcome
	}{
		{"missing", nil, lock.OutcomeRenewNotFound},
		{"foreign", held("bob", "b-1", 60, 1050), lock.OutcomeRenewMismatch},
		{"expired", held("alice", "a-1", 60, 999), lock.OutcomeRenewExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := decideRenew(tt.cur, req, 1000)
			assert.Equal(t, tt.outcome, c.result.Outcome)
			assert.Nil(t, c.write)
			assert.False(t, c.result.IsSuccess())
		})
	}

	t.Run("live", func(t *testing.T) {
		cur := held("alice", "a-1", 60, 1060)
		c := decideRenew(cur, req, 1000)

		require.NotNil(t, c.write)
		assert.Equal(t, lock.OutcomeRenewed, c.result.Outcome)
		assert.Equal(t, int64(90), c.write.LeaseDuration)
		assert.Equal(t, int64(1090), c.write.Expiry)
		assert.Equal(t, int64(1090), c.result.Expiry)
		assert.Equal(t, time.Unix(1090, 0).UTC(), newDocument(c.write).TTL)
		assert.Equal(t, int64(1060), cur.Expiry)
	})
}

func TestDecideRelease(t *testing.T) {
	req := held("alice", "a-1", 0, 0)

	tests := []struct {
		name    string
		cur     *lock.Record
		outcome lock.Outcome
		success bool
		remove  bool
	}{
		{"missing", nil, lock.OutcomeReleasedNotFound, true, false},
		{"held", held("alice", "a-1", 60, 1050), lock.OutcomeReleased, true, true},
		{"expired foreign kept for ttl", held("bob", "b-1", 60, 999), lock.OutcomeReleasedExpired, true, false},
		{"live foreign", held("bob", "b-1", 60, 1000), lock.OutcomeReleaseConflict, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := decideRelease(tt.cur, req, 1000)
			assert.Equal(t, tt.outcome, c.result.Outcome)
			assert.Equal(t, tt.success, c.result.IsSuccess())
			assert.Equal(t, tt.remove, c.remove)
			assert.Nil(t, c.write)
			assert.Empty(t, c.result.Owner)
		})
	}
}

// TestStore_Conformance runs against the emulator when FIRESTORE_EMULATOR_HOST is set.
func TestStore_Conformance(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := NewClient(context.Background(), "lock-service-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := NewStore(client, WithCollection("locks_conformance"))
	require.NoError(t, store.Ping(context.Background()))

	locktest.Run(t, func(t *testing.T) lock.Service {
		return store
	})
}
