// Package locktest provides a conformance suite that every lock backend runs
// unmodified.
package locktest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/lock-service/internal/lock"
)

// Factory returns a ready backend. It is called once per subtest.
type Factory func(t *testing.T) lock.Service

// Run executes the conformance suite against the backend built by newService.
func Run(t *testing.T, newService Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, svc lock.Service)
	}{
		{"AcquireFreeLock", testAcquireFreeLock},
		{"MutualExclusion", testMutualExclusion},
		{"IdempotentReacquire", testIdempotentReacquire},
		{"ExpiryBoundary", testExpiryBoundary},
		{"ConflictRedactsFields", testConflictRedactsFields},
		{"RenewExtendsFromStoredExpiry", testRenewExtendsFromStoredExpiry},
		{"RenewFailures", testRenewFailures},
		{"ReleaseIdempotence", testReleaseIdempotence},
		{"ReleaseExpiredForeignLock", testReleaseExpiredForeignLock},
		{"ReleaseLiveForeignLock", testReleaseLiveForeignLock},
		{"EndToEnd", testEndToEnd},
		{"InvalidRequests", testInvalidRequests},
		{"MaxLengthIdentity", testMaxLengthIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newService(t))
		})
	}
}

// Namespace is used for every lock the suite creates.
const Namespace = "conformance"

// Longest lock name and owner/instance id the HTTP API admits.
const (
	MaxNameLength     = 64
	MaxIdentityLength = 256
)

func newName() string {
	return "lock-" + uuid.NewString()
}

func baseTime() int64 {
	return time.Now().Unix()
}

func request(name, owner, instance string, lease, expiry int64) *lock.Record {
	return &lock.Record{
		Namespace:     Namespace,
		LockName:      name,
		Owner:         owner,
		InstanceID:    instance,
		LeaseDuration: lease,
		Expiry:        expiry,
	}
}

func acquire(t *testing.T, svc lock.Service, name, owner, instance string, lease, now int64) *lock.Result {
	t.Helper()
	res, err := svc.AcquireLock(context.Background(), request(name, owner, instance, lease, now+lease), now)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func renew(t *testing.T, svc lock.Service, name, owner, instance string, delta, now int64) *lock.Result {
	t.Helper()
	res, err := svc.RenewLock(context.Background(), request(name, owner, instance, delta, 0), now)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func release(t *testing.T, svc lock.Service, name, owner, instance string, now int64) *lock.Result {
	t.Helper()
	res, err := svc.ReleaseLock(context.Background(), request(name, owner, instance, 0, 0), now)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func get(t *testing.T, svc lock.Service, name string) *lock.Record {
	t.Helper()
	rec, err := svc.GetLock(context.Background(), Namespace, name)
	require.NoError(t, err)
	return rec
}

func assertRedacted(t *testing.T, res *lock.Result) {
	t.Helper()
	assert.Equal(t, lock.ActionFailed, res.Action)
	require.NotNil(t, res.Success)
	assert.False(t, *res.Success)
	assert.Empty(t, res.Owner)
	assert.Empty(t, res.InstanceID)
	assert.Zero(t, res.LeaseDuration)
	assert.Zero(t, res.Expiry)
}

func testAcquireFreeLock(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	assert.Nil(t, get(t, svc, name))

	res := acquire(t, svc, name, "owner-a", "inst-a", 60, now)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, lock.ActionSuccess, res.Action)
	assert.Equal(t, Namespace, res.Namespace)
	assert.Equal(t, name, res.LockName)
	assert.Equal(t, "owner-a", res.Owner)
	assert.Equal(t, "inst-a", res.InstanceID)
	assert.Equal(t, int64(60), res.LeaseDuration)
	assert.Equal(t, now+60, res.Expiry)

	stored := get(t, svc, name)
	require.NotNil(t, stored)
	assert.Equal(t, "owner-a", stored.Owner)
	assert.Equal(t, "inst-a", stored.InstanceID)
	assert.Equal(t, now+60, stored.Expiry)
}

func testMutualExclusion(t *testing.T, svc lock.Service) {
	const contenders = 8
	name := newName()
	now := baseTime()

	var (
		mu      sync.Mutex
		winners []string
	)

	var g errgroup.Group
	for i := 0; i < contenders; i++ {
		owner := "owner-" + uuid.NewString()
		g.Go(func() error {
			res, err := svc.AcquireLock(context.Background(), request(name, owner, "inst", 60, now+60), now)
			if err != nil {
				return err
			}
			if res.IsSuccess() {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, winners, 1, "exactly one contender must win")
	stored := get(t, svc, name)
	require.NotNil(t, stored)
	assert.Equal(t, winners[0], stored.Owner)
}

func testIdempotentReacquire(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	res := acquire(t, svc, name, "owner-a", "inst-a", 120, now+10)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, int64(120), res.LeaseDuration)
	assert.Equal(t, now+130, res.Expiry)

	stored := get(t, svc, name)
	require.NotNil(t, stored)
	assert.Equal(t, int64(120), stored.LeaseDuration)
	assert.Equal(t, now+130, stored.Expiry)
}

func testExpiryBoundary(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	assert.False(t, acquire(t, svc, name, "owner-b", "inst-b", 60, now+59).IsSuccess(), "held before expiry")
	assert.False(t, acquire(t, svc, name, "owner-b", "inst-b", 60, now+60).IsSuccess(), "held at expiry")

	res := acquire(t, svc, name, "owner-b", "inst-b", 60, now+61)
	assert.True(t, res.IsSuccess(), "free after expiry")
	assert.Equal(t, "owner-b", res.Owner)
	assert.Equal(t, now+121, res.Expiry)

	stored := get(t, svc, name)
	require.NotNil(t, stored)
	assert.Equal(t, "owner-b", stored.Owner)
}

func testConflictRedactsFields(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	// same owner, different instance is still a conflict
	res := acquire(t, svc, name, "owner-a", "inst-b", 60, now+1)
	assertRedacted(t, res)
	assert.Equal(t, Namespace, res.Namespace)
	assert.Equal(t, name, res.LockName)

	res = acquire(t, svc, name, "owner-b", "inst-a", 60, now+1)
	assertRedacted(t, res)
}

func testRenewExtendsFromStoredExpiry(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	res := renew(t, svc, name, "owner-a", "inst-a", 30, now+30)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, now+90, res.Expiry)
	assert.Equal(t, int64(90), res.LeaseDuration)
	assert.Equal(t, "owner-a", res.Owner)

	// renewing at the exact expiry still counts as live
	res = renew(t, svc, name, "owner-a", "inst-a", 10, now+90)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, now+100, res.Expiry)
	assert.Equal(t, int64(100), res.LeaseDuration)

	stored := get(t, svc, name)
	require.NotNil(t, stored)
	assert.Equal(t, now+100, stored.Expiry)
	assert.Equal(t, int64(100), stored.LeaseDuration)
}

func testRenewFailures(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	assertRedacted(t, renew(t, svc, name, "owner-a", "inst-a", 30, now))

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	assertRedacted(t, renew(t, svc, name, "owner-b", "inst-a", 30, now+1))
	assertRedacted(t, renew(t, svc, name, "owner-a", "inst-b", 30, now+1))
	assertRedacted(t, renew(t, svc, name, "owner-a", "inst-a", 30, now+61))

	// failed renewals leave the stored lease alone
	stored := get(t, svc, name)
	require.NotNil(t, stored)
	assert.Equal(t, now+60, stored.Expiry)
}

func testReleaseIdempotence(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	res := release(t, svc, name, "owner-a", "inst-a", now)
	assert.True(t, res.IsSuccess(), "releasing a lock that never existed succeeds")

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	for i := 0; i < 2; i++ {
		res = release(t, svc, name, "owner-a", "inst-a", now+1)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, lock.ActionSuccess, res.Action)
		assert.Empty(t, res.Owner)
		assert.Empty(t, res.InstanceID)
		assert.Zero(t, res.Expiry)
	}

	assert.Nil(t, get(t, svc, name))
}

func testReleaseExpiredForeignLock(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	res := release(t, svc, name, "owner-b", "inst-b", now+61)
	assert.True(t, res.IsSuccess())
	assert.Empty(t, res.Owner)

	assert.True(t, acquire(t, svc, name, "owner-b", "inst-b", 60, now+62).IsSuccess())
}

func testReleaseLiveForeignLock(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	require.True(t, acquire(t, svc, name, "owner-a", "inst-a", 60, now).IsSuccess())

	assertRedacted(t, release(t, svc, name, "owner-b", "inst-b", now+1))
	assertRedacted(t, release(t, svc, name, "owner-a", "inst-b", now+60))

	stored := get(t, svc, name)
	require.NotNil(t, stored)
	assert.Equal(t, "owner-a", stored.Owner)
}

func testEndToEnd(t *testing.T, svc lock.Service) {
	name := newName()
	now := baseTime()

	res := acquire(t, svc, name, "o", "i", 60, now)
	require.True(t, res.IsSuccess())
	assert.Equal(t, now+60, res.Expiry)

	res = renew(t, svc, name, "o", "i", 60, now+30)
	require.True(t, res.IsSuccess())
	assert.Equal(t, now+120, res.Expiry)
	assert.Equal(t, int64(120), res.LeaseDuration)

	res = release(t, svc, name, "o", "i", now+60)
	require.True(t, res.IsSuccess())
	assert.Empty(t, res.Owner)
	assert.Empty(t, res.InstanceID)
	assert.Zero(t, res.LeaseDuration)
	assert.Zero(t, res.Expiry)

	assert.Nil(t, get(t, svc, name))
}

func testInvalidRequests(t *testing.T, svc lock.Service) {
	ctx := context.Background()
	now := baseTime()

	_, err := svc.AcquireLock(ctx, nil, now)
	assert.ErrorIs(t, err, lock.ErrInvalidRequest)

	_, err = svc.RenewLock(ctx, &lock.Record{Namespace: Namespace}, now)
	assert.ErrorIs(t, err, lock.ErrInvalidRequest)

	_, err = svc.ReleaseLock(ctx, &lock.Record{LockName: "name"}, now)
	assert.ErrorIs(t, err, lock.ErrInvalidRequest)

	_, err = svc.GetLock(ctx, "", "name")
	assert.ErrorIs(t, err, lock.ErrInvalidRequest)
}

func testMaxLengthIdentity(t *testing.T, svc lock.Service) {
	name := newName()
	name += strings.Repeat("n", MaxNameLength-len(name))
	owner := strings.Repeat("o", MaxIdentityLength)
	instance := strings.Repeat("i", MaxIdentityLength)
	now := baseTime()

	res := acquire(t, svc, name, owner, instance, 60, now)
	require.True(t, res.IsSuccess(), res.Outcome)

	rec := get(t, svc, name)
	require.NotNil(t, rec)
	assert.Equal(t, owner, rec.Owner)
	assert.Equal(t, instance, rec.InstanceID)

	res = renew(t, svc, name, owner, instance, 30, now+1)
	require.True(t, res.IsSuccess(), res.Outcome)
	assert.Equal(t, now+90, res.Expiry)

	res = release(t, svc, name, owner, instance, now+2)
	assert.True(t, res.IsSuccess(), res.Outcome)
	assert.Equal(t, lock.OutcomeReleased, res.Outcome)
}
