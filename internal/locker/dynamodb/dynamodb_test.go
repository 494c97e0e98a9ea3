package dynamodb

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/lock/locktest"
)

// fakeTable evaluates the store's condition expressions in Go, serialized by
// a mutex the way DynamoDB serializes writes to one item.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]item
	err   error

	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	deletes []*dynamodb.DeleteItemInput
	gets    int
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]item)}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func keyValue(key map[string]types.AttributeValue) string {
	return key["lockId"].(*types.AttributeValueMemberS).Value
}

func stringValue(values map[string]types.AttributeValue, name string) string {
	return values[name].(*types.AttributeValueMemberS).Value
}

func numberValue(values map[string]types.AttributeValue, name string) int64 {
	n, _ := strconv.ParseInt(values[name].(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func marshal(it item) map[string]types.AttributeValue {
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		panic(err)
	}
	return av
}

func (f *fakeTable) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}

	it, ok := f.items[keyValue(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: marshal(it)}, nil
}

func (f *fakeTable) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	if f.err != nil {
		return nil, f.err
	}

	var next item
	if err := attributevalue.UnmarshalMap(in.Item, &next); err != nil {
		return nil, err
	}

	values := in.ExpressionAttributeValues
	existing, ok := f.items[next.LockID]
	if ok {
		expired := existing.Expiry < numberValue(values, ":now")
		sameHolder := existing.Owner == stringValue(values, ":owner") && existing.InstanceID == stringValue(values, ":instanceId")
		if !expired && !sameHolder {
			return nil, conditionFailed()
		}
	}

	f.items[next.LockID] = next
	out := &dynamodb.PutItemOutput{}
	if ok {
		out.Attributes = marshal(existing)
	}
	return out, nil
}

func (f *fakeTable) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.err != nil {
		return nil, f.err
	}

	values := in.ExpressionAttributeValues
	key := keyValue(in.Key)
	existing, ok := f.items[key]
	if !ok ||
		existing.Expiry < numberValue(values, ":now") ||
		existing.Owner != stringValue(values, ":owner") ||
		existing.InstanceID != stringValue(values, ":instanceId") {
		return nil, conditionFailed()
	}

	delta := numberValue(values, ":delta")
	existing.LeaseDuration += delta
	existing.Expiry += delta
	existing.TTL += delta
	f.items[key] = existing
	return &dynamodb.UpdateItemOutput{Attributes: marshal(existing)}, nil
}

func (f *fakeTable) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, in)
	if f.err != nil {
		return nil, f.err
	}

	values := in.ExpressionAttributeValues
	key := keyValue(in.Key)
	existing, ok := f.items[key]
	if !ok {
		return &dynamodb.DeleteItemOutput{}, nil
	}
	if existing.Owner != stringValue(values, ":owner") || existing.InstanceID != stringValue(values, ":instanceId") {
		return nil, conditionFailed()
	}

	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{Attributes: marshal(existing)}, nil
}

func (f *fakeTable) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, f.err
}

func TestStore_Conformance(t *testing.T) {
	locktest.Run(t, func(t *testing.T) lock.Service {
		return NewStore(newFakeTable())
	})
}

func TestStore_AcquireLock_Request(t *testing.T) {
	table := newFakeTable()
	store := NewStore(table, WithTable("app-locks"))
	req := &lock.Record{Namespace: "ns", LockName: "job", Owner: "alice", InstanceID: "i-1", LeaseDuration: 60, Expiry: 1060}

	res, err := store.AcquireLock(context.Background(), req, 1000)
	require.NoError(t, err)
	assert.Equal(t, lock.OutcomeAcquired, res.Outcome)

	require.Len(t, table.puts, 1)
	in := table.puts[0]
	assert.Equal(t, "app-locks", aws.ToString(in.TableName))
	assert.Equal(t, acquireCondition, aws.ToString(in.ConditionExpression))
	assert.Equal(t, types.ReturnValueAllOld, in.ReturnValues)
	assert.Equal(t, int64(1000), numberValue(in.ExpressionAttributeValues, ":now"))

	stored := table.items["ns:job"]
	assert.Equal(t, "ns:job", stored.LockID)
	assert.Equal(t, int64(1060), stored.TTL)

	res, err = store.AcquireLock(context.Background(), req, 1001)
	require.NoError(t, err)
	assert.Equal(t, lock.OutcomeLockReplaced, res.Outcome)
}

func TestStore_RenewLock_Request(t *testing.T) {
	table := newFakeTable()
	store := NewStore(table)
	ctx := context.Background()

	_, err := store.AcquireLock(ctx, &lock.Record{Namespace: "ns", LockName: "job", Owner: "alice", InstanceID: "i-1", LeaseDuration: 60, Expiry: 1060}, 1000)
	require.NoError(t, err)

	res, err := store.RenewLock(ctx, &lock.Record{Namespace: "ns", LockName: "job", Owner: "alice", InstanceID: "i-1", LeaseDuration: 30}, 1030)
	require.NoError(t, err)
	assert.Equal(t, lock.OutcomeRenewed, res.Outcome)
	assert.Equal(t, int64(1090), res.Expiry)
	assert.Equal(t, int64(90), res.LeaseDuration)

	require.Len(t, table.updates, 1)
	in := table.updates[0]
	assert.Equal(t, renewCondition, aws.ToString(in.ConditionExpression))
	assert.Equal(t, renewUpdate, aws.ToString(in.UpdateExpression))
	assert.Equal(t, types.ReturnValueAllNew, in.ReturnValues)
	assert.Equal(t, int64(1090), table.items["ns:job"].TTL)

	// the renewed values come back from the update itself
	assert.Zero(t, table.gets)
}

func TestStore_ReleaseLock_Classification(t *testing.T) {
	ctx := context.Background()
	holder := &lock.Record{Namespace: "ns", LockName: "job", Owner: "alice", InstanceID: "i-1", LeaseDuration: 60, Expiry: 1060}
	other := &lock.Record{Namespace: "ns", LockName: "job", Owner: "bob", InstanceID: "i-2"}

	t.Run("not found", func(t *testing.T) {
		store := NewStore(newFakeTable())
		res, err := store.ReleaseLock(ctx, other, 1000)
		require.NoError(t, err)
		assert.Equal(t, lock.OutcomeReleasedNotFound, res.Outcome)
	})

	t.Run("expired foreign lock", func(t *testing.T) {
		table := newFakeTable()
		store := NewStore(table)
		_, err := store.AcquireLock(ctx, holder, 1000)
		require.NoError(t, err)

		res, err := store.ReleaseLock(ctx, other, 1061)
		require.NoError(t, err)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, lock.OutcomeReleasedExpired, res.Outcome)
		assert.Equal(t, 1, table.gets)
	})

	t.Run("live foreign lock", func(t *testing.T) {
		store := NewStore(newFakeTable())
		_, err := store.AcquireLock(ctx, holder, 1000)
		require.NoError(t, err)

		res, err := store.ReleaseLock(ctx, other, 1060)
		require.NoError(t, err)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, lock.OutcomeReleaseConflict, res.Outcome)
	})
}

func TestStore_BackendErrors(t *testing.T) {
	table := newFakeTable()
	table.err = errors.New("throttled")
	store := NewStore(table)
	ctx := context.Background()
	req := &lock.Record{Namespace: "ns", LockName: "job", Owner: "alice", InstanceID: "i-1", LeaseDuration: 60, Expiry: 1060}

	rec, err := store.GetLock(ctx, "ns", "job")
	require.NoError(t, err)
	assert.Nil(t, rec)

	res, err := store.AcquireLock(ctx, req, 1000)
	require.NoError(t, err)
	assert.Equal(t, lock.OutcomeAcquireError, res.Outcome)
	assert.Empty(t, res.Owner)

	res, err = store.RenewLock(ctx, req, 1000)
	require.NoError(t, err)
	assert.Equal(t, lock.OutcomeRenewError, res.Outcome)

	res, err = store.ReleaseLock(ctx, req, 1000)
	require.NoError(t, err)
	assert.Equal(t, lock.OutcomeReleaseError, res.Outcome)

	assert.Error(t, store.Ping(ctx))
}

// TestStore_Conformance_Live runs against a real table when DYNAMODB_ENDPOINT is set.
func TestStore_Conformance_Live(t *testing.T) {
	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	if endpoint == "" {
		t.Skip("DYNAMODB_ENDPOINT not set")
	}

	client, err := NewClient(context.Background(), "us-east-1", endpoint)
	require.NoError(t, err)

	table := os.Getenv("DYNAMODB_TABLE")
	if table == "" {
		table = DefaultTable
	}

	locktest.Run(t, func(t *testing.T) lock.Service {
		return NewStore(client, WithTable(table))
	})
}
