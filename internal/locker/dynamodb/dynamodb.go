// Package dynamodb provides a lock backend on DynamoDB. Every mutation is a
// single conditional write evaluated atomically by the table.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
)

// Name is the backend name reported in logs and metrics.
const Name = "dynamodb"

// DefaultTable is the table used when none is configured.
const DefaultTable = "locks"

// Condition expressions. Attribute names go through placeholders since
// "owner" and "ttl" are reserved words.
const (
	acquireCondition = "attribute_not_exists(lockId) OR #expiry < :now OR (#owner = :owner AND #instanceId = :instanceId)"
	renewCondition   = "attribute_exists(lockId) AND #expiry >= :now AND #owner = :owner AND #instanceId = :instanceId"
	renewUpdate      = "SET #leaseDuration = #leaseDuration + :delta, #expiry = #expiry + :delta, #ttl = #ttl + :delta"
	releaseCondition = "attribute_not_exists(lockId) OR (#owner = :owner AND #instanceId = :instanceId)"
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// item is the stored shape of a lock. TTL mirrors expiry so the table's
// TTL sweeper can physically delete expired locks.
type item struct {
	LockID        string `dynamodbav:"lockId"`
	Namespace     string `dynamodbav:"namespace"`
	LockName      string `dynamodbav:"lockName"`
	Owner         string `dynamodbav:"owner"`
	InstanceID    string `dynamodbav:"instanceId"`
	LeaseDuration int64  `dynamodbav:"leaseDuration"`
	Expiry        int64  `dynamodbav:"expiry"`
	TTL           int64  `dynamodbav:"ttl"`
}

func newItem(rec *lock.Record) item {
	return item{
		LockID:        rec.Key(),
		Namespace:     rec.Namespace,
		LockName:      rec.LockName,
		Owner:         rec.Owner,
		InstanceID:    rec.InstanceID,
		LeaseDuration: rec.LeaseDuration,
		Expiry:        rec.Expiry,
		TTL:           rec.Expiry,
	}
}

func (i item) record() *lock.Record {
	return &lock.Record{
		Namespace:     i.Namespace,
		LockName:      i.LockName,
		Owner:         i.Owner,
		InstanceID:    i.InstanceID,
		LeaseDuration: i.LeaseDuration,
		Expiry:        i.Expiry,
	}
}

// Store is a DynamoDB implementation of lock.Service.
type Store struct {
	client API
	table  string
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the lock table name.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithLogger sets the logger used for backend errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a DynamoDB-backed lock store.
func NewStore(client API, opts ...Option) *Store {
	s := &Store{
		client: client,
		table:  DefaultTable,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "locker").Str("backend", Name).Logger()
	return s
}

// Name returns the backend name.
func (s *Store) Name() string {
	return Name
}

// Ping checks that the table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

func keyOf(namespace, lockName string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"lockId": &types.AttributeValueMemberS{Value: lock.Key(namespace, lockName)},
	}
}

func number(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// GetLock reads the item with strong consistency.
func (s *Store) GetLock(ctx context.Context, namespace, lockName string) (*lock.Record, error) {
	if err := lock.ValidateKey(namespace, lockName); err != nil {
		return nil, err
	}

	rec, err := s.read(ctx, namespace, lockName)
	if err != nil {
		s.logger.Error().Err(err).
			Str("namespace", namespace).
			Str("lockName", lockName).
			Msg("failed to get lock")
		return nil, nil
	}
	return rec, nil
}

func (s *Store) read(ctx context.Context, namespace, lockName string) (*lock.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(namespace, lockName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("decode lock item: %w", err)
	}
	return it.record(), nil
}

// AcquireLock writes the requested item unless a different holder has it live.
func (s *Store) AcquireLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	av, err := attributevalue.MarshalMap(newItem(req))
	if err != nil {
		s.logError(err, req, "failed to encode lock item")
		return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireError), nil
	}

	out, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String(acquireCondition),
		ExpressionAttributeNames: map[string]string{
			"#expiry":     "expiry",
			"#owner":      "owner",
			"#instanceId": "instanceId",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        number(now),
			":owner":      str(req.Owner),
			":instanceId": str(req.InstanceID),
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireConflict), nil
		}
		s.logError(err, req, "failed to acquire lock")
		return lock.Rejected(req, lock.ActionAcquire, lock.OutcomeAcquireError), nil
	}

	return lock.Acquired(req, len(out.Attributes) > 0), nil
}

// RenewLock adds the delta to the stored lease, expiry and ttl, returning the
// updated item from the same call.
func (s *Store) RenewLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyOf(req.Namespace, req.LockName),
		UpdateExpression:    aws.String(renewUpdate),
		ConditionExpression: aws.String(renewCondition),
		ExpressionAttributeNames: map[string]string{
			"#leaseDuration": "leaseDuration",
			"#expiry":        "expiry",
			"#ttl":           "ttl",
			"#owner":         "owner",
			"#instanceId":    "instanceId",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":delta":      number(req.LeaseDuration),
			":now":        number(now),
			":owner":      str(req.Owner),
			":instanceId": str(req.InstanceID),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewConflict), nil
		}
		s.logError(err, req, "failed to renew lock")
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewError), nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		s.logError(err, req, "failed to decode renewed lock")
		return lock.Rejected(req, lock.ActionRenew, lock.OutcomeRenewError), nil
	}

	return lock.NewResult(it.record(), lock.ActionRenew).Succeeded(lock.OutcomeRenewed), nil
}

// ReleaseLock deletes the item when it is absent or held by the requester.
// On a failed condition a second read tells an expired holder apart from a
// live one. That read is not atomic with the delete; it only decides the
// response, never the stored state.
func (s *Store) ReleaseLock(ctx context.Context, req *lock.Record, now int64) (*lock.Result, error) {
	if err := lock.Validate(req); err != nil {
		return nil, err
	}

	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyOf(req.Namespace, req.LockName),
		ConditionExpression: aws.String(releaseCondition),
		ExpressionAttributeNames: map[string]string{
			"#owner":      "owner",
			"#instanceId": "instanceId",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":      str(req.Owner),
			":instanceId": str(req.InstanceID),
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err == nil {
		if len(out.Attributes) == 0 {
			return lock.Released(req, lock.OutcomeReleasedNotFound), nil
		}
		return lock.Released(req, lock.OutcomeReleased), nil
	}
	if !isConditionFailed(err) {
		s.logError(err, req, "failed to release lock")
		return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseError), nil
	}

	existing, err := s.read(ctx, req.Namespace, req.LockName)
	switch {
	case err != nil:
		s.logError(err, req, "failed to check lock after release")
		return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseError), nil
	case existing == nil:
		return lock.Released(req, lock.OutcomeReleasedNotFound), nil
	case existing.IsExpired(now):
		return lock.Released(req, lock.OutcomeReleasedExpired), nil
	}

	return lock.Rejected(req, lock.ActionRelease, lock.OutcomeReleaseConflict), nil
}

func (s *Store) logError(err error, req *lock.Record, msg string) {
	s.logger.Error().Err(err).
		Str("namespace", req.Namespace).
		Str("lockName", req.LockName).
		Msg(msg)
}
