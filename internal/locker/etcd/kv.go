package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// entry is a stored key as seen by a read.
type entry struct {
	value       []byte
	modRevision int64
	lease       clientv3.LeaseID
}

// kv is the slice of etcd the store needs. A zero revision in the
// conditional calls means the key must not exist.
type kv interface {
	get(ctx context.Context, key string) (*entry, error)
	grant(ctx context.Context, ttl int64) (clientv3.LeaseID, error)
	putIfRevision(ctx context.Context, key string, value []byte, revision int64, lease clientv3.LeaseID) (bool, error)
	deleteIfRevision(ctx context.Context, key string, revision int64) (bool, error)
	revoke(ctx context.Context, lease clientv3.LeaseID) error
	ping(ctx context.Context) error
}

// Config holds connection settings for the etcd cluster.
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// NewClient connects to the etcd cluster.
func NewClient(cfg Config) (*clientv3.Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return client, nil
}

// clientKV implements kv on a clientv3 client.
type clientKV struct {
	client *clientv3.Client
}

func revisionCompare(key string, revision int64) clientv3.Cmp {
	if revision == 0 {
		return clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	}
	return clientv3.Compare(clientv3.ModRevision(key), "=", revision)
}

func (c *clientKV) get(ctx context.Context, key string) (*entry, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	kv := resp.Kvs[0]
	return &entry{
		value:       kv.Value,
		modRevision: kv.ModRevision,
		lease:       clientv3.LeaseID(kv.Lease),
	}, nil
}

func (c *clientKV) grant(ctx context.Context, ttl int64) (clientv3.LeaseID, error) {
	resp, err := c.client.Grant(ctx, ttl)
	if err != nil {
		return clientv3.NoLease, err
	}
	return resp.ID, nil
}

func (c *clientKV) putIfRevision(ctx context.Context, key string, value []byte, revision int64, lease clientv3.LeaseID) (bool, error) {
	resp, err := c.client.Txn(ctx).
		If(revisionCompare(key, revision)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (c *clientKV) deleteIfRevision(ctx context.Context, key string, revision int64) (bool, error) {
	resp, err := c.client.Txn(ctx).
		If(revisionCompare(key, revision)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (c *clientKV) revoke(ctx context.Context, lease clientv3.LeaseID) error {
	_, err := c.client.Revoke(ctx, lease)
	return err
}

func (c *clientKV) ping(ctx context.Context) error {
	_, err := c.client.Get(ctx, "health", clientv3.WithCountOnly())
	return err
}
