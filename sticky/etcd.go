// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sticky

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

var _ Store = (*Etcd)(nil)

const defaultOpTimeout = 2 * time.Second

// Etcd shares sticky values between agent processes through etcd.
//
// Key format: {prefix}{key}
type Etcd struct {
	client    *clientv3.Client
	prefix    string
	opTimeout time.Duration
}

// EtcdConfig holds the etcd client settings.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// DialEtcd connects to etcd and returns a Store using it. Close releases
// the client.
func DialEtcd(cfg EtcdConfig) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return NewEtcd(client, cfg.Prefix), nil
}

// NewEtcd wraps an existing client.
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	return &Etcd{
		client:    client,
		prefix:    prefix,
		opTimeout: defaultOpTimeout,
	}
}

func (e *Etcd) Get(ctx context.Context, key string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return 0, false, err
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}

	v, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return 0, false, fmt.Errorf("invalid sticky value for %s: %w", key, err)
	}
	return v, true, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value int) error {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	_, err := e.client.Put(ctx, e.prefix+key, strconv.Itoa(value))
	return err
}

func (e *Etcd) PutIfAbsent(ctx context.Context, key string, value int) error {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	k := e.prefix + key
	_, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, strconv.Itoa(value))).
		Commit()
	return err
}

// Close closes the underlying etcd client.
func (e *Etcd) Close() error {
	return e.client.Close()
}
