// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

// EtcdNode is a single-member embedded etcd used by tests that exercise
// shared sticky state.
type EtcdNode struct {
	Etcd       *embed.Etcd
	Client     *clientv3.Client
	ClientAddr string
	PeerAddr   string
	DataDir    string
}

func allocateUniquePort(t *testing.T, used map[int]struct{}) int {
	t.Helper()

	for {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		if _, exists := used[port]; exists {
			continue
		}
		used[port] = struct{}{}
		return port
	}
}

// StartEtcd starts an embedded etcd member and a client connected to it.
// Both are shut down through t.Cleanup.
func StartEtcd(t *testing.T) *EtcdNode {
	t.Helper()

	usedPorts := make(map[int]struct{})
	clientAddr := fmt.Sprintf("127.0.0.1:%d", allocateUniquePort(t, usedPorts))
	peerAddr := fmt.Sprintf("127.0.0.1:%d", allocateUniquePort(t, usedPorts))

	peerURL, err := url.Parse("http://" + peerAddr)
	require.NoError(t, err)
	clientURL, err := url.Parse("http://" + clientAddr)
	require.NoError(t, err)

	cfg := embed.NewConfig()
	cfg.Name = "relay-test"
	cfg.Dir = t.TempDir()
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.ClusterState = embed.ClusterStateFlagNew
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		e.Server.Stop()
		e.Close()
		t.Fatal("embedded etcd took too long to start")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientAddr},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		e.Close()
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		e.Close()
	})

	return &EtcdNode{
		Etcd:       e,
		Client:     client,
		ClientAddr: clientAddr,
		PeerAddr:   peerAddr,
		DataDir:    cfg.Dir,
	}
}
