// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/absmach/cmdrelay/config"
	"github.com/absmach/cmdrelay/queue"
	badgerqueue "github.com/absmach/cmdrelay/queue/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Spool.Dir = filepath.Join(t.TempDir(), "commands")
	return cfg
}

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestBuild_FileSpool(t *testing.T) {
	cfg := testConfig(t)
	policy := config.DefaultDispatch()

	r, err := Build(cfg, policy, testOptions())
	require.NoError(t, err)
	defer r.Close()

	assert.NotNil(t, r.Dispatcher)
	assert.NotNil(t, r.Client)
	assert.NotNil(t, r.Replayer)
	assert.Same(t, policy, r.Dispatcher.Policy())

	_, ok := r.Queue.(*queue.Spool)
	assert.True(t, ok)
}

func TestBuild_BadgerSpool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Spool.Type = "badger"

	r, err := Build(cfg, config.DefaultDispatch(), testOptions())
	require.NoError(t, err)

	_, ok := r.Queue.(*badgerqueue.Queue)
	assert.True(t, ok)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestBuild_QueueCapacityFollowsPolicy(t *testing.T) {
	cfg := testConfig(t)
	policy := config.DefaultDispatch()
	policy.MaxQueuedCommands = 1

	r, err := Build(cfg, policy, testOptions())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Queue.Enqueue(queue.Command{Name: "store report", Version: 8, Producer: "agent", Payload: []byte("{}")})
	require.NoError(t, err)
	_, err = r.Queue.Enqueue(queue.Command{Name: "store report", Version: 8, Producer: "agent", Payload: []byte("[]")})
	assert.ErrorIs(t, err, queue.ErrQueueFull)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config, *config.Dispatch)
	}{
		{
			name:   "unknown sticky type",
			modify: func(c *config.Config, _ *config.Dispatch) { c.Sticky.Type = "redis" },
		},
		{
			name:   "unknown spool type",
			modify: func(c *config.Config, _ *config.Dispatch) { c.Spool.Type = "sqlite" },
		},
		{
			name:   "missing CA file",
			modify: func(c *config.Config, _ *config.Dispatch) { c.Transport.CAFile = "/nonexistent/ca.pem" },
		},
		{
			name:   "invalid policy",
			modify: func(_ *config.Config, p *config.Dispatch) { p.MinSuccessfulSubmissions = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			policy := config.DefaultDispatch()
			tt.modify(cfg, policy)

			r, err := Build(cfg, policy, testOptions())
			assert.Error(t, err)
			assert.Nil(t, r)
		})
	}
}
