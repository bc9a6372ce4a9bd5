// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sticky remembers which read endpoint last answered so that
// subsequent queries prefer it instead of re-probing the list from the start.
package sticky

import (
	"context"
	"log/slog"
)

// LastGoodReadKey is the store key of the last-good read endpoint index.
const LastGoodReadKey = "last_good_read_index"

// Store is a concurrent map of integer values. A single-process agent uses
// Local; agents sharing a host or fleet plug in Etcd.
type Store interface {
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) (int, bool, error)

	// Put sets the value unconditionally.
	Put(ctx context.Context, key string, value int) error

	// PutIfAbsent sets the value only if the key does not exist yet.
	PutIfAbsent(ctx context.Context, key string, value int) error
}

// Index is the view of sticky state the dispatcher depends on.
type Index interface {
	Get(ctx context.Context) int
	Set(ctx context.Context, idx int)
}

var _ Index = (*State)(nil)

// State holds the last-good read endpoint index on top of a Store.
// Store failures degrade to index 0 and never fail the caller.
type State struct {
	store  Store
	key    string
	logger *slog.Logger
}

// New creates sticky state backed by store. A nil store means Local.
func New(store Store, logger *slog.Logger) *State {
	if store == nil {
		store = NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		store:  store,
		key:    LastGoodReadKey,
		logger: logger,
	}
}

// Get returns the stored index, initializing it to 0 when absent.
func (s *State) Get(ctx context.Context) int {
	if err := s.store.PutIfAbsent(ctx, s.key, 0); err != nil {
		s.logger.Warn("sticky state unavailable, starting from first endpoint",
			slog.String("error", err.Error()))
		return 0
	}

	v, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("sticky state unavailable, starting from first endpoint",
			slog.String("error", err.Error()))
		return 0
	}
	if !ok || v < 0 {
		return 0
	}
	return v
}

// Set stores idx. Last write wins between concurrent writers.
func (s *State) Set(ctx context.Context, idx int) {
	if err := s.store.Put(ctx, s.key, idx); err != nil {
		s.logger.Warn("failed to update sticky state",
			slog.Int("index", idx),
			slog.String("error", err.Error()))
	}
}

// Reset sets the index back to 0.
func (s *State) Reset(ctx context.Context) {
	s.Set(ctx, 0)
}
