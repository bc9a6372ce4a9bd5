// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sticky

import (
	"context"
	"sync"
)

var _ Store = (*Local)(nil)

// Local is a mutex-guarded in-process Store. Values are lost on restart.
type Local struct {
	mu     sync.Mutex
	values map[string]int
}

// NewLocal creates an empty in-process store.
func NewLocal() *Local {
	return &Local{values: make(map[string]int)}
}

func (l *Local) Get(_ context.Context, key string) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[key]
	return v, ok, nil
}

func (l *Local) Put(_ context.Context, key string, value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[key] = value
	return nil
}

func (l *Local) PutIfAbsent(_ context.Context, key string, value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.values[key]; !ok {
		l.values[key] = value
	}
	return nil
}
