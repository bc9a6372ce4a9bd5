// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers used to encode spool entries and
// to read HTTP response bodies.
package bufpool

import (
	"bytes"
	"sync"
)

// Catalog payloads routinely reach hundreds of kilobytes; anything larger
// than this is left to the garbage collector.
const maxPooledCap = 1 << 20

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. The caller must not use b afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
