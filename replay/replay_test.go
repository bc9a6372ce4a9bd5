// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/cmdrelay/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSubmitter struct {
	mu       sync.Mutex
	fail     map[string]bool // payloads that fail
	reject   map[string]bool // payloads the service refuses
	received []string
	calls    atomic.Int32
}

func (m *mockSubmitter) Resubmit(_ context.Context, cmd queue.Command) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, string(cmd.Payload))
	if m.reject[string(cmd.Payload)] {
		return fmt.Errorf("failed to submit '%s' command: [400 Bad Request]: %w", cmd.Name, ErrRejected)
	}
	if m.fail[string(cmd.Payload)] {
		return errors.New("all endpoints failed")
	}
	return nil
}

func (m *mockSubmitter) getReceived() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSpool(t *testing.T) *queue.Spool {
	t.Helper()
	s, err := queue.NewSpool(t.TempDir(), 100, testLogger())
	require.NoError(t, err)
	return s
}

func enqueue(t *testing.T, q queue.Queue, payloads ...string) {
	t.Helper()
	for i, p := range payloads {
		_, err := q.Enqueue(queue.Command{
			Name:      "replace facts",
			Version:   5,
			Producer:  "agent-1",
			Payload:   []byte(p),
			CreatedAt: time.Unix(1700000000, int64(i)),
		})
		require.NoError(t, err)
	}
}

func TestFlush_DeliversInOrderAndEmptiesQueue(t *testing.T) {
	q := newSpool(t)
	enqueue(t, q, "a", "b", "c")

	s := &mockSubmitter{}
	r := New(q, s, WithLogger(testLogger()))

	res, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 3}, res)
	assert.Equal(t, []string{"a", "b", "c"}, s.getReceived())

	size, err := q.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestFlush_FailedEntryStaysAndDoesNotBlock(t *testing.T) {
	q := newSpool(t)
	enqueue(t, q, "a", "b", "c")

	s := &mockSubmitter{fail: map[string]bool{"b": true}}
	r := New(q, s, WithLogger(testLogger()))

	res, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 2, Failed: 1}, res)
	assert.Equal(t, []string{"a", "b", "c"}, s.getReceived())

	var left []string
	require.NoError(t, q.Each(func(e queue.Entry) error {
		left = append(left, string(e.Command.Payload))
		return nil
	}))
	assert.Equal(t, []string{"b"}, left)

	// The next flush retries only what is left.
	s.fail = nil
	res, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 1}, res)
}

func TestFlush_RejectedEntryIsDropped(t *testing.T) {
	q := newSpool(t)
	enqueue(t, q, "a", "b", "c")

	s := &mockSubmitter{
		fail:   map[string]bool{"c": true},
		reject: map[string]bool{"b": true},
	}
	r := New(q, s, WithLogger(testLogger()))

	res, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 1, Failed: 1, Rejected: 1}, res)

	var left []string
	require.NoError(t, q.Each(func(e queue.Entry) error {
		left = append(left, string(e.Command.Payload))
		return nil
	}))
	assert.Equal(t, []string{"c"}, left)

	// A rejected command is never offered again.
	s.fail = nil
	res, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 1}, res)
	assert.Equal(t, []string{"a", "b", "c", "c"}, s.getReceived())
}

func TestFlush_SkipsMalformedEntries(t *testing.T) {
	q := newSpool(t)
	enqueue(t, q, "a")

	bad := "00000000000000000001_agent-1_replace-facts_0.command"
	require.NoError(t, os.WriteFile(filepath.Join(q.Dir(), bad), []byte("garbage"), 0o600))

	s := &mockSubmitter{}
	r := New(q, s, WithLogger(testLogger()))

	res, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 1, Malformed: 1}, res)
	assert.Equal(t, int32(1), s.calls.Load())

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size, "malformed entry is left in place")
}

func TestFlush_EmptyQueue(t *testing.T) {
	r := New(newSpool(t), &mockSubmitter{}, WithLogger(testLogger()))
	res, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestFlush_CancelledContext(t *testing.T) {
	q := newSpool(t)
	enqueue(t, q, "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &mockSubmitter{}
	res, err := New(q, s, WithLogger(testLogger())).Flush(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, s.calls.Load())
}

func TestFlush_UnreadableQueue(t *testing.T) {
	q := newSpool(t)
	require.NoError(t, os.RemoveAll(q.Dir()))

	_, err := New(q, &mockSubmitter{}, WithLogger(testLogger())).Flush(context.Background())
	assert.Error(t, err)
}

func TestFlush_RateLimited(t *testing.T) {
	q := newSpool(t)
	payloads := make([]string, 4)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("p%d", i)
	}
	enqueue(t, q, payloads...)

	s := &mockSubmitter{}
	r := New(q, s, WithLogger(testLogger()), WithRateLimit(20, 1))

	start := time.Now()
	res, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Succeeded)
	// Three waits of 50ms after the initial burst.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRun_FlushesUntilCancelled(t *testing.T) {
	q := newSpool(t)
	enqueue(t, q, "a")

	s := &mockSubmitter{}
	r := New(q, s, WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		size, err := q.Size()
		return err == nil && size == 0
	}, time.Second, 5*time.Millisecond)

	enqueue(t, q, "b")
	require.Eventually(t, func() bool {
		return len(s.getReceived()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	r := New(newSpool(t), &mockSubmitter{}, WithLogger(testLogger()))
	assert.Error(t, r.Run(context.Background(), 0))
}
