// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger stores the command queue in a BadgerDB database instead of
// a directory of files. Keys use the same identities as the file spool.
package badger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/cmdrelay/queue"
	"github.com/dgraph-io/badger/v4"
)

// Key format: command/{entry id}
const keyPrefix = "command/"

var _ queue.Queue = (*Queue)(nil)

// Config holds BadgerDB queue configuration.
type Config struct {
	Dir       string // Directory for BadgerDB data
	MaxQueued int
	InMemory  bool // tests only
}

// Queue implements queue.Queue on BadgerDB.
type Queue struct {
	db     *badger.DB
	max    int
	logger *slog.Logger

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
	enqMu    sync.Mutex
}

// New opens a BadgerDB-backed command queue.
func New(cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.MaxQueued < 0 {
		return nil, fmt.Errorf("max queued commands cannot be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Queued commands must survive a crash.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger queue: %w", err)
	}

	q := &Queue{
		db:       db,
		max:      cfg.MaxQueued,
		logger:   logger,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go q.runGC()

	return q, nil
}

func (q *Queue) Enqueue(cmd queue.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}

	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	id := queue.EntryID(cmd)
	data := queue.Encode(cmd)

	// Inserted keys are not conflict-checked, so the count and the write
	// must not interleave with another Enqueue.
	q.enqMu.Lock()
	defer q.enqMu.Unlock()

	var size int
	err := q.db.Update(func(txn *badger.Txn) error {
		size = count(txn)
		if size >= q.max {
			return &queue.QueueFullError{Max: q.max, Size: size}
		}
		return txn.Set([]byte(keyPrefix+id), data)
	})
	if err != nil {
		return "", err
	}

	q.logger.Debug("command queued",
		slog.String("id", id),
		slog.String("command", cmd.Name),
		slog.Int("queued", size+1))
	return id, nil
}

func (q *Queue) Each(fn func(queue.Entry) error) error {
	var ids []string
	err := q.db.View(func(txn *badger.Txn) error {
		ids = keys(txn)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}

	for _, id := range ids {
		var data []byte
		err := q.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(keyPrefix + id))
			if err != nil {
				return err
			}
			data, err = item.ValueCopy(nil)
			return err
		})
		if err == badger.ErrKeyNotFound {
			continue
		}

		var entry queue.Entry
		if err != nil {
			entry = queue.Entry{ID: id, Err: &queue.MalformedEntryError{ID: id, Reason: "unreadable", Err: err}}
		} else {
			cmd, derr := queue.Decode(id, data)
			entry = queue.Entry{ID: id, Command: cmd, Err: derr}
		}
		if ferr := fn(entry); ferr != nil {
			return ferr
		}
	}
	return nil
}

func (q *Queue) Dequeue(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("invalid queue entry id '%s'", id)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + id))
	})
}

func (q *Queue) Size() (int, error) {
	var n int
	err := q.db.View(func(txn *badger.Txn) error {
		n = count(txn)
		return nil
	})
	return n, err
}

func (q *Queue) Clear() error {
	if err := q.db.DropPrefix([]byte(keyPrefix)); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	q.logger.Info("command queue cleared")
	return nil
}

// Close gracefully closes the BadgerDB database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.gcStopCh)
	<-q.gcDone

	return q.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (q *Queue) runGC() {
	defer close(q.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = q.db.RunValueLogGC(0.5)
		case <-q.gcStopCh:
			return
		}
	}
}

func keys(txn *badger.Txn) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(keyPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
	}
	return ids
}

func count(txn *badger.Txn) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(keyPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}
