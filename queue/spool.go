// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const tempPrefix = ".tmp-"

var _ Queue = (*Spool)(nil)

// Spool is a Queue kept as one file per command in a directory the spool
// owns. Entries are written to a temporary file and renamed into place, so
// readers in any process see either nothing or the whole entry.
type Spool struct {
	dir    string
	max    int
	logger *slog.Logger

	// mu serializes the capacity check with the write inside one process.
	mu sync.Mutex
}

// NewSpool opens the spool at dir, creating it if needed. max bounds the
// number of entries.
func NewSpool(dir string, max int, logger *slog.Logger) (*Spool, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if max < 0 {
		return nil, fmt.Errorf("max queued commands cannot be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	return &Spool{dir: dir, max: max, logger: logger}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

func (s *Spool) Enqueue(cmd Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := s.Size()
	if err != nil {
		return "", err
	}
	if size >= s.max {
		return "", &QueueFullError{Max: s.max, Size: size}
	}

	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	id := EntryID(cmd)

	if err := s.writeAtomic(id, Encode(cmd)); err != nil {
		return "", err
	}

	s.logger.Debug("command queued",
		slog.String("id", id),
		slog.String("command", cmd.Name),
		slog.Int("queued", size+1))
	return id, nil
}

func (s *Spool) writeAtomic(id string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create spool entry: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write spool entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync spool entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close spool entry: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, id)); err != nil {
		cleanup()
		return fmt.Errorf("failed to publish spool entry: %w", err)
	}
	return nil
}

func (s *Spool) Each(fn func(Entry) error) error {
	ids, err := s.list()
	if err != nil {
		return err
	}

	for _, id := range ids {
		data, err := os.ReadFile(filepath.Join(s.dir, id))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Dequeued by someone else since listing.
				continue
			}
			err = &MalformedEntryError{ID: id, Reason: "unreadable", Err: err}
			if ferr := fn(Entry{ID: id, Err: err}); ferr != nil {
				return ferr
			}
			continue
		}

		cmd, err := Decode(id, data)
		if ferr := fn(Entry{ID: id, Command: cmd, Err: err}); ferr != nil {
			return ferr
		}
	}
	return nil
}

func (s *Spool) Dequeue(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to dequeue %s: %w", id, err)
	}
	return nil
}

func (s *Spool) Size() (int, error) {
	ids, err := s.list()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Spool) Clear() error {
	ids, err := s.list()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Dequeue(id); err != nil {
			return err
		}
	}
	s.logger.Info("command queue cleared", slog.Int("removed", len(ids)))
	return nil
}

func (s *Spool) Close() error {
	return nil
}

// list returns entry names in lexicographic order.
func (s *Spool) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, Extension) {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

func validID(id string) error {
	if id == "" || filepath.Base(id) != id || !strings.HasSuffix(id, Extension) {
		return fmt.Errorf("invalid queue entry id '%s'", id)
	}
	return nil
}
