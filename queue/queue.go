// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue spools commands that could not be delivered so they can be
// replayed later. Entries survive process restarts.
package queue

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull      = errors.New("command queue is full")
	ErrMalformedEntry = errors.New("malformed queue entry")
	ErrInvalidCommand = errors.New("invalid command")
)

// Queue is a durable FIFO of commands keyed by spool identity.
type Queue interface {
	// Enqueue stores cmd and returns its identity. A zero CreatedAt is set
	// to the current time. Commands failing Validate are rejected with
	// *InvalidCommandError and nothing is stored.
	Enqueue(cmd Command) (string, error)

	// Each calls fn for every entry in identity order. The entry set is
	// read when Each is called. Malformed entries are delivered with Err
	// set. An error returned by fn stops the iteration and is returned.
	Each(fn func(Entry) error) error

	// Dequeue removes the entry. Removing a missing entry succeeds.
	Dequeue(id string) error

	// Size returns the number of stored entries.
	Size() (int, error)

	// Clear removes every entry.
	Clear() error

	Close() error
}

// Entry is one stored command.
type Entry struct {
	ID      string
	Command Command
	Err     error // *MalformedEntryError when the entry cannot be decoded
}

// QueueFullError is returned when the queue already holds Max commands.
type QueueFullError struct {
	Max  int
	Size int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("command queue is full: %d queued, max_queued_commands is %d", e.Size, e.Max)
}

func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

// MalformedEntryError describes an entry that cannot be decoded.
type MalformedEntryError struct {
	ID     string
	Reason string
	Err    error
}

func (e *MalformedEntryError) Error() string {
	msg := fmt.Sprintf("malformed queue entry %s: %s", e.ID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEntryError) Is(target error) bool {
	return target == ErrMalformedEntry
}

func (e *MalformedEntryError) Unwrap() error {
	return e.Err
}

// InvalidCommandError is returned when a command cannot be stored as a
// well-formed entry.
type InvalidCommandError struct {
	Field  string
	Reason string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command: %s %s", e.Field, e.Reason)
}

func (e *InvalidCommandError) Is(target error) bool {
	return target == ErrInvalidCommand
}
