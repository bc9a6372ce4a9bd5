// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/cmdrelay/internal/bufpool"
)

// Extension marks completed spool entries. Anything else in the spool is
// ignored by enumeration.
const Extension = ".command"

// Command is an immutable write operation destined for the service.
type Command struct {
	Name      string
	Version   int
	Producer  string // identity of the agent that produced the command
	Payload   []byte
	CreatedAt time.Time
}

// Checksum returns the hex SHA-1 of the payload, as sent with submissions.
func (c Command) Checksum() string {
	sum := sha1.Sum(c.Payload)
	return hex.EncodeToString(sum[:])
}

// Validate reports whether cmd can be stored and read back unchanged. The
// name and producer are line-delimited in the entry body.
func (c Command) Validate() error {
	fail := func(field, reason string) error {
		return &InvalidCommandError{Field: field, Reason: reason}
	}

	switch {
	case c.Name == "":
		return fail("name", "cannot be empty")
	case strings.ContainsAny(c.Name, "\r\n"):
		return fail("name", "cannot contain line breaks")
	case c.Version < 0:
		return fail("version", fmt.Sprintf("must not be negative, got %d", c.Version))
	case c.Producer == "":
		return fail("producer", "cannot be empty")
	case strings.ContainsAny(c.Producer, "\r\n"):
		return fail("producer", "cannot contain line breaks")
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.\-]+`)

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	if s == "" {
		return "-"
	}
	return s
}

// EntryID returns the spool identity of cmd:
// <unix-nanos>_<producer>_<name>_<checksum>.command. The zero padded
// timestamp makes lexicographic order chronological; the checksum covers
// payload, timestamp, producer, name and version.
func EntryID(cmd Command) string {
	ts := fmt.Sprintf("%020d", cmd.CreatedAt.UnixNano())

	h := sha1.New()
	h.Write(cmd.Payload)
	h.Write([]byte(ts))
	h.Write([]byte(cmd.Producer))
	h.Write([]byte{0})
	h.Write([]byte(cmd.Name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(cmd.Version)))

	return fmt.Sprintf("%s_%s_%s_%s%s", ts, sanitize(cmd.Producer), sanitize(cmd.Name),
		hex.EncodeToString(h.Sum(nil)), Extension)
}

// Encode renders the entry body: name, version and producer on their own
// lines, followed by the raw payload.
func Encode(cmd Command) []byte {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	buf.WriteString(cmd.Name)
	buf.WriteByte('\n')
	buf.WriteString(strconv.Itoa(cmd.Version))
	buf.WriteByte('\n')
	buf.WriteString(cmd.Producer)
	buf.WriteByte('\n')
	buf.Write(cmd.Payload)

	return bytes.Clone(buf.Bytes())
}

// Decode parses an entry body stored under id.
func Decode(id string, data []byte) (Command, error) {
	fail := func(reason string) (Command, error) {
		return Command{}, &MalformedEntryError{ID: id, Reason: reason}
	}

	parts := bytes.SplitN(data, []byte{'\n'}, 4)
	if len(parts) < 4 {
		return fail("expected name, version and producer lines before the payload")
	}

	name := string(parts[0])
	if name == "" {
		return fail("empty command name")
	}
	version, err := strconv.Atoi(string(parts[1]))
	if err != nil || version < 0 {
		return fail(fmt.Sprintf("invalid version '%s'", parts[1]))
	}
	producer := string(parts[2])
	if producer == "" {
		return fail("empty producer identity")
	}

	createdAt, err := entryTime(id)
	if err != nil {
		return fail(err.Error())
	}

	return Command{
		Name:      name,
		Version:   version,
		Producer:  producer,
		Payload:   parts[3],
		CreatedAt: createdAt,
	}, nil
}

func entryTime(id string) (time.Time, error) {
	ts, _, ok := strings.Cut(id, "_")
	if !ok {
		return time.Time{}, fmt.Errorf("entry name '%s' has no timestamp", id)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("entry name '%s' has an invalid timestamp", id)
	}
	return time.Unix(0, nanos), nil
}
