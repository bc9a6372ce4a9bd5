// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy matches every *ConfigError through errors.Is.
var ErrInvalidPolicy = errors.New("invalid dispatch policy")

// ConfigError reports an invalid dispatch policy. It is fatal at startup.
type ConfigError struct {
	Source string // file the policy was read from, if any
	Line   int    // 1-based, 0 when not tied to a line
	URL    string // offending url, if any
	Msg    string
}

func (e *ConfigError) Error() string {
	loc := e.Source
	if loc != "" && e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, e.Line)
	} else if loc == "" && e.Line > 0 {
		loc = fmt.Sprintf("line %d", e.Line)
	}

	msg := e.Msg
	if e.URL != "" {
		msg = fmt.Sprintf("invalid url '%s': %s", e.URL, e.Msg)
	}
	if loc == "" {
		return "dispatch policy: " + msg
	}
	return fmt.Sprintf("dispatch policy %s: %s", loc, msg)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidPolicy
}
