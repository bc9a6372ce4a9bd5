// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/cmdrelay/config"
)

var (
	ErrAllEndpointsFailed = errors.New("all endpoints failed")
	ErrThresholdNotMet    = errors.New("minimum successful submissions not met")
)

// Kind distinguishes the terminal dispatch failures.
type Kind int

const (
	AllEndpointsFailed Kind = iota + 1
	ThresholdNotMet
)

func (k Kind) String() string {
	switch k {
	case AllEndpointsFailed:
		return "AllEndpointsFailed"
	case ThresholdNotMet:
		return "ThresholdNotMet"
	default:
		return "Unknown"
	}
}

// Attempt records the last classification seen for one endpoint.
type Attempt struct {
	Endpoint config.Endpoint
	URL      string
	Outcome  Outcome
	Status   int   // HTTP status, 0 when no response arrived
	Err      error // transport error, nil when a response arrived
}

// Reason renders the attempt outcome for logs and errors.
func (a Attempt) Reason() string {
	switch {
	case a.Err != nil:
		return fmt.Sprintf("%s: %v", a.Outcome, a.Err)
	case a.Status != 0:
		return fmt.Sprintf("%s: status %d", a.Outcome, a.Status)
	default:
		return a.Outcome.String()
	}
}

// DispatchError is the terminal failure of one Dispatch call. Raw transport
// errors are only reachable through Attempts.
type DispatchError struct {
	Kind      Kind
	Mode      Mode
	Path      string
	Attempts  []Attempt
	Succeeded int // broadcast only
	Required  int // broadcast only
	// Cause is set when the caller's context ended the call early.
	Cause error
}

func (e *DispatchError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", a.Endpoint, a.Reason()))
	}
	detail := strings.Join(reasons, ", ")

	var msg string
	switch e.Kind {
	case ThresholdNotMet:
		msg = fmt.Sprintf("failed to execute '%s': %d of %d required submissions succeeded; failures: %s",
			e.Path, e.Succeeded, e.Required, detail)
	default:
		msg = fmt.Sprintf("failed to execute '%s' on any of the following endpoints: %s", e.Path, detail)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrAllEndpointsFailed:
		return e.Kind == AllEndpointsFailed
	case ErrThresholdNotMet:
		return e.Kind == ThresholdNotMet
	}
	return false
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}
