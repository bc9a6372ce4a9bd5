// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/absmach/cmdrelay/config"
	"github.com/sony/gobreaker"
)

// Mode selects the dispatch algorithm.
type Mode int

const (
	// ModeQuery reads with failover across server urls.
	ModeQuery Mode = iota
	// ModeCommand writes with failover, or broadcast when the policy says so.
	ModeCommand
)

func (m Mode) String() string {
	switch m {
	case ModeQuery:
		return "query"
	case ModeCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Response is the structured result of one network call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Action performs exactly one network call against ep. url is the endpoint
// base joined with the path suffix. ctx carries the per-attempt deadline.
type Action func(ctx context.Context, ep config.Endpoint, url string) (*Response, error)

// Outcome is the classification of one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeNotFound is a 404 with a JSON body: a valid "no data" answer.
	OutcomeNotFound
	OutcomeServerError
	// OutcomeUnexpectedNotFound is a 404 without a JSON body. The endpoint is
	// assumed misconfigured or not ready, so the next one is tried.
	OutcomeUnexpectedNotFound
	OutcomeTransportFailure
	OutcomeTimeout
	// OutcomeCircuitOpen means the endpoint breaker rejected the call.
	OutcomeCircuitOpen
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeServerError:
		return "server_error"
	case OutcomeUnexpectedNotFound:
		return "unexpected_not_found"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// endpointFailure reports whether the outcome counts against the endpoint.
func (o Outcome) endpointFailure() bool {
	switch o {
	case OutcomeSuccess, OutcomeNotFound:
		return false
	default:
		return true
	}
}

// Classify maps the result of an Action onto an Outcome.
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return OutcomeCircuitOpen
		case isTimeout(err):
			return OutcomeTimeout
		default:
			return OutcomeTransportFailure
		}
	}
	if resp == nil {
		return OutcomeTransportFailure
	}

	switch {
	case resp.Status >= 500:
		return OutcomeServerError
	case resp.Status == http.StatusNotFound:
		if jsonShaped(resp.Body) {
			return OutcomeNotFound
		}
		return OutcomeUnexpectedNotFound
	default:
		return OutcomeSuccess
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func jsonShaped(body []byte) bool {
	b := bytes.TrimSpace(body)
	if len(b) == 0 || (b[0] != '{' && b[0] != '[') {
		return false
	}
	return json.Valid(b)
}

// JoinPath appends a path suffix to an endpoint base url with exactly one
// slash between them.
func JoinPath(base, suffix string) string {
	switch {
	case suffix == "":
		return base
	case strings.HasSuffix(base, "/") && strings.HasPrefix(suffix, "/"):
		return base + suffix[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(suffix, "/"):
		return base + "/" + suffix
	default:
		return base + suffix
	}
}
