// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		err  error
		want Outcome
	}{
		{"200", &Response{Status: 200}, nil, OutcomeSuccess},
		{"201", &Response{Status: 201}, nil, OutcomeSuccess},
		{"400 is an answer", &Response{Status: 400}, nil, OutcomeSuccess},
		{"500", &Response{Status: 500}, nil, OutcomeServerError},
		{"503", &Response{Status: 503}, nil, OutcomeServerError},
		{"404 empty object", &Response{Status: 404, Body: []byte("{}")}, nil, OutcomeNotFound},
		{"404 json error", &Response{Status: 404, Body: []byte(` {"error":"No information is known about node x"} `)}, nil, OutcomeNotFound},
		{"404 json array", &Response{Status: 404, Body: []byte("[]")}, nil, OutcomeNotFound},
		{"404 html", &Response{Status: 404, Body: []byte("<html></html>")}, nil, OutcomeUnexpectedNotFound},
		{"404 empty", &Response{Status: 404}, nil, OutcomeUnexpectedNotFound},
		{"404 broken json", &Response{Status: 404, Body: []byte("{")}, nil, OutcomeUnexpectedNotFound},
		{"404 json scalar", &Response{Status: 404, Body: []byte(`"gone"`)}, nil, OutcomeUnexpectedNotFound},
		{"nil response", nil, nil, OutcomeTransportFailure},
		{"transport error", nil, errors.New("connection reset"), OutcomeTransportFailure},
		{"deadline", nil, context.DeadlineExceeded, OutcomeTimeout},
		{"net timeout", nil, &net.OpError{Op: "dial", Err: timeoutErr{}}, OutcomeTimeout},
		{"breaker open", nil, gobreaker.ErrOpenState, OutcomeCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.resp, tt.err))
		})
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		base, suffix, want string
	}{
		{"https://a:8081/", "/bar/", "https://a:8081/bar/"},
		{"https://a:8081", "bar/", "https://a:8081/bar/"},
		{"https://a:8081", "/bar/", "https://a:8081/bar/"},
		{"https://a:8081/", "bar/", "https://a:8081/bar/"},
		{"https://a:8081", "", "https://a:8081"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, JoinPath(tt.base, tt.suffix))
	}
}
