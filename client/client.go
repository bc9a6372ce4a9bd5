// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is the facade callers use to query the service and submit
// commands through the dispatcher.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/cmdrelay/dispatch"
	"github.com/absmach/cmdrelay/otel"
	"github.com/absmach/cmdrelay/queue"
	"github.com/absmach/cmdrelay/replay"
)

// Command names understood by the service.
const (
	CommandReplaceCatalog       = "replace catalog"
	CommandReplaceFacts         = "replace facts"
	CommandDeactivateNode       = "deactivate node"
	CommandStoreReport          = "store report"
	CommandReplaceCatalogInputs = "replace catalog inputs"
)

const (
	// CommandPath is the submission route, relative to an endpoint.
	CommandPath = "/pdb/cmd/v1"

	// DeprecationHeader is set by the service on deprecated routes.
	DeprecationHeader = "X-Deprecation"
)

var (
	errNilDispatcher = errors.New("dispatcher cannot be nil")
	errNilTransport  = errors.New("transport cannot be nil")
	errNoProducer    = errors.New("producer identity cannot be empty")
)

var _ replay.Submitter = (*Client)(nil)

// Transport builds the network actions run by the dispatcher.
type Transport interface {
	Get(header http.Header) dispatch.Action
	Post(body []byte, header http.Header) dispatch.Action
}

// SubmitResult describes an accepted or spooled command.
type SubmitResult struct {
	UUID    string // assigned by the service
	Queued  bool   // spooled under soft write failure
	QueueID string
}

// Client queries and submits commands.
type Client struct {
	dispatcher *dispatch.Dispatcher
	transport  Transport
	queue      queue.Queue // nil disables spooling
	producer   string
	logger     *slog.Logger
	metrics    *otel.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics records spooled commands.
func WithMetrics(m *otel.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithQueue spools commands that fail under soft write failure.
func WithQueue(q queue.Queue) Option {
	return func(c *Client) {
		c.queue = q
	}
}

// New creates a client. producer identifies this agent in every command.
func New(d *dispatch.Dispatcher, t Transport, producer string, opts ...Option) (*Client, error) {
	switch {
	case d == nil:
		return nil, errNilDispatcher
	case t == nil:
		return nil, errNilTransport
	case producer == "":
		return nil, errNoProducer
	}

	c := &Client{
		dispatcher: d,
		transport:  t,
		producer:   producer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Query runs a read against the query endpoints. A 404 carrying a JSON
// body is returned as a response, not an error.
func (c *Client) Query(ctx context.Context, path string) (*dispatch.Response, error) {
	header := http.Header{"Accept": []string{"application/json"}}

	resp, err := c.dispatcher.Dispatch(ctx, path, dispatch.ModeQuery, c.transport.Get(header))
	if err != nil {
		return nil, err
	}
	c.logDeprecation(resp)
	return resp, nil
}

// Submit sends a command. When the dispatch fails and the policy enables
// soft write failure, the command is spooled and reported as queued.
func (c *Client) Submit(ctx context.Context, name string, version int, payload []byte) (*SubmitResult, error) {
	cmd := queue.Command{
		Name:      name,
		Version:   version,
		Producer:  c.producer,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	res, err := c.submit(ctx, cmd)
	if err == nil {
		return res, nil
	}

	var de *dispatch.DispatchError
	if !errors.As(err, &de) || !c.dispatcher.Policy().SoftWriteFailure || c.queue == nil {
		return nil, err
	}

	id, qerr := c.queue.Enqueue(cmd)
	if qerr != nil {
		return nil, fmt.Errorf("failed to queue '%s' command: %w", name, errors.Join(err, qerr))
	}
	c.metrics.RecordEnqueued(name)
	c.logger.Error("command submission failed, queued for replay",
		slog.String("command", name),
		slog.String("certname", c.producer),
		slog.String("id", id),
		slog.String("error", err.Error()))

	return &SubmitResult{Queued: true, QueueID: id}, nil
}

// Resubmit delivers a queued command without spooling it again.
func (c *Client) Resubmit(ctx context.Context, cmd queue.Command) error {
	_, err := c.submit(ctx, cmd)
	return err
}

func (c *Client) submit(ctx context.Context, cmd queue.Command) (*SubmitResult, error) {
	params := url.Values{}
	params.Set("command", strings.ReplaceAll(cmd.Name, " ", "_"))
	params.Set("version", strconv.Itoa(cmd.Version))
	params.Set("certname", cmd.Producer)
	params.Set("checksum", cmd.Checksum())
	path := CommandPath + "?" + params.Encode()

	header := http.Header{
		"Accept":       []string{"application/json"},
		"Content-Type": []string{"application/json"},
	}

	resp, err := c.dispatcher.Dispatch(ctx, path, dispatch.ModeCommand, c.transport.Post(cmd.Payload, header))
	if err != nil {
		return nil, err
	}
	c.logDeprecation(resp)

	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &SubmitError{Command: cmd.Name, Status: resp.Status, Body: resp.Body}
	}

	var body struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		c.logger.Debug("command response carried no uuid", slog.String("error", err.Error()))
	}

	c.logger.Info("command submitted",
		slog.String("command", cmd.Name),
		slog.String("certname", cmd.Producer),
		slog.String("uuid", body.UUID))
	return &SubmitResult{UUID: body.UUID}, nil
}

func (c *Client) logDeprecation(resp *dispatch.Response) {
	if msg := resp.Header.Get(DeprecationHeader); msg != "" {
		c.logger.Warn("deprecated service route", slog.String("message", msg))
	}
}

// SubmitError is returned when an endpoint answers a submission with a
// non-success status that is not retried, such as 400. Commands failing
// this way are never spooled.
type SubmitError struct {
	Command string
	Status  int
	Body    []byte
}

// Is reports a SubmitError as a rejection so replay drops the command.
func (e *SubmitError) Is(target error) bool {
	return target == replay.ErrRejected
}

func (e *SubmitError) Error() string {
	body := strings.NewReplacer("\r", "", "\n", "").Replace(string(e.Body))
	return fmt.Sprintf("failed to submit '%s' command: [%d %s] %s",
		e.Command, e.Status, http.StatusText(e.Status), body)
}
