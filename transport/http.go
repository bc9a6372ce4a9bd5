// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport performs the HTTPS calls the dispatcher retries. Each
// Action it builds executes exactly one request and never retries itself.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/cmdrelay/config"
	"github.com/absmach/cmdrelay/dispatch"
	"github.com/absmach/cmdrelay/internal/bufpool"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http2"
)

// RequestIDHeader carries a unique id per attempt for server-side correlation.
const RequestIDHeader = "X-Request-Id"

// maxResponseBytes bounds how much of a response body is buffered.
const maxResponseBytes = 64 << 20

// Client executes single HTTPS requests against one endpoint.
type Client struct {
	client      *http.Client
	userAgent   string
	compression bool
	logger      *slog.Logger
}

// New creates an HTTPS client from transport settings. The dispatcher owns
// per-attempt deadlines, so the http.Client carries no timeout of its own.
func New(cfg config.TransportConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tlsCfg, err := LoadTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsCfg,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("failed to enable http2: %w", err)
		}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "cmdrelay/1.0"
	}

	return &Client{
		client:      &http.Client{Transport: tr},
		userAgent:   userAgent,
		compression: cfg.Compression,
		logger:      logger,
	}, nil
}

// Get returns an Action issuing a GET with the given headers.
func (c *Client) Get(header http.Header) dispatch.Action {
	return func(ctx context.Context, _ config.Endpoint, url string) (*dispatch.Response, error) {
		return c.Do(ctx, http.MethodGet, url, nil, header)
	}
}

// Post returns an Action issuing a POST of body with the given headers.
// The body is re-sent unchanged on every attempt.
func (c *Client) Post(body []byte, header http.Header) dispatch.Action {
	return func(ctx context.Context, _ config.Endpoint, url string) (*dispatch.Response, error) {
		return c.Do(ctx, http.MethodPost, url, body, header)
	}
}

// Do sends one request and buffers the response body. Non-2xx statuses are
// returned as responses, not errors.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*dispatch.Response, error) {
	var (
		reader  io.Reader
		encoded bool
	)
	if body != nil {
		reader = bytes.NewReader(body)
		if c.compression && len(body) > 0 {
			buf := bufpool.Get()
			defer bufpool.Put(buf)
			if err := compress(buf, body); err != nil {
				return nil, err
			}
			reader = bytes.NewReader(buf.Bytes())
			encoded = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, uuid.New().String())
	if encoded {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, maxResponseBytes)); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("http request completed",
		slog.String("method", method),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", req.Header.Get(RequestIDHeader)))

	return &dispatch.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   bytes.Clone(buf.Bytes()),
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

func compress(dst *bytes.Buffer, body []byte) error {
	zw := gzip.NewWriter(dst)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("failed to compress request body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress request body: %w", err)
	}
	return nil
}
