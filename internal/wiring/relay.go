// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring assembles the relay components from configuration.
package wiring

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/cmdrelay/client"
	"github.com/absmach/cmdrelay/config"
	"github.com/absmach/cmdrelay/dispatch"
	"github.com/absmach/cmdrelay/otel"
	"github.com/absmach/cmdrelay/queue"
	badgerqueue "github.com/absmach/cmdrelay/queue/badger"
	"github.com/absmach/cmdrelay/replay"
	"github.com/absmach/cmdrelay/sticky"
	"github.com/absmach/cmdrelay/transport"
	"go.opentelemetry.io/otel/trace"
)

// Relay is the assembled client side of the service.
type Relay struct {
	Policy     *config.Dispatch
	Dispatcher *dispatch.Dispatcher
	Client     *client.Client
	Queue      queue.Queue
	Replayer   *replay.Replayer

	closers []func() error
}

// Options carries the optional observability hooks.
type Options struct {
	Logger  *slog.Logger
	Metrics *otel.Metrics // nil if metrics disabled
	Tracer  trace.Tracer  // nil if tracing disabled
}

// Build wires a Relay from agent settings and a dispatch policy. On error,
// everything opened so far is closed.
func Build(cfg *config.Config, policy *config.Dispatch, opts Options) (r *Relay, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r = &Relay{Policy: policy}
	defer func() {
		if err != nil {
			_ = r.Close()
			r = nil
		}
	}()

	store, err := newStickyStore(cfg.Sticky, logger)
	if err != nil {
		return r, err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		r.closers = append(r.closers, c.Close)
	}

	dopts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(opts.Metrics),
		dispatch.WithCircuitBreaker(cfg.Dispatch.CircuitBreaker),
	}
	if opts.Tracer != nil {
		dopts = append(dopts, dispatch.WithTracer(opts.Tracer))
	}
	r.Dispatcher, err = dispatch.New(policy, sticky.New(store, logger), dopts...)
	if err != nil {
		return r, err
	}

	tr, err := transport.New(cfg.Transport, logger)
	if err != nil {
		return r, fmt.Errorf("failed to create transport: %w", err)
	}
	r.closers = append(r.closers, func() error { tr.Close(); return nil })

	r.Queue, err = newQueue(cfg.Spool, policy.MaxQueuedCommands, logger)
	if err != nil {
		return r, err
	}
	r.closers = append(r.closers, r.Queue.Close)

	r.Client, err = client.New(r.Dispatcher, tr, cfg.Producer.Identity,
		client.WithLogger(logger),
		client.WithMetrics(opts.Metrics),
		client.WithQueue(r.Queue))
	if err != nil {
		return r, err
	}

	r.Replayer = replay.New(r.Queue, r.Client,
		replay.WithLogger(logger),
		replay.WithMetrics(opts.Metrics),
		replay.WithRateLimit(cfg.Replay.RatePerSecond, cfg.Replay.Burst))

	return r, nil
}

// Close releases resources in reverse order of acquisition.
func (r *Relay) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func newStickyStore(cfg config.StickyConfig, logger *slog.Logger) (sticky.Store, error) {
	switch cfg.Type {
	case "", "local":
		return sticky.NewLocal(), nil
	case "etcd":
		store, err := sticky.DialEtcd(sticky.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Using etcd sticky state", slog.Any("endpoints", cfg.Etcd.Endpoints))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown sticky type: %s", cfg.Type)
	}
}

func newQueue(cfg config.SpoolConfig, max int, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Type {
	case "", "files":
		return queue.NewSpool(cfg.Dir, max, logger)
	case "badger":
		q, err := badgerqueue.New(badgerqueue.Config{Dir: cfg.Dir, MaxQueued: max}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Using badger command queue", slog.String("dir", cfg.Dir))
		return q, nil
	default:
		return nil, fmt.Errorf("unknown spool type: %s", cfg.Type)
	}
}
