// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package replay drains the command queue by resubmitting each entry.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/cmdrelay/otel"
	"github.com/absmach/cmdrelay/queue"
	"golang.org/x/time/rate"
)

// ErrRejected marks a resubmission the service refused outright. Errors
// matching it through errors.Is are never retried.
var ErrRejected = errors.New("command rejected by the service")

// Submitter delivers one queued command. It must not enqueue on failure.
type Submitter interface {
	Resubmit(ctx context.Context, cmd queue.Command) error
}

// Result counts the entries seen by one Flush.
type Result struct {
	Succeeded int
	Failed    int
	Rejected  int // dequeued without delivery
	Malformed int
}

// Replayer resubmits queued commands in queue order.
type Replayer struct {
	queue     queue.Queue
	submitter Submitter
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *otel.Metrics

	// mu keeps concurrent flushes from submitting the same entry twice.
	mu sync.Mutex
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replayer) {
		r.logger = logger
	}
}

// WithMetrics records replay results and the queue size.
func WithMetrics(m *otel.Metrics) Option {
	return func(r *Replayer) {
		r.metrics = m
	}
}

// WithRateLimit paces resubmissions. A non-positive rate disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Replayer) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a replayer for q that delivers through s.
func New(q queue.Queue, s Submitter, opts ...Option) *Replayer {
	r := &Replayer{
		queue:     q,
		submitter: s,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Flush resubmits every queued command once. Delivered and rejected commands
// are dequeued; failed and malformed ones stay for the next flush. An error
// is returned only when the queue itself fails or ctx ends the flush early.
func (r *Replayer) Flush(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	err := r.queue.Each(func(e queue.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.Err != nil {
			res.Malformed++
			r.metrics.RecordReplay("malformed")
			r.logger.Warn("skipping malformed queue entry",
				slog.String("id", e.ID),
				slog.String("error", e.Err.Error()))
			return nil
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := r.submitter.Resubmit(ctx, e.Command)
		if errors.Is(err, ErrRejected) {
			if derr := r.queue.Dequeue(e.ID); derr != nil {
				return fmt.Errorf("failed to dequeue rejected command: %w", derr)
			}
			res.Rejected++
			r.metrics.RecordReplay("rejected")
			r.metrics.RecordDequeued()
			r.logger.Error("queued command rejected, dropping it",
				slog.String("id", e.ID),
				slog.String("command", e.Command.Name),
				slog.Int("version", e.Command.Version),
				slog.String("error", err.Error()))
			return nil
		}
		if err != nil {
			res.Failed++
			r.metrics.RecordReplay("failed")
			r.logger.Warn("queued command resubmission failed",
				slog.String("id", e.ID),
				slog.String("command", e.Command.Name),
				slog.String("error", err.Error()))
			return nil
		}

		if err := r.queue.Dequeue(e.ID); err != nil {
			return fmt.Errorf("failed to dequeue delivered command: %w", err)
		}
		res.Succeeded++
		r.metrics.RecordReplay("succeeded")
		r.metrics.RecordDequeued()
		return nil
	})

	if size, serr := r.queue.Size(); serr == nil {
		r.metrics.RecordQueueSize(size)
	}

	if err != nil {
		return res, err
	}

	if res.Succeeded+res.Failed+res.Rejected+res.Malformed > 0 {
		r.logger.Info("command queue flushed",
			slog.Int("succeeded", res.Succeeded),
			slog.Int("failed", res.Failed),
			slog.Int("rejected", res.Rejected),
			slog.Int("malformed", res.Malformed))
	}
	return res, nil
}

// Run flushes immediately and then every interval until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("replay interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("command queue flush failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
