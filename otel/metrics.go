// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	attemptsTotal   metric.Int64Counter
	dispatchesTotal metric.Int64Counter
	enqueuedTotal   metric.Int64Counter
	dequeuedTotal   metric.Int64Counter
	replayedTotal   metric.Int64Counter

	// Gauges
	queueSize metric.Int64Gauge

	// Histograms
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("cmdrelay"),
	}

	var err error

	m.attemptsTotal, err = m.meter.Int64Counter(
		"relay.dispatch.attempts.total",
		metric.WithDescription("Endpoint attempts by mode, endpoint and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attemptsTotal counter: %w", err)
	}

	m.dispatchesTotal, err = m.meter.Int64Counter(
		"relay.dispatch.total",
		metric.WithDescription("Dispatch calls by mode and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchesTotal counter: %w", err)
	}

	m.enqueuedTotal, err = m.meter.Int64Counter(
		"relay.queue.enqueued.total",
		metric.WithDescription("Commands written to the spool"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuedTotal counter: %w", err)
	}

	m.dequeuedTotal, err = m.meter.Int64Counter(
		"relay.queue.dequeued.total",
		metric.WithDescription("Commands removed from the spool"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dequeuedTotal counter: %w", err)
	}

	m.replayedTotal, err = m.meter.Int64Counter(
		"relay.replay.commands.total",
		metric.WithDescription("Replayed commands by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayedTotal counter: %w", err)
	}

	m.queueSize, err = m.meter.Int64Gauge(
		"relay.queue.size",
		metric.WithDescription("Commands currently in the spool"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueSize gauge: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"relay.dispatch.duration.ms",
		metric.WithDescription("Dispatch call duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordAttempt records one endpoint attempt.
func (m *Metrics) RecordAttempt(mode, endpoint, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

// RecordDispatch records a finished dispatch call.
func (m *Metrics) RecordDispatch(mode string, ok bool, durationMs float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	ctx := context.Background()
	m.dispatchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	))
	m.dispatchDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// RecordEnqueued records a command written to the spool.
func (m *Metrics) RecordEnqueued(command string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", command),
	))
}

// RecordDequeued records a command removed from the spool.
func (m *Metrics) RecordDequeued() {
	if m == nil {
		return
	}
	m.dequeuedTotal.Add(context.Background(), 1)
}

// RecordQueueSize records the current spool size.
func (m *Metrics) RecordQueueSize(size int) {
	if m == nil {
		return
	}
	m.queueSize.Record(context.Background(), int64(size))
}

// RecordReplay records the outcome of one replayed command.
func (m *Metrics) RecordReplay(result string) {
	if m == nil {
		return
	}
	m.replayedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}
