// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/cmdrelay/config"
	"github.com/absmach/cmdrelay/otel"
	"github.com/absmach/cmdrelay/sticky"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errAttemptFailed = errors.New("attempt failed")

// Dispatcher runs network actions against the endpoints of a dispatch
// policy. Queries fail over from one endpoint to the next; commands either
// fail over or broadcast to every endpoint, depending on the policy.
//
// Dispatch is synchronous; callers provide the concurrency. The only state
// shared between concurrent calls is the sticky index and the breakers.
type Dispatcher struct {
	policy   *config.Dispatch
	index    sticky.Index
	breakers map[config.Endpoint]*gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  *otel.Metrics // nil if metrics disabled
	tracer   trace.Tracer  // nil if tracing disabled
	cbConfig *config.CircuitBreakerConfig
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics records attempts and dispatch results.
func WithMetrics(m *otel.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer wraps every Dispatch call in a span.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithCircuitBreaker guards each endpoint with a circuit breaker. An open
// breaker makes the attempt fail immediately without touching the network.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) Option {
	return func(d *Dispatcher) {
		if cfg.Enabled {
			d.cbConfig = &cfg
		}
	}
}

// New creates a dispatcher for policy. A nil index uses process-local
// sticky state.
func New(policy *config.Dispatch, index sticky.Index, opts ...Option) (*Dispatcher, error) {
	if policy == nil {
		return nil, fmt.Errorf("dispatch policy cannot be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		policy: policy,
		index:  index,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.index == nil {
		d.index = sticky.New(sticky.NewLocal(), d.logger)
	}
	if d.cbConfig != nil {
		d.breakers = newBreakers(policy.CommandEndpoints(), *d.cbConfig, d.logger)
	}

	return d, nil
}

// Policy returns the dispatch policy.
func (d *Dispatcher) Policy() *config.Dispatch {
	return d.policy
}

// Dispatch executes action against the policy's endpoints. It returns the
// accepted response or a *DispatchError; transport errors never escape.
func (d *Dispatcher) Dispatch(ctx context.Context, pathSuffix string, mode Mode, action Action) (*Response, error) {
	start := time.Now()

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "relay.dispatch",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("relay.mode", mode.String()),
				attribute.String("relay.path", pathSuffix),
				attribute.Bool("relay.broadcast", d.broadcasts(mode)),
			))
		defer span.End()
	}

	var (
		resp *Response
		err  error
	)
	if d.broadcasts(mode) {
		resp, err = d.broadcast(ctx, pathSuffix, action)
	} else {
		resp, err = d.failover(ctx, pathSuffix, mode, action)
	}

	d.metrics.RecordDispatch(mode.String(), err == nil, float64(time.Since(start).Microseconds())/1000)
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("http.status_code", resp.Status))
		}
	}

	return resp, err
}

func (d *Dispatcher) broadcasts(mode Mode) bool {
	return mode == ModeCommand && d.policy.CommandBroadcast
}

func (d *Dispatcher) failover(ctx context.Context, pathSuffix string, mode Mode, action Action) (*Response, error) {
	eps := d.policy.QueryEndpoints()
	if mode == ModeCommand {
		eps = d.policy.CommandEndpoints()
	}

	useSticky := mode == ModeQuery && d.policy.StickyReadFailover
	stored, offset := 0, 0
	if useSticky {
		stored = d.index.Get(ctx)
		if stored >= 0 && stored < len(eps) {
			offset = stored
		}
	}

	attempts := make([]Attempt, 0, len(eps))
	for i := 0; i < len(eps); i++ {
		if err := ctx.Err(); err != nil {
			return nil, &DispatchError{Kind: AllEndpointsFailed, Mode: mode, Path: pathSuffix, Attempts: attempts, Cause: err}
		}

		idx := (offset + i) % len(eps)
		ep := eps[idx]
		url := JoinPath(ep.URL(), pathSuffix)

		resp, outcome, err := d.attempt(ctx, mode, ep, url, action)
		if !outcome.endpointFailure() {
			if useSticky && idx != stored {
				d.index.Set(ctx, idx)
			}
			if i > 0 {
				d.logger.Info("request succeeded after failover",
					slog.String("mode", mode.String()),
					slog.String("endpoint", ep.String()),
					slog.Int("failed_endpoints", i))
			}
			return resp, nil
		}

		a := newAttempt(ep, url, outcome, resp, err)
		attempts = append(attempts, a)
		d.logger.Warn("request failed, failing over to next endpoint",
			slog.String("mode", mode.String()),
			slog.String("host", ep.Host),
			slog.Int("port", ep.Port),
			slog.String("route", url),
			slog.String("reason", a.Reason()))
	}

	return nil, &DispatchError{Kind: AllEndpointsFailed, Mode: mode, Path: pathSuffix, Attempts: attempts}
}

func (d *Dispatcher) broadcast(ctx context.Context, pathSuffix string, action Action) (*Response, error) {
	eps := d.policy.CommandEndpoints()
	required := d.policy.MinSuccessfulSubmissions

	var (
		last      *Response
		succeeded int
		failures  []Attempt
	)
	for _, ep := range eps {
		url := JoinPath(ep.URL(), pathSuffix)

		resp, outcome, err := d.attempt(ctx, ModeCommand, ep, url, action)
		if outcome == OutcomeSuccess {
			succeeded++
			last = resp
			continue
		}

		a := newAttempt(ep, url, outcome, resp, err)
		failures = append(failures, a)
		d.logger.Warn("command submission failed",
			slog.String("host", ep.Host),
			slog.Int("port", ep.Port),
			slog.String("route", url),
			slog.String("reason", a.Reason()))
	}

	if succeeded >= required {
		if len(failures) > 0 {
			d.logger.Info("command submitted to enough endpoints",
				slog.Int("succeeded", succeeded),
				slog.Int("required", required),
				slog.Int("failed", len(failures)))
		}
		return last, nil
	}

	return nil, &DispatchError{
		Kind:      ThresholdNotMet,
		Mode:      ModeCommand,
		Path:      pathSuffix,
		Attempts:  failures,
		Succeeded: succeeded,
		Required:  required,
		Cause:     ctx.Err(),
	}
}

// attempt runs action once against ep under the per-attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, mode Mode, ep config.Endpoint, url string, action Action) (*Response, Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.policy.RequestTimeout)
	defer cancel()

	var (
		resp    *Response
		err     error
		outcome Outcome
	)
	if cb, ok := d.breakers[ep]; ok {
		_, cbErr := cb.Execute(func() (interface{}, error) {
			resp, err = action(ctx, ep, url)
			outcome = classifyAttempt(ctx, resp, err)
			if outcome.endpointFailure() {
				return nil, errAttemptFailed
			}
			return nil, nil
		})
		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			resp, err, outcome = nil, cbErr, OutcomeCircuitOpen
		}
	} else {
		resp, err = action(ctx, ep, url)
		outcome = classifyAttempt(ctx, resp, err)
	}

	d.metrics.RecordAttempt(mode.String(), ep.String(), outcome.String())
	return resp, outcome, err
}

// classifyAttempt treats any error returned after the attempt deadline
// passed as a timeout, whatever the transport wrapped it in.
func classifyAttempt(ctx context.Context, resp *Response, err error) Outcome {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return Classify(resp, err)
}

func newAttempt(ep config.Endpoint, url string, outcome Outcome, resp *Response, err error) Attempt {
	a := Attempt{Endpoint: ep, URL: url, Outcome: outcome, Err: err}
	if resp != nil && err == nil {
		a.Status = resp.Status
	}
	return a
}
