// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"log/slog"

	"github.com/absmach/cmdrelay/config"
	"github.com/sony/gobreaker"
)

func newBreakers(eps []config.Endpoint, cfg config.CircuitBreakerConfig, logger *slog.Logger) map[config.Endpoint]*gobreaker.CircuitBreaker {
	breakers := make(map[config.Endpoint]*gobreaker.CircuitBreaker, len(eps))
	for _, ep := range eps {
		breakers[ep] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.String(),
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("endpoint circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}
	return breakers
}
