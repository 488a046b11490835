// breaker.go: Circuit breaker in front of batch writes
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// breakerBackend trips after consecutive transient write failures and then
// fails fast until the open timeout elapses. Permanent failures count as
// successes.
type breakerBackend struct {
	Backend
	cb *gobreaker.CircuitBreaker[struct{}]
}

func newBreakerBackend(inner Backend, cfg CircuitBreakerConfig, logger zerolog.Logger) *breakerBackend {
	b := &breakerBackend{Backend: inner}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || classify(inner, err) == Permanent
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("backend", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return b
}

func (b *breakerBackend) WriteBatch(ctx context.Context, batch []Record) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.Backend.WriteBatch(ctx, batch)
	})
	return err
}

func (b *breakerBackend) Classify(err error) FailureClass {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient
	}
	return b.Backend.Classify(err)
}

func (b *breakerBackend) Health(ctx context.Context) error {
	if state := b.cb.State(); state == gobreaker.StateOpen {
		return fmt.Errorf("%w: %s: circuit breaker %s", ErrConnection, b.Name(), state)
	}
	return b.Backend.Health(ctx)
}
