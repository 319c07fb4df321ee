// Package ratelimit implements the retry-once policy applied to flood-wait signals.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tgmirror/internal/metrics"
	"tgmirror/pkg/mirror"
)

// SleepFunc blocks for delay or until ctx is done.
type SleepFunc func(ctx context.Context, delay time.Duration) error

// Option mutates Policy configuration.
type Option func(*Policy)

// WithSleep replaces the sleep implementation.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithLogger configures structured logging for honored waits.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records honored waits.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Policy) {
		p.metrics = m
	}
}

// Policy retries a rate-limited call exactly once after the dictated wait.
type Policy struct {
	sleep   SleepFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a retry-once policy.
func New(options ...Option) *Policy {
	policy := &Policy{
		sleep:  SleepWithContext,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(policy)
	}

	return policy
}

// Do runs fn, and when it fails with a rate-limit signal sleeps the dictated
// wait once and runs fn exactly one more time. Any other error is returned as is.
func (p *Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Value is the value-returning form of Policy.Do.
func Value[T any](ctx context.Context, p *Policy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = New()
	}

	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	wait, rateLimited := mirror.AsRateLimit(err)
	if !rateLimited {
		return result, err
	}

	p.logger.WarnContext(ctx, "rate limited, retrying once",
		"operation", operation,
		"retry_after", wait,
	)
	p.metrics.RateLimited(wait.Seconds())
	if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
		var zero T
		return zero, fmt.Errorf("%s: wait for rate limit: %w", operation, errors.Join(err, sleepErr))
	}

	return fn(ctx)
}

// SleepWithContext waits for delay unless ctx is done first.
func SleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep with context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
