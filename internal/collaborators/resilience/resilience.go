// Package resilience wraps outbound collaborator calls with the retry and
// circuit-breaker policy spec §7 names for transient failures: exponential
// backoff (3 attempts, jittered waits of about 1s then 4s) and a breaker that trips on
// sustained failure so a down external service stops being hammered between
// Poller cycles.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/textloom/orchestrator/internal/ports"
)

// Observer receives one outcome label per completed Call — the collector
// that records github.com/prometheus/client_golang's
// collaborator_calls_total (internal/metrics), wired in loosely here so
// this package never imports internal/metrics directly.
type Observer func(collaborator, outcome string)

// Policy bundles a named circuit breaker with the stage-level retry budget.
type Policy struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	observe Observer
}

// NewPolicy builds a Policy for one collaborator endpoint. name appears in
// breaker state-change logs and, if WithObserver is used, metrics labels.
func NewPolicy(name string) *Policy {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Policy{name: name, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// WithObserver attaches a metrics observer to an existing Policy, returning
// it for chaining at construction time.
func (p *Policy) WithObserver(obs Observer) *Policy {
	p.observe = obs
	return p
}

// IsRetryable lets a caller mark an error as non-retriable (e.g. a
// ports.Permanent/Unsupported classification) so Call stops early instead of
// spending the full retry budget on an error that will never succeed.
type IsRetryable func(err error) bool

// Call executes fn up to 3 attempts total (jittered waits of about 1s, then
// about 4s, between attempts), through the circuit breaker, stopping early
// when retryable reports false for the returned error.
func Call(ctx context.Context, p *Policy, retryable IsRetryable, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 4
	b.RandomizationFactor = 0.3
	b.MaxInterval = 16 * time.Second
	bo := backoff.WithMaxRetries(b, 2)
	bo = backoff.WithContext(bo, ctx)

	operation := func() error {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, bo)
	if p.observe != nil {
		p.observe(p.name, outcomeLabel(err))
	}
	return err
}

// outcomeLabel classifies err for the collaborator_calls_total counter.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var cerr *ports.CollaboratorError
	if errors.As(err, &cerr) {
		return string(cerr.Kind)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "breaker_open"
	}
	return "error"
}
