// Package retry holds the single retry policy applied to provider calls.
// Behaviour is selected by the failure's ErrorKind, never by matching error text.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/types"
)

// Rule is the retry behaviour for one error kind.
type Rule struct {
	MaxRetries int
	// UseHint waits the provider's Retry-After when one was given.
	UseHint bool
}

// Policy configures retry behavior per error kind
type Policy struct {
	Rules        map[types.ErrorKind]Rule
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on a single wait
	Multiplier   float64       // exponential backoff factor

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// DefaultPolicy retries transient failures and provider throttling twice.
// Pattern: 500ms, 1s, max 10s
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: map[types.ErrorKind]Rule{
			types.ErrorKindTransient:   {MaxRetries: 2},
			types.ErrorKindRateLimited: {MaxRetries: 2, UseHint: true},
		},
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// WithSleeper replaces the context-aware sleep, for tests.
func (p *Policy) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Policy {
	cp := *p
	cp.sleep = sleep
	return &cp
}

// WithClock replaces time.Now used for deadline checks, for tests.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	cp := *p
	cp.now = now
	return &cp
}

// MaxRetries returns how many times a failure of kind is retried.
// auth_error, unsupported_chain and not_found are never retried.
func (p *Policy) MaxRetries(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorKindNone, types.ErrorKindAuth, types.ErrorKindUnsupportedChain, types.ErrorKindNotFound:
		return 0
	case types.ErrorKindTransient, types.ErrorKindRateLimited:
		return p.Rules[kind].MaxRetries
	}
	return 0
}

// Delay returns the wait before retry number attempt (1-based) of a failure of kind.
func (p *Policy) Delay(kind types.ErrorKind, attempt int, hint time.Duration) time.Duration {
	if hint > 0 && p.Rules[kind].UseHint {
		return hint
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Outcome is what one attempt reports back to the policy.
type Outcome struct {
	Kind       types.ErrorKind
	RetryAfter time.Duration
}

// Result contains information about the retry operation
type Result struct {
	Attempts int
	Kind     types.ErrorKind
	// BudgetExhausted is set when a retry was skipped because its wait would pass the deadline.
	BudgetExhausted bool
	TotalDuration   time.Duration
}

// Success reports whether the last attempt succeeded.
func (r Result) Success() bool {
	return r.Kind == types.ErrorKindNone
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) Outcome

// Do runs fn until it succeeds, fails with a kind that is not retried, runs out of
// retries, or the next wait would cross deadline. A zero deadline means only ctx bounds it.
func (p *Policy) Do(ctx context.Context, deadline time.Time, fn Func) Result {
	logger := logging.FromContext(ctx)
	now := p.now
	if now == nil {
		now = time.Now
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	start := now()

	var result Result
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		out := fn(ctx, attempt)
		result.Kind = out.Kind

		if out.Kind == types.ErrorKindNone {
			if attempt > 1 {
				logger.WithFields(logging.Fields{
					"attempts": attempt,
				}).Info("Provider call succeeded after retry")
			}
			break
		}
		if attempt > p.MaxRetries(out.Kind) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := p.Delay(out.Kind, attempt, out.RetryAfter)
		if !deadline.IsZero() && now().Add(delay).After(deadline) {
			result.BudgetExhausted = true
			logger.WithFields(logging.Fields{
				"kind":  out.Kind,
				"delay": delay.String(),
			}).Warn("Skipping retry, wait exceeds remaining time budget")
			break
		}

		logger.WithFields(logging.Fields{
			"attempt":    attempt,
			"maxRetries": p.MaxRetries(out.Kind),
			"kind":       out.Kind,
			"delay":      delay.String(),
		}).Warn("Provider call failed, retrying")

		if err := sleep(ctx, delay); err != nil {
			break
		}
	}

	result.TotalDuration = now().Sub(start)
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
