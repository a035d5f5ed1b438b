// Package dispatcher implements the operation dispatcher described in spec
// §4.2: it wraps a call site that returns an ExecutionResult and retries
// it on Retry status with bounded exponential or linear backoff, until one
// of success, Failure, retry_count >= max_retries, or the operation's
// expiration time makes another attempt impossible.
package dispatcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/privacysandbox/pbs/pkg/asyncexec"
	"github.com/privacysandbox/pbs/pkg/pbserrors"
)

// Policy selects the backoff formula.
type Policy int

const (
	Exponential Policy = iota
	Linear
)

// RetryStrategy configures backoff computation and retry limits.
type RetryStrategy struct {
	Policy     Policy
	DelayMS    int64
	MaxRetries int64
}

// backoffFor returns the delay before the given 1-indexed retry attempt,
// reproducing the two formulas from spec §4.2 exactly:
//
//	Exponential: delay_ms * 2^(retry_count-1)
//	Linear:      delay_ms * retry_count
//
// The exponential case is computed by stepping cenkalti/backoff/v4's
// ExponentialBackOff retryCount times rather than reimplementing the
// doubling arithmetic, so the formula stays centralized in one library
// this module already depends on.
func (s RetryStrategy) backoffFor(retryCount int64) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	switch s.Policy {
	case Linear:
		return time.Duration(s.DelayMS*retryCount) * time.Millisecond
	default: // Exponential
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Duration(s.DelayMS) * time.Millisecond
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxInterval = time.Duration(1<<63 - 1)
		eb.MaxElapsedTime = 0
		eb.Reset()
		var d time.Duration
		for i := int64(0); i < retryCount; i++ {
			d = eb.NextBackOff()
		}
		return d
	}
}

// Dispatcher retries a target function on Retry until success, terminal
// failure, retries are exhausted, or the operation's expiry forecloses
// another attempt.
type Dispatcher struct {
	executor *asyncexec.Executor
	strategy RetryStrategy
}

func New(executor *asyncexec.Executor, strategy RetryStrategy) *Dispatcher {
	return &Dispatcher{executor: executor, strategy: strategy}
}

// Target is the call site being dispatched: it performs one attempt and
// reports the outcome.
type Target func(ctx context.Context) pbserrors.ExecutionResult

// Dispatch finishes with OPERATION_EXPIRED without calling target when
// expiresAt has already passed. Otherwise it runs target immediately (the
// initial call is never deferred), then retries it through the async
// executor's urgent pool on Retry, honoring expiresAt, until the rules in
// spec §4.2 terminate the loop. done is invoked exactly once with the
// final result.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, expiresAt time.Time, done func(pbserrors.ExecutionResult)) {
	if !expiresAt.After(time.Now()) {
		done(pbserrors.ResultFailure(pbserrors.SCDispatcherOperationExpired))
		return
	}
	d.attempt(ctx, target, expiresAt, 0, done)
}

// attempt performs one call to target. If it returns Retry, it increments
// retryCount and runs the four ordered pre-dispatch checks from spec §4.2
// before scheduling the next attempt.
func (d *Dispatcher) attempt(ctx context.Context, target Target, expiresAt time.Time, retryCount int64, done func(pbserrors.ExecutionResult)) {
	result := target(ctx)
	if result.Status != pbserrors.Retry {
		done(result)
		return
	}

	if retryCount >= d.strategy.MaxRetries {
		done(pbserrors.ResultFailure(pbserrors.SCDispatcherExhaustedRetries))
		return
	}
	retryCount++

	now := time.Now()
	if !expiresAt.After(now) {
		done(pbserrors.ResultFailure(pbserrors.SCDispatcherOperationExpired))
		return
	}

	backoffDuration := d.strategy.backoffFor(retryCount)
	if expiresAt.Sub(now) <= backoffDuration {
		done(pbserrors.ResultFailure(pbserrors.SCDispatcherNotEnoughTimeRemained))
		return
	}

	scheduled, _ := d.executor.ScheduleFor(func() {
		d.attempt(ctx, target, expiresAt, retryCount, done)
	}, now.Add(backoffDuration))

	if !scheduled.Successful() {
		done(scheduled)
	}
}
