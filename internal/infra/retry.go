package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy describes a bounded retry schedule for operations against
// eventually consistent platform APIs. MaxAttempts <= 0 retries until the
// context is cancelled. Sleep is overridable so tests can run against a
// synthetic clock instead of real sleeps.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// FixedBackoff waits the same duration between every attempt
func FixedBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// LinearBackoff waits attempt*step between attempts
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration { return time.Duration(attempt) * step }
}

// RolePropagationPolicy matches the identity platform's observed propagation
// lag: the role definition usually becomes queryable within a minute.
func RolePropagationPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 12, Backoff: FixedBackoff(5 * time.Second)}
}

// AssignmentPolicy covers transient role assignment failures
func AssignmentPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: LinearBackoff(5 * time.Second)}
}

// FeatureRegistrationPolicy polls until the feature flag registers. There is
// deliberately no attempt cap: registration always completes eventually and
// the operator can interrupt the process.
func FeatureRegistrationPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 0, Backoff: FixedBackoff(10 * time.Second)}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes operation until it succeeds, the attempt budget is exhausted,
// or the context is cancelled. The last error is wrapped in the failure.
func (p RetryPolicy) Do(ctx context.Context, operationName string, operation func(context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled while waiting for %s: %w", operationName, errOrLast(err, lastErr))
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		slog.Warn("retrying operation", "operation", operationName, "attempt", attempt, "error", lastErr)

		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return fmt.Errorf("cancelled while waiting for %s: %w", operationName, errOrLast(err, lastErr))
		}
	}
	return fmt.Errorf("giving up on %s after %d attempts: %w", operationName, p.MaxAttempts, lastErr)
}

func errOrLast(err, lastErr error) error {
	if lastErr != nil {
		return lastErr
	}
	return err
}
