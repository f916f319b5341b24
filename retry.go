package utils

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// RetryError is returned once every attempt of a retried operation has failed.
type RetryError struct {
	inner    error
	attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d retry attempts: %v", e.attempts, e.inner)
}

func (e *RetryError) Unwrap() error {
	return e.inner
}

// RetryNTimesWithSleep runs toRun up to retryAttempts times, sleeping between
// attempts, and returns the first success. When retryableErrors are given only
// those errors are retried; any other error is returned immediately. Context
// cancellation stops retrying and returns the context error.
func RetryNTimesWithSleep[T any](
	ctx context.Context,
	toRun func() (T, error),
	retryAttempts int,
	sleep time.Duration,
	retryableErrors ...error,
) (T, error) {
	var lastError error
	var emptyT T

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 && sleep > 0 && !SelectContextOrWait(ctx, sleep) {
			return emptyT, ctx.Err()
		}
		val, err := toRun()
		if err == nil {
			return val, nil
		}
		if len(retryableErrors) != 0 &&
			!slices.ContainsFunc(retryableErrors, func(target error) bool { return errors.Is(err, target) }) {
			return val, err
		}
		lastError = err
		if ctx.Err() != nil {
			return emptyT, ctx.Err()
		}
	}

	if lastError == nil {
		lastError = errors.New("no attempts made")
	}
	return emptyT, &RetryError{attempts: retryAttempts, inner: lastError}
}
