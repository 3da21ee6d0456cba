// Package retry re-runs upstream calls that fail for transient reasons.
//
// Only errors whose upstream type is retryable (connection failures) are
// attempted again. Everything else, including context cancellation, is
// returned after the first attempt.
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//		return fetch(ctx, username)
//	}, &retry.Config{
//		MaxAttempts: 3,
//		Backoff:     retry.DefaultExponentialBackoff(),
//		Logger:      log,
//	})
package retry
