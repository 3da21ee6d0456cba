// Package ratelimit provides the rate limiting primitives of the gateway.
//
// Token Bucket:
//   - Fixed capacity bucket refilled in full after a period
//   - Used as the optional global budget for outbound Instagram requests
//
// Sliding Window:
//   - Tracks request timestamps within a moving time window
//   - A request is admitted when fewer than the quota fall inside it
//
// Keyed Limiter:
//   - One sliding window per client key, created on first use
//   - Bounded number of tracked keys with least recently seen eviction
//   - Gates the profile endpoint per client address
//
// Usage:
//
//	// 10 requests per minute per client address
//	limiter := ratelimit.NewKeyedLimiter(10, time.Minute, 10000)
//	if !limiter.Admit(clientIP) {
//	    retryIn := limiter.RetryAfter(clientIP)
//	    // reject
//	}
//
//	// 60 outbound requests per minute across all clients
//	budget := ratelimit.NewTokenBucket(60, time.Minute)
//	if err := budget.Wait(ctx); err != nil {
//	    // cancelled
//	}
package ratelimit
