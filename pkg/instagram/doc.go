// Package instagram is a small client for Instagram's web profile API.
//
// Only the profile lookup used by the gateway is implemented. Failures are
// reported as *errors.Error values carrying an ErrorType (network, not_found,
// auth, rate_limit, server_error, parsing) so callers can translate them
// without inspecting HTTP details:
//
//	client := instagram.NewClient(instagram.Options{Timeout: 30 * time.Second}, log)
//	user, err := client.FetchUserProfile(ctx, "nasa")
//	var apiErr *errors.Error
//	if stderrors.As(err, &apiErr) && apiErr.Type == errors.ErrorTypeNotFound {
//		// no such account
//	}
//
// Connection failures are retried up to Options.MaxAttempts times. An
// optional ratelimit.Limiter caps the overall request rate towards Instagram.
package instagram
