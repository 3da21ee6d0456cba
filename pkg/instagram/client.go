package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	errs "igproxy/pkg/errors"
	"igproxy/pkg/logger"
	"igproxy/pkg/ratelimit"
	"igproxy/pkg/retry"
)

// DefaultUserAgent is sent when Options.UserAgent is empty
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// maxErrorBody bounds how much of a failed response is kept for logs
const maxErrorBody = 200

// Options configures a Client
type Options struct {
	// Timeout bounds a single HTTP attempt
	Timeout time.Duration
	// MaxAttempts is the number of connection attempts per lookup
	MaxAttempts int
	// UserAgent overrides DefaultUserAgent
	UserAgent string
	// BaseURL overrides BaseURL, mostly for tests
	BaseURL string
	// Limiter caps outbound requests across all callers. Nil means unlimited.
	Limiter ratelimit.Limiter
	// Backoff between connection attempts
	Backoff retry.BackoffStrategy
	// Transport replaces http.DefaultTransport
	Transport http.RoundTripper
}

// Client talks to Instagram's web profile API
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     logger.Logger
	limiter    ratelimit.Limiter
	retry      *retry.Config

	mu      sync.RWMutex
	headers map[string]string
}

// NewClient creates a new Instagram API client
func NewClient(opts Options, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.BaseURL == "" {
		opts.BaseURL = BaseURL
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.DefaultExponentialBackoff()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		headers: map[string]string{
			"User-Agent":       opts.UserAgent,
			"Accept":           "*/*",
			"Accept-Language":  "en-US,en;q=0.9",
			"X-IG-App-ID":      AppID,
			"X-Requested-With": "XMLHttpRequest",
			"Referer":          opts.BaseURL + "/",
		},
		baseURL: opts.BaseURL,
		logger:  log,
		limiter: opts.Limiter,
		retry: &retry.Config{
			MaxAttempts: opts.MaxAttempts,
			Backoff:     opts.Backoff,
			RetryIf:     retry.DefaultRetryIf,
			Logger:      log,
		},
	}
}

// SetHeader sets a custom header for the client
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// SetSession attaches a logged-in Instagram session to every request
func (c *Client) SetSession(sessionID, csrfToken string) {
	if sessionID == "" {
		return
	}
	cookie := "sessionid=" + sessionID
	if csrfToken != "" {
		cookie += "; csrftoken=" + csrfToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers["Cookie"] = cookie
	if csrfToken != "" {
		c.headers["X-CSRFToken"] = csrfToken
	}
}

// HasSession reports whether session cookies are configured
func (c *Client) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.headers["Cookie"]
	return ok
}

// FetchUserProfile looks up username and returns its profile.
// A missing account yields an error of type ErrorTypeNotFound.
func (c *Client) FetchUserProfile(ctx context.Context, username string) (*User, error) {
	url := GetProfileURL(c.baseURL, username)

	c.logger.DebugWithFields("fetching user profile", map[string]interface{}{
		"username": username,
	})

	response, err := retry.DoWithResult(ctx, func(ctx context.Context) (*ProfileResponse, error) {
		var response ProfileResponse
		if err := c.getJSON(ctx, url, &response); err != nil {
			return nil, err
		}
		return &response, nil
	}, c.retry)
	if err != nil {
		c.logger.WarnWithFields("failed to fetch user profile", map[string]interface{}{
			"username": username,
			"error":    err.Error(),
		})
		return nil, err
	}

	if response.RequiresToLogin {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeAuth,
			Message: "Instagram requires authentication to view this profile",
			Code:    http.StatusUnauthorized,
		}
	}
	if response.Status != "" && response.Status != "ok" {
		return nil, failedResponse(response)
	}
	if response.Data.User == nil {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeNotFound,
			Message: fmt.Sprintf("profile %s does not exist", username),
			Code:    http.StatusNotFound,
		}
	}

	c.logger.DebugWithFields("successfully fetched user profile", map[string]interface{}{
		"username": username,
		"user_id":  response.Data.User.ID,
	})

	return response.Data.User, nil
}

// failedResponse classifies a 200 response whose body reports a failure.
// Instagram throttles this way ("Please wait a few minutes...").
func failedResponse(response *ProfileResponse) *errs.Error {
	message := response.Message
	if message == "" {
		message = fmt.Sprintf("Instagram returned status %q", response.Status)
	}
	errorType := errs.ErrorTypeUnknown
	if strings.Contains(strings.ToLower(message), "wait") {
		errorType = errs.ErrorTypeRateLimit
	}
	return &errs.Error{
		Type:    errorType,
		Message: message,
		Code:    http.StatusOK,
	}
}

// getJSON performs a single GET and decodes the JSON body into target
func (c *Client) getJSON(ctx context.Context, url string, target interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for outbound budget: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &errs.Error{
			Type:    errs.ErrorTypeUnknown,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkResponseStatus(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("failed to read response body: %v", err),
			Code:    resp.StatusCode,
		}
	}

	if err := json.Unmarshal(body, target); err != nil {
		c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": preview(body),
		})
		return &errs.Error{
			Type:    errs.ErrorTypeParsing,
			Message: fmt.Sprintf("failed to parse JSON: %v", err),
			Code:    resp.StatusCode,
		}
	}

	return nil
}

// doRequest sends req with the configured headers
func (c *Client) doRequest(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.WarnWithFields("HTTP request failed", map[string]interface{}{
			"method":   req.Method,
			"path":     req.URL.Path,
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("network error: %v", err),
		}
	}

	c.logger.DebugWithFields("HTTP request completed", map[string]interface{}{
		"method":   req.Method,
		"path":     req.URL.Path,
		"status":   resp.StatusCode,
		"duration": duration,
	})

	return resp, nil
}

// checkResponseStatus maps non-2xx statuses onto upstream error types
func (c *Client) checkResponseStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	fields := map[string]interface{}{
		"status": resp.StatusCode,
		"path":   resp.Request.URL.Path,
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.logger.DebugWithFields("profile not found", fields)
		return &errs.Error{Type: errs.ErrorTypeNotFound, Message: "resource not found", Code: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.WarnWithFields("authentication error", fields)
		return &errs.Error{Type: errs.ErrorTypeAuth, Message: "authentication required", Code: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.WarnWithFields("rate limited by Instagram", fields)
		return &errs.Error{Type: errs.ErrorTypeRateLimit, Message: "rate limited by Instagram", Code: resp.StatusCode}
	case resp.StatusCode >= 500:
		c.logger.ErrorWithFields("server error", fields)
		return &errs.Error{
			Type:    errs.ErrorTypeServerError,
			Message: fmt.Sprintf("server error: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	default:
		c.logger.ErrorWithFields("unexpected API error", fields)
		return &errs.Error{
			Type:    errs.ErrorTypeUnknown,
			Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}
}

func preview(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
