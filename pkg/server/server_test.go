package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igproxy/pkg/config"
	errs "igproxy/pkg/errors"
	"igproxy/pkg/imageproxy"
	"igproxy/pkg/logger"
	"igproxy/pkg/profile"
	"igproxy/pkg/ratelimit"
)

func strPtr(s string) *string { return &s }

var nasa = profile.Record{
	Username:   "nasa",
	Followers:  97000000,
	Following:  80,
	PostsCount: 4200,
	DPURL:      "https://scontent.cdninstagram.com/nasa.jpg",
	Bio:        strPtr("Exploring the universe"),
	FullName:   strPtr("NASA"),
	UserID:     "528817151",
}

func stubFetcher(t *testing.T, calls *int32) profile.FetcherFunc {
	t.Helper()
	return func(ctx context.Context, username string) (*profile.Record, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		switch username {
		case "nasa":
			out := nasa
			return &out, nil
		case "flaky":
			return nil, errs.New(errs.KindUpstreamUnavailable, "connection refused")
		default:
			return nil, errs.NotFound(username)
		}
	}
}

type testEnv struct {
	server  *Server
	log     *logger.TestLogger
	metrics *Metrics
	calls   int32
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{log: logger.NewTestLogger(), metrics: NewMetrics()}

	svc := profile.NewService(
		stubFetcher(t, &env.calls),
		profile.NewCache(time.Hour, 100),
		env.log,
		profile.WithMetrics(env.metrics),
	)
	deps := Deps{
		Config:   config.DefaultConfig().Server,
		Profiles: svc,
		Images:   imageproxy.New(imageproxy.Options{Timeout: 5 * time.Second}, env.log),
		Limiter:  ratelimit.NewKeyedLimiter(10, time.Minute, 1000),
		Metrics:  env.metrics,
		Logger:   env.log,
		Now:      func() time.Time { return time.Unix(1700000000, 500000000) },
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	require.NoError(t, err)
	env.server = srv
	return env
}

func (env *testEnv) do(method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestScrapeReturnsProfile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/scrape/nasa", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "nasa", body["username"])
	assert.Equal(t, float64(4200), body["posts_count"])
	assert.Equal(t, float64(97000000), body["followers"])
	assert.Equal(t, "https://scontent.cdninstagram.com/nasa.jpg", body["dp_url"])
	assert.Equal(t, "Exploring the universe", body["bio"])
	assert.NotContains(t, body, "UserID")

	// Second request within the TTL is served from cache
	rec = env.do(http.MethodGet, "/scrape/NASA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&env.calls))
}

func TestScrapeDecodesEscapedUsername(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/scrape/%40nasa", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"username":"nasa"`)

	rec = env.do(http.MethodGet, "/scrape/%40NASA%2F", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&env.calls))
}

func TestScrapeProfileNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/scrape/thisuserdoesnotexist123456", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "Profile not found", body.Error)
	require.NotNil(t, body.Details)
	assert.Equal(t, "@thisuserdoesnotexist123456 doesn't exist", *body.Details)
}

func TestScrapeUpstreamUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/scrape/flaky", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Instagram connection failed", body.Error)

	// Failures are never cached
	env.do(http.MethodGet, "/scrape/flaky", nil)
	assert.Equal(t, int32(2), atomic.LoadInt32(&env.calls))
}

func TestScrapeRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 10; i++ {
		rec := env.do(http.MethodGet, "/scrape/nasa", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := env.do(http.MethodGet, "/scrape/nasa", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decodeError(t, rec)
	assert.Equal(t, "Rate limit exceeded", body.Error)
	require.NotNil(t, body.Details)
	assert.Equal(t, "too many requests", *body.Details)
	assert.True(t, env.log.HasMessage("Rate limit reached, rejecting request"))

	// Health and the image proxy are not subject to the quota
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", nil).Code)
}

func TestScrapeRateLimitIsPerClient(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 10; i++ {
		env.do(http.MethodGet, "/scrape/nasa", nil)
	}
	require.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/scrape/nasa", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/scrape/nasa", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScrapeTrustsForwardedForWhenConfigured(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Config.TrustProxyHeaders = true
		d.Limiter = ratelimit.NewKeyedLimiter(1, time.Minute, 1000)
	})

	first := env.do(http.MethodGet, "/scrape/nasa", map[string]string{"X-Forwarded-For": "203.0.113.1"})
	second := env.do(http.MethodGet, "/scrape/nasa", map[string]string{"X-Forwarded-For": "203.0.113.2"})
	again := env.do(http.MethodGet, "/scrape/nasa", map[string]string{"X-Forwarded-For": "203.0.113.1"})

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, http.StatusTooManyRequests, again.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(http.MethodGet, "/scrape/nasa", nil)

	for i := 0; i < 15; i++ {
		rec := env.do(http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(http.MethodGet, "/health", nil)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 1700000000.5, body["timestamp"])
	assert.Equal(t, float64(1), body["cache_size"])
}

func TestProxyImagePassthrough(t *testing.T) {
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G', 0x00, 0xff}, 512)
	received := make(chan http.Header, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer origin.Close()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/proxy-image/?url="+origin.URL+"/img.png", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.Equal(payload, rec.Body.Bytes()), "body differs from origin")
	sent := <-received
	assert.Equal(t, "Mozilla/5.0", sent.Get("User-Agent"))
	assert.Equal(t, "true", sent.Get("ngrok-skip-browser-warning"))
}

func TestProxyImageFailures(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer origin.Close()

	env := newTestEnv(t, nil)
	for _, target := range []string{
		"/proxy-image/",
		"/proxy-image/?url=ftp://example.com/a.jpg",
		"/proxy-image?url=" + origin.URL + "/missing.jpg",
	} {
		t.Run(target, func(t *testing.T) {
			rec := env.do(http.MethodGet, target, nil)
			require.Equal(t, http.StatusInternalServerError, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "Image fetch failed", body.Error)
			assert.Nil(t, body.Details)
		})
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("preflight", func(t *testing.T) {
		rec := env.do(http.MethodOptions, "/scrape/nasa", map[string]string{
			"Origin":                         "https://app.example.com",
			"Access-Control-Request-Method":  "GET",
			"Access-Control-Request-Headers": "X-Custom-Header",
		})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "X-Custom-Header", rec.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("simple request", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/health", map[string]string{"Origin": "https://other.example.org"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/health", nil)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", decodeError(t, rec).Error)

	rec = env.do(http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", decodeError(t, rec).Error)
}

type panickingProfiles struct{}

func (panickingProfiles) GetProfile(ctx context.Context, username string) (*profile.Record, error) {
	panic("boom")
}

func (panickingProfiles) CacheSize() int { return 0 }

func TestRecoverFromPanic(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Profiles = panickingProfiles{} })

	rec := env.do(http.MethodGet, "/scrape/nasa", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal error", decodeError(t, rec).Error)
	assert.True(t, env.log.HasMessage("handler panicked"))
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/health", nil)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	rec = env.do(http.MethodGet, "/health", map[string]string{RequestIDHeader: "trace-123"})
	assert.Equal(t, "trace-123", rec.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(http.MethodGet, "/scrape/nasa", nil)
	env.do(http.MethodGet, "/scrape/nasa", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, `igproxy_http_requests_total{method="GET",route="/scrape/{username}",status="200"} 2`)
	assert.Contains(t, out, `igproxy_profile_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, out, `igproxy_profile_cache_lookups_total{result="miss"} 1`)
	assert.Contains(t, out, `igproxy_upstream_fetch_duration_seconds_count{outcome="ok"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Metrics = nil })
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/metrics", nil).Code)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestServeShutsDownGracefully(t *testing.T) {
	var stopped atomic.Bool
	env := newTestEnv(t, func(d *Deps) {
		d.Config.ShutdownTimeout = 2 * time.Second
		d.Background = []func(context.Context){
			func(ctx context.Context) {
				<-ctx.Done()
				stopped.Store(true)
			},
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"status":"healthy"`))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, stopped.Load(), "background task should observe shutdown")
}

func TestRunReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	env := newTestEnv(t, func(d *Deps) { d.Config.Addr = ln.Addr().String() })
	err = env.server.Run(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, http.ErrServerClosed))
}

func TestMetricsCacheCollectors(t *testing.T) {
	m := NewMetrics()
	m.ObserveEviction()
	m.RegisterCacheSize(func() int { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "igproxy_profile_cache_evictions_total 1")
	assert.Contains(t, rec.Body.String(), "igproxy_profile_cache_entries 3")
}
