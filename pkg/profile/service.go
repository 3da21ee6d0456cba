package profile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"igproxy/pkg/cache"
	errs "igproxy/pkg/errors"
	"igproxy/pkg/instagram"
	"igproxy/pkg/logger"
)

// Fetcher retrieves a profile from the upstream source. Errors must already
// be *errors.ServiceError values.
type Fetcher interface {
	FetchProfile(ctx context.Context, username string) (*Record, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, username string) (*Record, error)

// FetchProfile implements Fetcher
func (f FetcherFunc) FetchProfile(ctx context.Context, username string) (*Record, error) {
	return f(ctx, username)
}

// Metrics receives service level observations
type Metrics interface {
	ObserveCacheLookup(hit bool)
	ObserveFetch(kind string, duration time.Duration)
}

// Cache is the profile cache keyed by normalized username
type Cache = cache.Cache[string, Record]

// NewCache creates a profile cache
func NewCache(ttl time.Duration, capacity int, opts ...cache.Option[string, Record]) *Cache {
	return cache.New[string, Record](ttl, capacity, opts...)
}

// Service answers profile lookups from the cache, falling back to the
// upstream fetcher. Concurrent misses for one username share a single fetch.
type Service struct {
	fetcher Fetcher
	cache   *Cache
	group   singleflight.Group
	logger  logger.Logger
	metrics Metrics
}

// Option configures a Service
type Option func(*Service)

// WithMetrics attaches a metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a profile service
func NewService(fetcher Fetcher, c *Cache, log logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewNopLogger()
	}
	s := &Service{
		fetcher: fetcher,
		cache:   c,
		logger:  log.WithField("component", "profile"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetProfile returns the profile for username. The returned record is a
// private copy.
func (s *Service) GetProfile(ctx context.Context, username string) (*Record, error) {
	key := Normalize(username)
	if key == "" {
		return nil, errs.New(errs.KindProfileNotFound, "username is required")
	}
	if !instagram.IsValidUsername(key) {
		return nil, errs.NotFound(key)
	}

	if record, ok := s.cache.Get(key); ok {
		s.observeLookup(true)
		s.logger.DebugWithFields("cache hit", map[string]interface{}{
			"username": key,
		})
		return record.Clone(), nil
	}
	s.observeLookup(false)

	// The shared fetch must outlive any single caller that gives up
	ch := s.group.DoChan(key, func() (record interface{}, err error) {
		// Runs on singleflight's goroutine, out of reach of the HTTP recoverer
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.ErrorWithFields("profile fetch panicked", map[string]interface{}{
					"username": key,
					"panic":    fmt.Sprint(rec),
				})
				record, err = nil, errs.New(errs.KindInternal, "")
			}
		}()
		return s.fetch(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindInternal, "request cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		record := res.Val.(Record)
		return record.Clone(), nil
	}
}

// CacheSize returns the number of live cached profiles
func (s *Service) CacheSize() int {
	return s.cache.Len()
}

// fetch performs one upstream lookup and populates the cache on success
func (s *Service) fetch(ctx context.Context, key string) (Record, error) {
	start := time.Now()
	s.logger.InfoWithFields("fetching profile", map[string]interface{}{
		"username": key,
	})

	record, err := s.fetcher.FetchProfile(ctx, key)
	if err == nil && (record == nil || record.UserID == "") {
		err = errs.New(errs.KindProfileNotFound, "Invalid data from Instagram")
	}
	if err != nil {
		svcErr := errs.AsService(err)
		s.observeFetch(svcErr.Kind, start)
		s.logger.WithError(err).WarnWithFields("profile fetch failed", map[string]interface{}{
			"username": key,
			"kind":     string(svcErr.Kind),
			"duration": time.Since(start),
		})
		return Record{}, svcErr
	}

	stored := *record.Clone()
	s.cache.Put(key, stored)
	s.observeFetch("ok", start)
	s.logger.InfoWithFields("profile fetched", map[string]interface{}{
		"username":  key,
		"followers": stored.Followers,
		"duration":  time.Since(start),
	})
	return stored, nil
}

func (s *Service) observeLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.ObserveCacheLookup(hit)
	}
}

func (s *Service) observeFetch(kind errs.Kind, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveFetch(string(kind), time.Since(start))
	}
}
