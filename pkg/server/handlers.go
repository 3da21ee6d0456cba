package server

import (
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	errs "igproxy/pkg/errors"
	"igproxy/pkg/logger"
)

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	client := ClientKey(r)
	if !s.limiter.Admit(client) {
		retryAfter := int(math.Ceil(s.limiter.RetryAfter(client).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		if s.metrics != nil {
			s.metrics.rateLimited.Inc()
		}
		logger.LogRateLimit(s.logger, client, retryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		WriteError(w, s.logger, errs.RateLimited())
		return
	}

	// chi hands back the escaped segment whenever the request path had escapes
	username, err := url.PathUnescape(chi.URLParam(r, "username"))
	if err != nil {
		WriteError(w, s.logger, errs.Wrap(errs.KindProfileNotFound, "invalid username", err))
		return
	}

	record, err := s.profiles.GetProfile(r.Context(), username)
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}
	WriteJSON(w, s.logger, http.StatusOK, record)
}

func (s *Server) handleProxyImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.images.Fetch(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		WriteError(w, s.logger, err)
		return
	}
	defer img.Body.Close()

	w.Header().Set("Content-Type", img.ContentType)
	if img.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(img.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	// Headers are gone at this point, so a broken stream can only be logged
	if _, err := io.Copy(w, img.Body); err != nil {
		s.logger.WithError(err).WarnWithFields("image stream interrupted", map[string]interface{}{
			"request_id": GetRequestID(r.Context()),
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	WriteJSON(w, s.logger, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: float64(now.UnixNano()) / 1e9,
		CacheSize: s.profiles.CacheSize(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, s.logger, http.StatusNotFound, "Not found")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, s.logger, http.StatusMethodNotAllowed, "Method not allowed")
}
