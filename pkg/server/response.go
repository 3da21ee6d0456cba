package server

import (
	"encoding/json"
	"net/http"

	errs "igproxy/pkg/errors"
	"igproxy/pkg/logger"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string  `json:"error"`
	Details *string `json:"details"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
	CacheSize int     `json:"cache_size"`
}

// WriteJSON writes payload with the given status
func WriteJSON(w http.ResponseWriter, log logger.Logger, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && log != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

// WriteError writes err as an ErrorResponse with the status of its kind
func WriteError(w http.ResponseWriter, log logger.Logger, err error) {
	svcErr := errs.AsService(err)
	resp := ErrorResponse{Error: svcErr.Kind.Title()}
	if svcErr.Details != "" {
		details := svcErr.Details
		resp.Details = &details
	}
	WriteJSON(w, log, svcErr.Kind.StatusCode(), resp)
}

func writeStatus(w http.ResponseWriter, log logger.Logger, status int, title string) {
	WriteJSON(w, log, status, ErrorResponse{Error: title})
}
