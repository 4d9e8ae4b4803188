package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed API request
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Base().Warn("failed to encode response", zap.Error(err))
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrDuplicateSession),
		errors.Is(err, domain.ErrStreamExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUpstreamCallFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if status == http.StatusInternalServerError {
		logger.Base().Error("api request failed", zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.NewValidationError("body", "is not valid json")
	}
	return nil
}

// queryInt reads a non-negative integer query parameter
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}

func filterFromQuery(r *http.Request) (domain.QueueFilter, error) {
	q := r.URL.Query()
	filter := domain.QueueFilter{
		CampaignID: q.Get("campaignId"),
		Status:     domain.QueueStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return filter, domain.NewValidationError("status", "is not a queue status")
	}
	return filter, nil
}
