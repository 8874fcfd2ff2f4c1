package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/events"
	"github.com/JakeFAU/dsl-png-renderer/internal/orchestrator"
)

// Codes for failures that happen before a job exists.
const (
	codeBadRequest   = "bad_request"
	codeNotFound     = "not_found"
	codeConflict     = "not_cancellable"
	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
	codeBusy         = "too_many_subscribers"
)

type errorResponse struct {
	Error     string         `json:"error"`
	ErrorCode string         `json:"error_code"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
}

// statusFor maps an error onto its HTTP status and client code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, orchestrator.ErrNotCancellable):
		return http.StatusConflict, codeConflict
	case errors.Is(err, events.ErrTooManySubscribers), errors.Is(err, events.ErrClosed):
		return http.StatusServiceUnavailable, codeBusy
	}
	code := orchestrator.ErrorCode(err)
	switch code {
	case orchestrator.CodeParse, orchestrator.CodeValidation:
		return http.StatusBadRequest, code
	case orchestrator.CodeExhausted, orchestrator.CodeCircuitOpen, orchestrator.CodeUnavailable,
		orchestrator.CodeQueueFull:
		return http.StatusServiceUnavailable, code
	case orchestrator.CodeTimeout:
		return http.StatusGatewayTimeout, code
	case orchestrator.CodeCancelled:
		return http.StatusConflict, code
	default:
		return http.StatusInternalServerError, code
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string, details map[string]any) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		ErrorCode: code,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: RequestID(r.Context()),
	})
}

// writeFailure reports err with the status its class maps to. Internal
// errors are logged and hidden from the client.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, details map[string]any) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeError(w, r, status, code, msg, details)
}
