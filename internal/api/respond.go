package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/askd/internal/auth"
	"github.com/kalambet/askd/internal/conversation"
	"github.com/kalambet/askd/internal/ingest"
)

const maxRequestBodySize = 1 << 20 // 1MB

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// errorStatus maps service errors to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrInvalidArgument),
		errors.Is(err, ingest.ErrUnsupportedKind),
		errors.Is(err, ingest.ErrInvalidDocument),
		errors.Is(err, ingest.ErrInvalidURL),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, conversation.ErrForbidden):
		return http.StatusForbidden, "permission_error"
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, auth.ErrDuplicate):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "invalid_request_error"
	case errors.Is(err, conversation.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, conversation.ErrGenerationTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	}
	return http.StatusInternalServerError, "api_error"
}

// writeServiceError answers with the status for err. Internal errors are
// logged and replaced by a generic message.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	code, errType := errorStatus(err)
	switch code {
	case http.StatusInternalServerError:
		logger.Error(op+" failed", "error", err)
		httpError(w, code, errType, "%s failed", op)
	case http.StatusForbidden:
		httpError(w, code, errType, "forbidden")
	case http.StatusNotFound:
		httpError(w, code, errType, "not found")
	default:
		httpError(w, code, errType, "%v", err)
	}
}
