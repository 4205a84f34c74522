package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spritelab/fleetd/internal/domain"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Stable error codes exposed in the response envelope.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeMissingField      = "MISSING_FIELD"
	CodeInvalidTransition = "INVALID_STATE_TRANSITION"
	CodeImmutable         = "IMMUTABLE"
	CodeConflict          = "CONFLICT"
	CodeInternal          = "INTERNAL"
)

// dataEnvelope wraps every successful response.
type dataEnvelope struct {
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// errorEnvelope wraps every error response.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, CodeMissingField, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, CodeMissingField, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a missing-field error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusUnprocessableEntity, CodeMissingField, fieldName+" is required")
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := dataEnvelope{Data: data, Timestamp: time.Now().UTC()}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorEnvelope{Error: message, Code: code}); err != nil {
		slog.Error("response write failed", "error", err)
	}
}

// writeDomainError maps domain error atoms to stable codes and statuses.
// Unrecognized errors become a generic 500; the detail stays server-side.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrImmutable):
		writeError(w, http.StatusUnprocessableEntity, CodeImmutable, err.Error())
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, http.StatusUnprocessableEntity, CodeMissingField, msg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
