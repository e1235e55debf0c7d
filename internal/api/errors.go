package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/revenue-tracker/internal/errors"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/storage"
	"github.com/revenue-tracker/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondAppError writes e as an error body with its own status.
func respondAppError(w http.ResponseWriter, e *apperrors.Error) {
	if v := e.RetryAfter(); v != "" {
		w.Header().Set("Retry-After", v)
	}
	respondJSON(w, e.Status, ErrorResponse{Error: e.ServiceError()})
}

// respondServiceError maps err to a status code and writes it. Errors that
// are not public are logged and returned without their cause.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		respondAppError(w, apperrors.NotFound("resource", r.URL.Path))
		return
	}

	e := apperrors.From(err)
	if !e.Public() {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"path": r.URL.Path,
			"kind": string(e.Kind),
		}).Error("Request failed")
		respondJSON(w, e.Status, ErrorResponse{Error: types.ServiceError{
			Code:    e.Code,
			Message: "An internal error occurred",
		}})
		return
	}
	respondAppError(w, e)
}
