package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/roi-ledger/internal/errors"
	"github.com/roi-ledger/internal/logging"
)

// ErrorBody is the error payload.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError maps a categorized error onto its status and code. Anything
// uncategorized is reported as an internal error without leaking its text.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("Request failed")
		respondError(w, catErr.StatusCode, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}
	if catErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(catErr.RetryAfter.Seconds()+0.5)))
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
