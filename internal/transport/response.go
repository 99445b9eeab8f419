// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the curator API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConfigNotFound:    http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrAlreadyClaimed:    http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrUnknownTransition: http.StatusUnprocessableEntity,
	model.ErrCommentRequired:   http.StatusUnprocessableEntity,
	model.ErrRateLimited:       http.StatusTooManyRequests,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error code, 500 when unknown.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// respondError writes err and logs it. Unclassified errors are logged at
// error level with the cause; the client only sees INTERNAL_ERROR.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.RequestLogger(r.Context(), zap.NewNop())

	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		logger.Error("request failed", zap.Error(err))
		ee = model.NewInternalError()
	} else if StatusFor(ee.Code) >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Warn("request rejected", zap.String("code", ee.Code), zap.String("message", ee.Message))
	}

	out := *ee
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
