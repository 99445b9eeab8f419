package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternalError     = "INTERNAL_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
)

// Workflow-specific error codes.
const (
	ErrConfigNotFound    = "CONFIG_NOT_FOUND"
	ErrUnknownTransition = "UNKNOWN_TRANSITION"
	ErrAlreadyClaimed    = "ALREADY_CLAIMED"
	ErrCommentRequired   = "COMMENT_REQUIRED"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is (or wraps) an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}

// CodeOf returns the envelope code carried by err, or ErrInternalError for
// errors that are not envelopes.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error. It means the
// requested action is not legal from the current state, as opposed to the
// caller lacking permission.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewUnknownTransitionError returns an UNKNOWN_TRANSITION error for a
// transition key the active procedure config does not declare.
func NewUnknownTransitionError(procedureType, key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownTransition,
		Message: fmt.Sprintf("transition %q is not defined for procedure %q", key, procedureType),
	}
}

// NewConfigNotFoundError returns a CONFIG_NOT_FOUND error.
func NewConfigNotFoundError(procedureType string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConfigNotFound,
		Message: fmt.Sprintf("no active configuration for procedure %q", procedureType),
	}
}

// NewAlreadyClaimedError returns an ALREADY_CLAIMED error naming the winner
// when it is known.
func NewAlreadyClaimedError(taskID, claimedBy string) *ErrorEnvelope {
	e := &ErrorEnvelope{
		Code:    ErrAlreadyClaimed,
		Message: fmt.Sprintf("task %s has already been claimed", taskID),
	}
	if claimedBy != "" {
		e.Details = []FieldError{{Field: "assigned_to", Code: ErrAlreadyClaimed, Message: claimedBy}}
	}
	return e
}

// NewCommentRequiredError returns a COMMENT_REQUIRED error.
func NewCommentRequiredError(action string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCommentRequired,
		Message: fmt.Sprintf("a comment is required to %s a task", action),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
