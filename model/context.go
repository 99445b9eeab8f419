package model

import (
	"context"
	"errors"
)

// RequestContext is the caller identity and request origin established by
// the authentication middleware. Handlers treat it as read-only.
type RequestContext struct {
	SubjectID      string
	Email          string
	Roles          []string
	ClearanceLevel *int
	CorrelationID  string
	TraceID        string
	IPAddress      string
	UserAgent      string
}

// Validate rejects a context without a subject or with a negative
// clearance claim.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if rc.ClearanceLevel != nil && *rc.ClearanceLevel < 0 {
		errs = append(errs, errors.New("clearance level must not be negative"))
	}
	return errors.Join(errs...)
}

// Stamp copies the request origin onto an audit entry. A nil context
// leaves the entry untouched.
func (rc *RequestContext) Stamp(h *HistoryEntry) {
	if rc == nil {
		return
	}
	h.IPAddress = rc.IPAddress
	h.UserAgent = rc.UserAgent
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
