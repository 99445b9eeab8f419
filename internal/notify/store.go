// Package notify delivers the notifications the workflow engine emits: in-app
// inbox rows, and messages published for an external mailer.
package notify

import (
	"context"
	"time"

	"github.com/pitabwire/curator/model"
)

// Store persists in-app notifications.
type Store interface {
	Save(ctx context.Context, n model.Notification) error
	// ListForUser returns a user's notifications, newest first. unreadOnly
	// keeps pending ones only.
	ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error)
	// MarkRead marks a pending notification read. A notification owned by
	// somebody else is NOT_FOUND.
	MarkRead(ctx context.Context, id, userID string, at time.Time) (model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	// ResolvePending resolves every pending notification about one
	// procedure of an object and reports how many changed.
	ResolvePending(ctx context.Context, objectType, objectID, procedureType string) (int, error)
	HealthCheck(ctx context.Context) error
}

const defaultListLimit = 50
