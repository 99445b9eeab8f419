package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/curator/model"
)

// MemoryStore keeps notifications in insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	items []model.Notification
}

// NewMemoryStore creates an empty in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == n.ID {
			return model.NewConflictError(fmt.Sprintf("notification %q already exists", n.ID))
		}
	}
	s.items = append(s.items, n)
	return nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Notification{}
	for i := len(s.items) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.items[i]
		if n.UserID != userID || (unreadOnly && n.Status != model.NotificationPending) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id, userID string, at time.Time) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		n := &s.items[i]
		if n.ID != id || n.UserID != userID {
			continue
		}
		if n.Status == model.NotificationPending {
			n.Status = model.NotificationRead
			t := at
			n.ReadAt = &t
		}
		return *n, nil
	}
	return model.Notification{}, model.NewNotFoundError(fmt.Sprintf("notification %q not found", id))
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.items {
		if s.items[i].UserID == userID && s.items[i].Status == model.NotificationPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResolvePending(_ context.Context, objectType, objectID, procedureType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.items {
		it := &s.items[i]
		if it.Status == model.NotificationPending && it.ObjectType == objectType &&
			it.ObjectID == objectID && it.ProcedureType == procedureType {
			it.Status = model.NotificationResolved
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
