package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/model"
)

// Message metadata keys set on published notifications.
const (
	MetadataType   = "notification_type"
	MetadataUserID = "user_id"
)

// Emitter is one destination for engine notifications.
type Emitter interface {
	Notify(ctx context.Context, n model.Notification) error
	ResolvePending(ctx context.Context, objectType, objectID, procedureType string) error
}

// StoreEmitter writes notifications to the in-app inbox.
type StoreEmitter struct {
	store  Store
	logger *zap.Logger
}

// NewStoreEmitter creates an emitter over store.
func NewStoreEmitter(store Store, logger *zap.Logger) *StoreEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreEmitter{store: store, logger: logger}
}

func (e *StoreEmitter) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = model.NotificationPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return e.store.Save(ctx, n)
}

func (e *StoreEmitter) ResolvePending(ctx context.Context, objectType, objectID, procedureType string) error {
	n, err := e.store.ResolvePending(ctx, objectType, objectID, procedureType)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Debug("notifications resolved",
			zap.String("object_type", objectType),
			zap.String("object_id", objectID),
			zap.String("procedure_type", procedureType),
			zap.Int("count", n),
		)
	}
	return nil
}

// PublisherEmitter publishes each notification as a JSON watermill message
// for an external mailer.
type PublisherEmitter struct {
	publisher message.Publisher
	topic     string
}

// NewPublisherEmitter creates an emitter publishing to topic.
func NewPublisherEmitter(pub message.Publisher, topic string) *PublisherEmitter {
	return &PublisherEmitter{publisher: pub, topic: topic}
}

func (e *PublisherEmitter) Notify(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataType, n.Type)
	msg.Metadata.Set(MetadataUserID, n.UserID)
	if err := e.publisher.Publish(e.topic, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// ResolvePending is a no-op; published messages cannot be recalled.
func (e *PublisherEmitter) ResolvePending(context.Context, string, string, string) error {
	return nil
}

// Fanout hands every notification to each emitter in turn, under one ID.
// An emitter failure does not stop the others.
type Fanout struct {
	emitters []Emitter
}

// NewFanout combines emitters. Nil emitters are skipped.
func NewFanout(emitters ...Emitter) *Fanout {
	f := &Fanout{}
	for _, e := range emitters {
		if e != nil {
			f.emitters = append(f.emitters, e)
		}
	}
	return f
}

func (f *Fanout) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	var errs []error
	for _, e := range f.emitters {
		if err := e.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) ResolvePending(ctx context.Context, objectType, objectID, procedureType string) error {
	var errs []error
	for _, e := range f.emitters {
		if err := e.ResolvePending(ctx, objectType, objectID, procedureType); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
