package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/model"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func note(id, user, objectID, procedure string, offset time.Duration) model.Notification {
	return model.Notification{
		ID:            id,
		UserID:        user,
		ObjectType:    "accession",
		ObjectID:      objectID,
		ProcedureType: procedure,
		Type:          model.NotifyTaskAssigned,
		Subject:       "Acquisition: Pending Approval assigned to you",
		Status:        model.NotificationPending,
		CreatedAt:     base.Add(offset),
	}
}

func seed(t *testing.T, s Store, ns ...model.Notification) {
	t.Helper()
	for _, n := range ns {
		if err := s.Save(context.Background(), n); err != nil {
			t.Fatalf("Save(%s): %v", n.ID, err)
		}
	}
}

func ids(ns []model.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestMemoryStore_Inbox(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s,
		note("n1", "u-reg", "ac-1", "acquisition", 0),
		note("n2", "u-reg", "ac-2", "acquisition", time.Minute),
		note("n3", "u-sub", "ac-1", "acquisition", 2*time.Minute),
		note("n4", "u-reg", "ac-1", "loans_out", 3*time.Minute),
	)

	if err := s.Save(ctx, note("n1", "u-reg", "ac-9", "acquisition", 0)); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate id: expected CONFLICT, got %v", err)
	}

	all, _ := s.ListForUser(ctx, "u-reg", false, 0)
	if got := ids(all); len(got) != 3 || got[0] != "n4" || got[2] != "n1" {
		t.Errorf("ListForUser = %v, want newest first [n4 n2 n1]", got)
	}

	read, err := s.MarkRead(ctx, "n2", "u-reg", base.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if read.Status != model.NotificationRead || read.ReadAt == nil {
		t.Errorf("read = %+v", read)
	}
	if _, err := s.MarkRead(ctx, "n3", "u-reg", base); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("another user's notification: expected NOT_FOUND, got %v", err)
	}

	resolved, err := s.ResolvePending(ctx, "accession", "ac-1", "acquisition")
	if err != nil {
		t.Fatalf("ResolvePending: %v", err)
	}
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2 (n1, n3)", resolved)
	}

	unread, _ := s.ListForUser(ctx, "u-reg", true, 0)
	if got := ids(unread); len(got) != 1 || got[0] != "n4" {
		t.Errorf("unread = %v, want [n4]", got)
	}
	if n, _ := s.UnreadCount(ctx, "u-reg"); n != 1 {
		t.Errorf("UnreadCount = %d, want 1", n)
	}

	// Reading again keeps the first read time.
	again, _ := s.MarkRead(ctx, "n2", "u-reg", base.Add(2*time.Hour))
	if !again.ReadAt.Equal(base.Add(time.Hour)) {
		t.Errorf("read_at moved to %v", again.ReadAt)
	}

	limited, _ := s.ListForUser(ctx, "u-reg", false, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestStoreEmitter_FillsDefaults(t *testing.T) {
	s := NewMemoryStore()
	e := NewStoreEmitter(s, nil)

	if err := e.Notify(context.Background(), model.Notification{UserID: "u-reg", Type: model.NotifyTransition, Subject: "moved"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got, _ := s.ListForUser(context.Background(), "u-reg", true, 0)
	if len(got) != 1 {
		t.Fatalf("stored %d notifications", len(got))
	}
	if got[0].ID == "" || got[0].Status != model.NotificationPending || got[0].CreatedAt.IsZero() {
		t.Errorf("defaults not filled: %+v", got[0])
	}
}

func TestPublisherEmitter_PublishesJSON(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := pubSub.Subscribe(ctx, "curator.notifications")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := NewPublisherEmitter(pubSub, "curator.notifications")
	n := note("n1", "u-reg", "ac-1", "acquisition", 0)
	n.Email = "reg@museum.test"
	if err := e.Notify(ctx, n); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case msg := <-msgs:
		msg.Ack()
		if msg.Metadata.Get(MetadataType) != model.NotifyTaskAssigned || msg.Metadata.Get(MetadataUserID) != "u-reg" {
			t.Errorf("metadata = %v", msg.Metadata)
		}
		var got model.Notification
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got.ID != "n1" || got.Email != "reg@museum.test" {
			t.Errorf("payload = %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("no message published")
	}
}

type failingEmitter struct{ calls int }

func (f *failingEmitter) Notify(context.Context, model.Notification) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingEmitter) ResolvePending(context.Context, string, string, string) error {
	f.calls++
	return errors.New("broker down")
}

func TestFanout_DeliversDespiteFailures(t *testing.T) {
	s := NewMemoryStore()
	bad := &failingEmitter{}
	f := NewFanout(bad, nil, NewStoreEmitter(s, nil))

	err := f.Notify(context.Background(), model.Notification{UserID: "u-sub", Type: model.NotifyTaskReturned})
	if err == nil {
		t.Fatal("expected the failing emitter's error")
	}
	if n, _ := s.UnreadCount(context.Background(), "u-sub"); n != 1 {
		t.Errorf("inbox missed the notification: %d", n)
	}

	if err := f.ResolvePending(context.Background(), "accession", "ac-1", "acquisition"); err == nil {
		t.Error("expected resolve error")
	}
	if bad.calls != 2 {
		t.Errorf("failing emitter calls = %d, want 2", bad.calls)
	}
}

func TestNewPublisher(t *testing.T) {
	t.Setenv("TEST_KAFKA_BROKERS", "")

	tests := []struct {
		name    string
		cfg     config.NotificationsConfig
		wantNil bool
		wantErr bool
	}{
		{"none", config.NotificationsConfig{Publisher: config.PublisherNone}, true, false},
		{"empty", config.NotificationsConfig{}, true, false},
		{"gochannel", config.NotificationsConfig{Publisher: config.PublisherGoChannel, BufferSize: 8}, false, false},
		{"kafka without brokers", config.NotificationsConfig{Publisher: config.PublisherKafka, BrokersEnv: "TEST_KAFKA_BROKERS"}, true, true},
		{"unknown", config.NotificationsConfig{Publisher: "sqs"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := NewPublisher(tt.cfg, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (pub == nil) != tt.wantNil {
				t.Errorf("publisher = %v, wantNil %v", pub, tt.wantNil)
			}
			if pub != nil {
				_ = pub.Close()
			}
		})
	}
}

func TestKafkaBrokers_PrefersEnv(t *testing.T) {
	t.Setenv("TEST_KAFKA_BROKERS", "k1:9092, k2:9092,")
	got := kafkaBrokers(config.NotificationsConfig{Brokers: []string{"cfg:9092"}, BrokersEnv: "TEST_KAFKA_BROKERS"})
	if len(got) != 2 || got[0] != "k1:9092" || got[1] != "k2:9092" {
		t.Errorf("brokers = %v", got)
	}
	got = kafkaBrokers(config.NotificationsConfig{Brokers: []string{"cfg:9092"}})
	if len(got) != 1 || got[0] != "cfg:9092" {
		t.Errorf("brokers = %v", got)
	}
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).With(watermill.LogFields{"topic": "curator.notifications"})

	l.Info("published", watermill.LogFields{"uuid": "01J"})
	l.Error("publish failed", errors.New("timeout"), nil)
	l.Trace("tick", nil)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("logged %d entries, want 3", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["topic"] != "curator.notifications" || ctx["uuid"] != "01J" {
		t.Errorf("fields = %v", ctx)
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["error"] != "timeout" {
		t.Errorf("error entry = %+v", entries[1])
	}
	if entries[2].Level != zapcore.DebugLevel {
		t.Errorf("trace level = %v, want debug", entries[2].Level)
	}
}
