package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/curator/model"
)

func claimed() Response {
	return Response{Status: 200, ContentType: "application/json", Body: []byte(`{"status":"claimed"}`)}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key("u-rev", "POST /api/tasks/{taskId}/claim", "k1")

			resp, found, err := s.Check(ctx, key, "h1")
			if err != nil || found || resp != nil {
				t.Fatalf("empty store: resp=%v found=%v err=%v", resp, found, err)
			}

			if err := s.Save(ctx, key, "h1", claimed(), time.Minute); err != nil {
				t.Fatalf("Save: %v", err)
			}
			resp, found, err = s.Check(ctx, key, "h1")
			if err != nil || !found {
				t.Fatalf("Check: found=%v err=%v", found, err)
			}
			if resp.Status != 200 || string(resp.Body) != `{"status":"claimed"}` || resp.ContentType != "application/json" {
				t.Errorf("replayed = %+v", resp)
			}

			_, found, err = s.Check(ctx, key, "h2")
			if !found || !model.IsCode(err, model.ErrConflict) {
				t.Errorf("different request: found=%v err=%v, want CONFLICT", found, err)
			}

			if err := s.HealthCheck(ctx); err != nil {
				t.Errorf("HealthCheck: %v", err)
			}
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Save(ctx, "k", "h", claimed(), time.Minute); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, found, _ := s.Check(ctx, "k", "h"); found {
		t.Error("expired entry still found")
	}
	if s.Len() != 0 {
		t.Errorf("expired entry not evicted, len = %d", s.Len())
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "k", "h", claimed(), time.Minute); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if _, found, err := s.Check(ctx, "k", "h"); found || err != nil {
		t.Errorf("expired: found=%v err=%v", found, err)
	}
}

func TestRedisStore_FirstWriterWins(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "k", "h", claimed(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "k", "h", Response{Status: 409}, time.Minute); err != nil {
		t.Fatal(err)
	}
	resp, _, _ := s.Check(ctx, "k", "h")
	if resp.Status != 200 {
		t.Errorf("status = %d, want the first response", resp.Status)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	if _, _, err := s.Check(context.Background(), "k", "h"); err == nil {
		t.Error("expected an error from a closed server")
	}
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("expected an unhealthy store")
	}
}

func TestHash(t *testing.T) {
	a := Hash("POST", "/api/tasks/t1/claim", []byte(`{}`))
	if a != Hash("POST", "/api/tasks/t1/claim", []byte(`{}`)) {
		t.Error("hash is not stable")
	}
	tests := []struct {
		name         string
		method, path string
		body         string
	}{
		{"method", "PUT", "/api/tasks/t1/claim", `{}`},
		{"path", "POST", "/api/tasks/t2/claim", `{}`},
		{"body", "POST", "/api/tasks/t1/claim", `{"comment":"x"}`},
		{"boundary", "POST", "/api/tasks/t1/claim{}", ``},
	}
	for _, tt := range tests {
		if Hash(tt.method, tt.path, []byte(tt.body)) == a {
			t.Errorf("%s change did not alter the hash", tt.name)
		}
	}
}
