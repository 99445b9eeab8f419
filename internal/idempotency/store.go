// Package idempotency remembers the responses of mutating requests so a
// retried request with the same X-Idempotency-Key replays the first answer.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/curator/model"
)

// Response is a recorded HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Store deduplicates requests by key.
type Store interface {
	// Check returns the response recorded under key. A key recorded for a
	// different request hash is a CONFLICT.
	Check(ctx context.Context, key, requestHash string) (resp *Response, found bool, err error)
	// Save records resp under key for ttl.
	Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error
	HealthCheck(ctx context.Context) error
}

type entry struct {
	RequestHash string   `json:"request_hash"`
	Response    Response `json:"response"`
}

// Key builds the storage key for a client key. Keys are scoped to the user
// and route so two users cannot collide.
func Key(userID, route, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s", userID, route, clientKey)
}

// Hash fingerprints a request body.
func Hash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// MemoryStore is an in-memory Store with TTL support, for tests and single
// instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if e.data.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	resp := e.data.Response
	return &resp, true, nil
}

func (s *MemoryStore) Save(_ context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{RequestHash: requestHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisStore is a Redis-backed Store; entries expire with the key TTL.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry %q: %w", key, err)
	}
	if e.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

// Save uses SET NX so the first of two racing requests keeps its response.
func (s *RedisStore) Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
