// Package integration runs the curator HTTP API end to end against
// PostgreSQL, a Redis idempotency store, and a JWKS-backed token issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/curator/internal/capability"
	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/internal/idempotency"
	"github.com/pitabwire/curator/internal/notify"
	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/internal/storage/storagetest"
	"github.com/pitabwire/curator/internal/transport"
	"github.com/pitabwire/curator/internal/workflow"
	"github.com/pitabwire/curator/model"
)

const notificationTopic = "curator.notifications"

// TestHarness is a fully wired curator server backed by a fresh database.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	pubSub *gochannel.GoChannel

	Engine        *workflow.Engine
	Tasks         *workflow.PgStore
	Notifications *notify.PgStore
	Redis         *miniredis.Miniredis
}

// HarnessOption adjusts the server configuration.
type HarnessOption func(*config.Config)

// WithCapabilityGates requires procedures:<type>:transition on graph
// transitions.
func WithCapabilityGates() HarnessOption {
	return func(c *config.Config) { c.Workflow.CapabilityGates = true }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Server.HandlerTimeout = d }
}

// NewTestHarness seeds the testdata definitions into a new database and
// starts the server. Everything is torn down when the test ends.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	pool := storagetest.NewPool(t)
	h := &TestHarness{
		t:             t,
		issuer:        newTokenIssuer(t),
		Tasks:         workflow.NewPgStore(pool),
		Notifications: notify.NewPgStore(pool),
		Redis:         miniredis.RunT(t),
	}
	defStore := definition.NewPgStore(pool)

	cfg := config.Defaults()
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.jwksServer.URL
	cfg.Idempotency.Enabled = true
	cfg.Idempotency.Store.Driver = config.DriverRedis
	cfg.Workflow.BaseURL = "https://curator.museum.test/"
	cfg.Server.HandlerTimeout = 10 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(registry)

	defs := definition.NewService(defStore, h.Tasks, metrics, logger)
	configs := definition.NewResolver(defStore, cfg.Workflow.FallbackFinalStates, metrics, logger)
	bundles, err := definition.NewLoader().LoadAll([]string{filepath.Join(testdataDir(), "definitions")})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if _, err := defs.Seed(ctx, bundles, configs); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	dir, err := capability.NewStaticDirectory(filepath.Join(testdataDir(), "directory.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}
	principals := capability.NewResolver(dir, dir, 0, 0, metrics)

	h.pubSub = gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { h.pubSub.Close() })

	h.Engine = workflow.NewEngine(workflow.Deps{
		Store:       h.Tasks,
		Definitions: defs,
		Configs:     configs,
		Authorizer:  capability.NewRoleAuthorizer(),
		Directory:   principals,
		Notifier: notify.NewFanout(
			notify.NewStoreEmitter(h.Notifications, logger),
			notify.NewPublisherEmitter(h.pubSub, notificationTopic),
		),
		Metrics:         metrics,
		Logger:          logger,
		BaseURL:         cfg.Workflow.BaseURL,
		OverdueLimit:    cfg.Workflow.OverdueLimit,
		CapabilityGates: cfg.Workflow.CapabilityGates,
	})

	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { rdb.Close() })

	authenticate, err := transport.Authenticator(cfg.Identity, logger)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Authenticate:  authenticate,
		Principals:    principals,
		Engine:        h.Engine,
		Definitions:   defs,
		Configs:       configs,
		Exporter:      workflow.NewExporter(h.Tasks),
		Notifications: h.Notifications,
		Idempotency:   idempotency.NewRedisStore(rdb),
		Metrics:       metrics,
		Gatherer:      registry,
		Readiness: observability.ReadinessChecks{
			DefinitionsSeeded: func() bool { return true },
			Checkers: map[string]observability.HealthChecker{
				"tasks":         h.Tasks,
				"notifications": h.Notifications,
			},
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// Token returns a valid bearer token for userID.
func (h *TestHarness) Token(userID string) string { return h.issuer.Token(userID) }

// Request describes one API call. An empty Token sends no Authorization
// header.
type Request struct {
	Method string
	Path   string
	Token  string
	Body   any
	Header map[string]string
}

// Do performs req and returns the response with its body read.
func (h *TestHarness) Do(req Request) (*http.Response, []byte) {
	h.t.Helper()

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		body = strings.NewReader(string(data))
	}

	r, err := http.NewRequestWithContext(context.Background(), req.Method, h.server.URL+req.Path, body)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if req.Token != "" {
		r.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if req.Body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		r.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(r)
	if err != nil {
		h.t.Fatalf("%s %s: %v", req.Method, req.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

// As performs an authenticated call for userID.
func (h *TestHarness) As(userID, method, path string, body any) (*http.Response, []byte) {
	h.t.Helper()
	return h.Do(Request{Method: method, Path: path, Token: h.Token(userID), Body: body})
}

// ExpectJSON fails the test unless resp has status, then decodes data into
// target.
func ExpectJSON(t *testing.T, resp *http.Response, data []byte, status int, target any) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, status, data)
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode body: %v\nbody: %s", err, data)
	}
}

// ExpectError fails the test unless the response is an error envelope with
// status and code.
func ExpectError(t *testing.T, resp *http.Response, data []byte, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var env struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	ExpectJSON(t, resp, data, status, &env)
	if env.Error.Code != code {
		t.Fatalf("error code = %q, want %q\nbody: %s", env.Error.Code, code, data)
	}
	return env.Error
}

// Published returns every notification message published so far.
func (h *TestHarness) Published(t *testing.T) []model.Notification {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := h.pubSub.Subscribe(ctx, notificationTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var out []model.Notification
	for {
		select {
		case msg := <-msgs:
			out = append(out, decodeNotification(t, msg))
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func decodeNotification(t *testing.T, msg *message.Message) model.Notification {
	t.Helper()
	defer msg.Ack()
	var n model.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		t.Fatalf("decode published notification: %v", err)
	}
	if got := msg.Metadata.Get(notify.MetadataUserID); got != n.UserID {
		t.Errorf("metadata user_id = %q, payload user_id = %q", got, n.UserID)
	}
	return n
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
