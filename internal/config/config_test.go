package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Audience != "curator-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.DSNEnv != "COLLECTIONS_DB_URL" || cfg.Store.MaxConns != 10 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.MinConns != 2 {
		t.Errorf("Store.MinConns = %d, want default 2", cfg.Store.MinConns)
	}
	if cfg.Notifications.Publisher != PublisherKafka || len(cfg.Notifications.Brokers) != 2 {
		t.Errorf("Notifications = %+v", cfg.Notifications)
	}
	if cfg.Idempotency.Store.DefaultTTL != 12*time.Hour {
		t.Errorf("Idempotency.Store.DefaultTTL = %v, want 12h", cfg.Idempotency.Store.DefaultTTL)
	}
	if cfg.Idempotency.Store.AddrEnv != "CURATOR_REDIS_ADDR" {
		t.Errorf("Idempotency.Store.AddrEnv = %q, want default", cfg.Idempotency.Store.AddrEnv)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if _, err := Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	for _, field := range []string{"identity.issuer", "identity.jwks_url", "identity.audience"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestLoad_header_mode(t *testing.T) {
	cfg, err := Load("testdata/header_mode.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Identity.Headers.Subject != "X-Remote-User" {
		t.Errorf("Headers.Subject = %q", cfg.Identity.Headers.Subject)
	}
	if cfg.Identity.Headers.Roles != "X-User-Roles" {
		t.Errorf("Headers.Roles = %q, want default", cfg.Identity.Headers.Roles)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.Cache.TTL != 5*time.Minute {
		t.Errorf("default Capability.Cache.TTL = %v, want 5m", cfg.Capability.Cache.TTL)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if got := cfg.Workflow.FallbackFinalStates; len(got) != 2 || got[0] != "completed" || got[1] != "resolved" {
		t.Errorf("default FallbackFinalStates = %v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CURATOR_SERVER_PORT", "3000")
	t.Setenv("CURATOR_IDENTITY_ISSUER", "https://env-issuer.example.org")
	t.Setenv("CURATOR_STORE_DRIVER", "memory")
	t.Setenv("CURATOR_KAFKA_BROKERS", "k1:9092,k2:9092,k3:9092")
	t.Setenv("CURATOR_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.example.org" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Store.Driver = %q, want env override", cfg.Store.Driver)
	}
	if len(cfg.Notifications.Brokers) != 3 {
		t.Errorf("Notifications.Brokers = %v, want 3 from env", cfg.Notifications.Brokers)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Identity.Issuer = "https://auth.example.org"
		cfg.Identity.JWKSURL = "https://auth.example.org/.well-known/jwks.json"
		cfg.Identity.Audience = "curator-api"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"identity mode", func(c *Config) { c.Identity.Mode = "saml" }, "identity.mode"},
		{"store driver", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		{"kafka brokers", func(c *Config) { c.Notifications.Publisher = PublisherKafka }, "notifications.brokers"},
		{"publisher", func(c *Config) { c.Notifications.Publisher = "smtp" }, "notifications.publisher"},
		{"idempotency driver", func(c *Config) {
			c.Idempotency.Enabled = true
			c.Idempotency.Store.Driver = "memcached"
		}, "idempotency.store.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
