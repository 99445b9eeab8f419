// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Identity modes.
const (
	IdentityModeJWT    = "jwt"
	IdentityModeHeader = "header"
)

// IdentityConfig describes how callers are authenticated. In "jwt" mode
// bearer tokens are verified against a JWKS endpoint. In "header" mode a
// trusted reverse proxy supplies the identity in request headers.
type IdentityConfig struct {
	Mode         string            `yaml:"mode"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
	Headers      HeaderIdentity    `yaml:"headers"`
}

// HeaderIdentity names the headers used in "header" identity mode.
type HeaderIdentity struct {
	Subject   string `yaml:"subject"`
	Email     string `yaml:"email"`
	Roles     string `yaml:"roles"`
	Clearance string `yaml:"clearance"`
}

// DefinitionsConfig describes where to find seed definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	Seed        bool     `yaml:"seed"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WorkflowConfig describes task engine settings.
type WorkflowConfig struct {
	// BaseURL prefixes links placed in notification bodies.
	BaseURL string `yaml:"base_url"`
	// FallbackFinalStates are treated as final for procedures without an
	// active config.
	FallbackFinalStates []string `yaml:"fallback_final_states"`
	OverdueLimit        int      `yaml:"overdue_limit"`
	// OverdueRefresh is how often the overdue gauge is recomputed. Zero
	// disables the refresher.
	OverdueRefresh time.Duration `yaml:"overdue_refresh"`
	// CapabilityGates additionally requires procedures:<type>:transition
	// for graph transitions.
	CapabilityGates bool `yaml:"capability_gates"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConfig describes persistence for definitions, tasks, history and
// notifications.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// Notification publishers.
const (
	PublisherNone      = "none"
	PublisherGoChannel = "gochannel"
	PublisherKafka     = "kafka"
)

// NotificationsConfig describes where emitted notifications go besides the
// in-app notification store.
type NotificationsConfig struct {
	Publisher  string   `yaml:"publisher"`
	Topic      string   `yaml:"topic"`
	Brokers    []string `yaml:"brokers"`
	BrokersEnv string   `yaml:"brokers_env"`
	BufferSize int64    `yaml:"buffer_size"`

	// Breaker stops publishing for a while after repeated broker failures.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the notification
// publisher. A zero FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ProbeSuccesses   int           `yaml:"probe_successes"`
	OpenFor          time.Duration `yaml:"open_for"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is json or console.
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Mode:         IdentityModeJWT,
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
				"clearance":  "clearance_level",
			},
			Headers: HeaderIdentity{
				Subject:   "X-User-Id",
				Email:     "X-User-Email",
				Roles:     "X-User-Roles",
				Clearance: "X-User-Clearance",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Seed:        true,
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Workflow: WorkflowConfig{
			FallbackFinalStates: []string{"completed", "resolved"},
			OverdueLimit:        500,
			OverdueRefresh:      5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "CURATOR_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				AddrEnv:    "CURATOR_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notifications: NotificationsConfig{
			Publisher:  PublisherNone,
			Topic:      "curator.notifications",
			BrokersEnv: "CURATOR_KAFKA_BROKERS",
			BufferSize: 256,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ProbeSuccesses:   2,
				OpenFor:          30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Identity.Mode {
	case IdentityModeJWT:
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
	case IdentityModeHeader:
		if c.Identity.Headers.Subject == "" {
			errs = append(errs, "identity.headers.subject is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("identity.mode %q is not one of jwt, header", c.Identity.Mode))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case DriverMemory, DriverRedis:
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver))
		}
	}

	switch c.Notifications.Publisher {
	case PublisherNone, PublisherGoChannel:
	case PublisherKafka:
		if len(c.Notifications.Brokers) == 0 {
			errs = append(errs, "notifications.brokers is required for the kafka publisher")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifications.publisher %q is not one of none, gochannel, kafka", c.Notifications.Publisher))
	}
	if b := c.Notifications.Breaker; b.FailureThreshold < 0 || b.ProbeSuccesses < 0 || b.OpenFor < 0 {
		errs = append(errs, "notifications.breaker values must not be negative")
	}
	if c.Notifications.Publisher != PublisherNone && c.Notifications.Topic == "" {
		errs = append(errs, "notifications.topic is required")
	}

	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not one of json, console", c.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CURATOR_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CURATOR_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CURATOR_IDENTITY_MODE"); v != "" {
		cfg.Identity.Mode = v
	}
	if v := os.Getenv("CURATOR_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CURATOR_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CURATOR_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CURATOR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CURATOR_NOTIFICATIONS_PUBLISHER"); v != "" {
		cfg.Notifications.Publisher = v
	}
	if env := cfg.Notifications.BrokersEnv; env != "" {
		if v := os.Getenv(env); v != "" {
			cfg.Notifications.Brokers = strings.Split(v, ",")
		}
	}
	if v := os.Getenv("CURATOR_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
