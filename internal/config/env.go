// Package config loads the environment-variable configuration. It is loaded once at process
// start into an immutable Config struct and passed explicitly to every component; there is no
// package-level mutable config singleton.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type env struct{}

func (env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (env) boolean(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (env) integer(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (env) float(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (env) duration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func (env) csv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Queue holds durable-queue configuration.
type Queue struct {
	RedisURL    string // "inline" selects inline mode
	AllowInline bool
}

// Bundles holds bundle registry/fallback configuration.
type Bundles struct {
	Enabled         bool
	EnableSlugs     []string
	DisableSlugs    []string
	DisableFallback bool // global default; overridden per-slug by EnableSlugs/DisableSlugs
	StorageDir      string
	StorageBackend  string // "filesystem" | "s3"
	SigningSecret   string
}

// Docker holds container-executor configuration.
type Docker struct {
	Enabled              bool
	WorkspaceRoot        string
	ImageAllowlist       []string
	ImageDenylist        []string
	MaxWorkspaceBytes    int64
	EnableGPU            bool
	EnforceNetworkIso    bool
	AllowNetworkOverride bool
	AllowedNetworkModes  []string
	DefaultNetworkMode   string
	PersistLogTail       bool
}

// Timestore holds dataset/lifecycle/query configuration.
type Timestore struct {
	PostgresURL          string
	DefaultStorageTarget string
	ColumnarDSN          string
	ManifestCacheURL     string
	LifecycleInterval    time.Duration
	LifecycleJitter      time.Duration
	LifecycleConcurrency int
}

// IAM holds default authorization scopes. JWTSecret, when set, lets admin endpoints
// additionally accept an already-issued bearer token (verified, never minted here) whose
// "scopes" claim is merged into the caller's header-delivered scope set.
type IAM struct {
	AdminScope        string
	MetricsScope      string
	DefaultReadScope  string
	DefaultWriteScope string
	JWTSecret         string
}

// S3 holds object-store backend connection details.
type S3 struct {
	Bucket   string
	Endpoint string
	Region   string
}

// RateLimit bounds ingest/query request rates per caller.
// RequestsPerSecond <= 0 disables rate limiting entirely.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Config is the fully-resolved, immutable process configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	LogLevel       string
	LogFormat      string
	HTTPAddr       string
	MetricsEnabled bool

	Queue     Queue
	Bundles   Bundles
	Docker    Docker
	Timestore Timestore
	IAM       IAM
	S3        S3
	RateLimit RateLimit
}

// Load reads every recognized environment variable and returns the resolved Config.
func Load() Config {
	var e env

	redisURL := e.str("REDIS_URL", "inline")
	return Config{
		ServiceName:    e.str("APPHUB_SERVICE_NAME", "apphubd"),
		ServiceVersion: e.str("APPHUB_SERVICE_VERSION", "dev"),
		LogLevel:       e.str("APPHUB_LOG_LEVEL", "info"),
		LogFormat:      e.str("APPHUB_LOG_FORMAT", "json"),
		HTTPAddr:       e.str("APPHUB_HTTP_ADDR", ":8080"),
		MetricsEnabled: e.boolean("APPHUB_METRICS_ENABLED", false),

		Queue: Queue{
			RedisURL:    redisURL,
			AllowInline: e.boolean("APPHUB_ALLOW_INLINE_MODE", redisURL == "inline"),
		},
		Bundles: Bundles{
			Enabled:         e.boolean("APPHUB_JOB_BUNDLES_ENABLED", true),
			EnableSlugs:     e.csv("APPHUB_JOB_BUNDLES_ENABLE_SLUGS"),
			DisableSlugs:    e.csv("APPHUB_JOB_BUNDLES_DISABLE_SLUGS"),
			DisableFallback: e.boolean("APPHUB_JOB_BUNDLES_DISABLE_FALLBACK", false),
			StorageDir:      e.str("APPHUB_JOB_BUNDLE_STORAGE_DIR", "./var/bundles"),
			StorageBackend:  e.str("APPHUB_JOB_BUNDLE_STORAGE_BACKEND", "filesystem"),
			SigningSecret:   e.str("APPHUB_JOB_BUNDLE_SIGNING_SECRET", ""),
		},
		Docker: Docker{
			Enabled:              e.boolean("CORE_ENABLE_DOCKER_JOBS", false),
			WorkspaceRoot:        e.str("CORE_DOCKER_WORKSPACE_ROOT", "./var/docker-workspaces"),
			ImageAllowlist:       e.csv("CORE_DOCKER_IMAGE_ALLOWLIST"),
			ImageDenylist:        e.csv("CORE_DOCKER_IMAGE_DENYLIST"),
			MaxWorkspaceBytes:    int64(e.integer("CORE_DOCKER_MAX_WORKSPACE_BYTES", 1<<30)),
			EnableGPU:            e.boolean("CORE_DOCKER_ENABLE_GPU", false),
			EnforceNetworkIso:    e.boolean("CORE_DOCKER_ENFORCE_NETWORK_ISOLATION", true),
			AllowNetworkOverride: e.boolean("CORE_DOCKER_ALLOW_NETWORK_OVERRIDE", false),
			AllowedNetworkModes:  e.csv("CORE_DOCKER_ALLOWED_NETWORK_MODES"),
			DefaultNetworkMode:   e.str("CORE_DOCKER_DEFAULT_NETWORK_MODE", "none"),
			PersistLogTail:       e.boolean("CORE_DOCKER_PERSIST_LOG_TAIL", true),
		},
		Timestore: Timestore{
			PostgresURL:          e.str("APPHUB_POSTGRES_URL", "postgres://localhost:5432/apphub?sslmode=disable"),
			DefaultStorageTarget: e.str("APPHUB_DEFAULT_STORAGE_BACKEND", "filesystem"),
			ColumnarDSN:          e.str("APPHUB_COLUMNAR_DSN", ""),
			ManifestCacheURL:     e.str("APPHUB_MANIFEST_CACHE_URL", ""),
			LifecycleInterval:    time.Duration(e.integer("APPHUB_LIFECYCLE_INTERVAL_MS", 300_000)) * time.Millisecond,
			LifecycleJitter:      time.Duration(e.integer("APPHUB_LIFECYCLE_JITTER_MS", 30_000)) * time.Millisecond,
			LifecycleConcurrency: e.integer("APPHUB_LIFECYCLE_CONCURRENCY", 2),
		},
		IAM: IAM{
			AdminScope:        e.str("APPHUB_ADMIN_SCOPE", "apphub:admin"),
			MetricsScope:      e.str("APPHUB_METRICS_SCOPE", ""),
			DefaultReadScope:  e.str("APPHUB_IAM_DEFAULT_READ_SCOPE", "apphub:read"),
			DefaultWriteScope: e.str("APPHUB_IAM_DEFAULT_WRITE_SCOPE", "apphub:write"),
			JWTSecret:         e.str("APPHUB_IAM_JWT_SECRET", ""),
		},
		S3: S3{
			Bucket:   e.str("APPHUB_S3_BUCKET", ""),
			Endpoint: e.str("APPHUB_S3_ENDPOINT", ""),
			Region:   e.str("APPHUB_S3_REGION", "us-east-1"),
		},
		RateLimit: RateLimit{
			RequestsPerSecond: e.float("APPHUB_RATE_LIMIT_RPS", 0),
			Burst:             e.integer("APPHUB_RATE_LIMIT_BURST", 0),
		},
	}
}

// FallbackAllowed resolves per-slug configuration overrides the global
// DisableFallback default in both directions.
func (b Bundles) FallbackAllowed(slug string) bool {
	for _, s := range b.DisableSlugs {
		if s == slug {
			return false
		}
	}
	for _, s := range b.EnableSlugs {
		if s == slug {
			return true
		}
	}
	return !b.DisableFallback
}
