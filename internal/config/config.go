// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, logging, the contact store, identity locking, reconciliation limits,
// rate limiting and observability.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig selects and locates the contact store.
type StoreConfig struct {
	Driver      string // sqlite|postgres
	Path        string // SQLite file
	DatabaseURL string // Postgres DSN
}

// LockConfig selects how concurrent pipelines on the same identity key are
// serialized.
type LockConfig struct {
	Backend  string        // memory|redis
	RedisURL string        // required for redis
	TTL      time.Duration // redis lease lifetime, renewed every TTL/3 while held
	Wait     time.Duration // max time to wait for a lock
}

// ReconcileConfig bounds the work a single identify request may do.
type ReconcileConfig struct {
	MaxClusterSize      int // visited contacts per discovery
	MaxDiscoveryQueries int // store queries per discovery
	ConflictRetries     int // pipeline re-runs after a unique-index conflict
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	Store     StoreConfig
	Lock      LockConfig
	Reconcile ReconcileConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS           CORSConfig
	Security       SecurityConfig
	TrustedProxies []string // peers whose X-Forwarded-For is honored; none by default

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is replayable

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment, applies defaults and validates the result.
// Unparsable values and every failed rule are reported together.
func Load() (Config, error) {
	var e env
	cfg := Config{
		Port:              e.str("PORT", "8080"),
		ReadTimeout:       e.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: e.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      e.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       e.dur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   e.dur("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    e.integer("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(e.str("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogPretty:      e.flag("LOG_PRETTY", false),
		SwaggerEnabled: e.flag("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(e.str("API_BASE_PATH", "/")),

		Store: StoreConfig{
			Driver:      strings.ToLower(e.str("DB_DRIVER", "sqlite")),
			Path:        e.str("DB_PATH", "identity.db"),
			DatabaseURL: e.str("DATABASE_URL", ""),
		},
		Lock: LockConfig{
			Backend:  strings.ToLower(e.str("LOCK_BACKEND", "memory")),
			RedisURL: e.str("REDIS_URL", ""),
			TTL:      e.dur("LOCK_TTL", 10*time.Second),
			Wait:     e.dur("LOCK_WAIT", 5*time.Second),
		},
		Reconcile: ReconcileConfig{
			MaxClusterSize:      e.integer("MAX_CLUSTER_SIZE", 1000),
			MaxDiscoveryQueries: e.integer("MAX_DISCOVERY_QUERIES", 5000),
			ConflictRetries:     e.integer("CONFLICT_RETRIES", 3),
		},

		RateRPS:   e.number("RATE_RPS", 20.0),
		RateBurst: e.integer("RATE_BURST", 40),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(e.str("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: e.flag("ENABLE_HSTS", false),
			HSTSMaxAge: e.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},
		TrustedProxies: splitCSV(e.str("TRUSTED_PROXIES", "")),

		IdempotencyTTL: e.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     e.flag("OTEL_ENABLED", false),
			Endpoint:    e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    e.flag("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: e.str("OTEL_SERVICE_NAME", "identity-reconciler"),
			SampleRatio: e.number("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}
	cfg.normalize()

	if err := errors.Join(append(e.errs, cfg.validate()...)...); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize folds accepted aliases onto their canonical values.
func (cfg *Config) normalize() {
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	switch cfg.Store.Driver {
	case "postgresql", "pg":
		cfg.Store.Driver = "postgres"
	case "sqlite3":
		cfg.Store.Driver = "sqlite"
	}
}

// validate returns one error per violated rule.
func (cfg Config) validate() []error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"))
	}
	check(strings.TrimSpace(cfg.Port) != "", "PORT must not be empty")
	check(cfg.ReadTimeout > 0 && cfg.ReadHeaderTimeout > 0 && cfg.WriteTimeout > 0 &&
		cfg.IdleTimeout > 0 && cfg.ShutdownTimeout > 0, "timeouts must be positive durations")
	check(cfg.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")

	switch cfg.Store.Driver {
	case "sqlite":
		check(strings.TrimSpace(cfg.Store.Path) != "", "DB_PATH must not be empty")
	case "postgres":
		check(strings.TrimSpace(cfg.Store.DatabaseURL) != "", "DATABASE_URL must be set when DB_DRIVER=postgres")
	default:
		errs = append(errs, errors.New("DB_DRIVER must be one of: sqlite, postgres"))
	}

	switch cfg.Lock.Backend {
	case "memory":
	case "redis":
		check(strings.TrimSpace(cfg.Lock.RedisURL) != "", "REDIS_URL must be set when LOCK_BACKEND=redis")
	default:
		errs = append(errs, errors.New("LOCK_BACKEND must be one of: memory, redis"))
	}
	check(cfg.Lock.TTL > 0 && cfg.Lock.Wait > 0, "LOCK_TTL and LOCK_WAIT must be positive durations")

	check(cfg.Reconcile.MaxClusterSize >= 1, "MAX_CLUSTER_SIZE must be >= 1")
	check(cfg.Reconcile.MaxDiscoveryQueries >= 1, "MAX_DISCOVERY_QUERIES must be >= 1")
	check(cfg.Reconcile.ConflictRetries >= 0, "CONFLICT_RETRIES must be >= 0")

	check(cfg.RateRPS >= 0, "RATE_RPS must be >= 0")
	check(cfg.RateBurst >= 1, "RATE_BURST must be >= 1")
	check(cfg.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	for _, p := range cfg.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %q is not an IP or CIDR", p))
			}
		}
	}
	check(cfg.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be > 0")
	check(cfg.OTEL.SampleRatio >= 0 && cfg.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	return errs
}

// Addr returns the listen address for net/http.
func (cfg Config) Addr() string {
	if strings.HasPrefix(cfg.Port, ":") {
		return cfg.Port
	}
	return ":" + cfg.Port
}

// env reads typed variables, falling back to the default when a variable is
// unset or empty. Values that fail to parse are recorded in errs.
type env struct {
	errs []error
}

func (e *env) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	return v, ok && v != ""
}

func (e *env) invalid(k, v, kind string) {
	e.errs = append(e.errs, fmt.Errorf("%s: %q is not a valid %s", k, v, kind))
}

func (e *env) str(k, def string) string {
	if v, ok := e.lookup(k); ok {
		return v
	}
	return def
}

func (e *env) number(k string, def float64) float64 {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.invalid(k, v, "number")
		return def
	}
	return f
}

func (e *env) integer(k string, def int) int {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.invalid(k, v, "integer")
		return def
	}
	return i
}

func (e *env) flag(k string, def bool) bool {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	e.invalid(k, v, "boolean")
	return def
}

func (e *env) dur(k string, def time.Duration) time.Duration {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.invalid(k, v, "duration")
		return def
	}
	return d
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips trailing ones (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
