// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server, database,
// payment provider, pricing, scheduler, notification and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "chef-meal-orders")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
	Exporter    string  // OTEL_EXPORTER: otlp|stdout
}

// DBConfig selects and tunes the order store.
type DBConfig struct {
	Driver       string        // DB_DRIVER: sqlite|postgres
	Path         string        // DB_PATH (sqlite)
	URL          string        // DATABASE_URL (postgres DSN)
	TxTimeout    time.Duration // DB_TX_TIMEOUT
	MaxOpenConns int           // DB_MAX_OPEN_CONNS (postgres; sqlite is pinned to 1)
}

// PaymentConfig configures the payment gateway adapter.
type PaymentConfig struct {
	Provider         string        // PAYMENT_PROVIDER: memory|stripe
	APIKey           string        // PAYMENT_API_KEY
	BaseURL          string        // PAYMENT_BASE_URL (empty = provider default)
	Timeout          time.Duration // PAYMENT_TIMEOUT
	WebhookSecret    string        // PAYMENT_WEBHOOK_SECRET (empty disables verification)
	WebhookTolerance time.Duration // PAYMENT_WEBHOOK_TOLERANCE

	BreakerFailures          int           // PAYMENT_BREAKER_FAILURES
	BreakerOpenTimeout       time.Duration // PAYMENT_BREAKER_OPEN_TIMEOUT
	BreakerHalfOpenSuccesses int           // PAYMENT_BREAKER_HALF_OPEN_SUCCESSES
}

// PricingConfig selects the per-serving pricing strategy.
type PricingConfig struct {
	Strategy    string  // PRICING_STRATEGY: tiered|flat
	TierSize    int     // PRICING_TIER_SIZE
	StepPercent float64 // PRICING_STEP_PERCENT
}

// SchedulerConfig drives the capture sweep loop.
type SchedulerConfig struct {
	Enabled        bool          // SCHEDULER_ENABLED
	Interval       time.Duration // SCHEDULER_INTERVAL
	Batch          int           // SCHEDULER_BATCH
	MaxAttempts    int           // SCHEDULER_MAX_ATTEMPTS
	CaptureRule    string        // SCHEDULER_CAPTURE_RULE (govaluate expression)
	ReservationTTL time.Duration // SCHEDULER_RESERVATION_TTL
}

// NotifyConfig drives the outbox dispatcher.
type NotifyConfig struct {
	Enabled     bool          // NOTIFY_ENABLED
	Interval    time.Duration // NOTIFY_INTERVAL
	Batch       int           // NOTIFY_BATCH
	MaxBackoff  time.Duration // NOTIFY_MAX_BACKOFF
	WebhookURLs []string      // NOTIFY_WEBHOOK_URLS (CSV)
	DedupPath   string        // NOTIFY_DEDUP_PATH (bolt file; empty disables)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Store
	DB DBConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig

	// Domain
	Payment   PaymentConfig
	Pricing   PricingConfig
	Scheduler SchedulerConfig
	Notify    NotifyConfig
}

// ClaimLease is how long a per-order claim is held around a gateway call.
func (c Config) ClaimLease() time.Duration {
	return 2 * (c.Payment.Timeout + c.DB.TxTimeout)
}

// LoadDotEnv populates the environment from .env files. Missing files are
// ignored and variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Store
		DB: DBConfig{
			Driver:       strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:         getenv("DB_PATH", "chefmeal.db"),
			URL:          getenv("DATABASE_URL", ""),
			TxTimeout:    getdur("DB_TX_TIMEOUT", 5*time.Second),
			MaxOpenConns: getint("DB_MAX_OPEN_CONNS", 20),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 30*24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chef-meal-orders"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
			Exporter:    strings.ToLower(getenv("OTEL_EXPORTER", "otlp")),
		},

		Payment: PaymentConfig{
			Provider:                 strings.ToLower(getenv("PAYMENT_PROVIDER", "memory")),
			APIKey:                   getenv("PAYMENT_API_KEY", ""),
			BaseURL:                  getenv("PAYMENT_BASE_URL", ""),
			Timeout:                  getdur("PAYMENT_TIMEOUT", 10*time.Second),
			WebhookSecret:            getenv("PAYMENT_WEBHOOK_SECRET", ""),
			WebhookTolerance:         getdur("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute),
			BreakerFailures:          getint("PAYMENT_BREAKER_FAILURES", 5),
			BreakerOpenTimeout:       getdur("PAYMENT_BREAKER_OPEN_TIMEOUT", 30*time.Second),
			BreakerHalfOpenSuccesses: getint("PAYMENT_BREAKER_HALF_OPEN_SUCCESSES", 2),
		},

		Pricing: PricingConfig{
			Strategy:    strings.ToLower(getenv("PRICING_STRATEGY", "tiered")),
			TierSize:    getint("PRICING_TIER_SIZE", 5),
			StepPercent: getfloat("PRICING_STEP_PERCENT", 5),
		},

		Scheduler: SchedulerConfig{
			Enabled:        getbool("SCHEDULER_ENABLED", true),
			Interval:       getdur("SCHEDULER_INTERVAL", 30*time.Second),
			Batch:          getint("SCHEDULER_BATCH", 50),
			MaxAttempts:    getint("SCHEDULER_MAX_ATTEMPTS", 5),
			CaptureRule:    getenv("SCHEDULER_CAPTURE_RULE", "orders_count >= min_orders"),
			ReservationTTL: getdur("SCHEDULER_RESERVATION_TTL", 15*time.Minute),
		},

		Notify: NotifyConfig{
			Enabled:     getbool("NOTIFY_ENABLED", true),
			Interval:    getdur("NOTIFY_INTERVAL", 5*time.Second),
			Batch:       getint("NOTIFY_BATCH", 100),
			MaxBackoff:  getdur("NOTIFY_MAX_BACKOFF", 10*time.Minute),
			WebhookURLs: splitCSV(getenv("NOTIFY_WEBHOOK_URLS", "")),
			DedupPath:   getenv("NOTIFY_DEDUP_PATH", ""),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.DB.TxTimeout <= 0 {
		return cfg, errors.New("DB_TX_TIMEOUT must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	switch cfg.OTEL.Exporter {
	case "otlp", "stdout":
	default:
		return cfg, errors.New("OTEL_EXPORTER must be one of: otlp, stdout")
	}
	switch cfg.Payment.Provider {
	case "memory":
	case "stripe":
		if strings.TrimSpace(cfg.Payment.APIKey) == "" {
			return cfg, errors.New("PAYMENT_API_KEY must be set when PAYMENT_PROVIDER=stripe")
		}
	default:
		return cfg, errors.New("PAYMENT_PROVIDER must be one of: memory, stripe")
	}
	if cfg.Payment.Timeout <= 0 {
		return cfg, errors.New("PAYMENT_TIMEOUT must be > 0")
	}
	switch cfg.Pricing.Strategy {
	case "tiered":
		if cfg.Pricing.TierSize < 1 {
			return cfg, errors.New("PRICING_TIER_SIZE must be >= 1")
		}
		if cfg.Pricing.StepPercent < 0 || cfg.Pricing.StepPercent > 100 {
			return cfg, errors.New("PRICING_STEP_PERCENT must be in [0,100]")
		}
	case "flat":
	default:
		return cfg, errors.New("PRICING_STRATEGY must be one of: tiered, flat")
	}
	if cfg.Scheduler.Interval <= 0 || cfg.Notify.Interval <= 0 {
		return cfg, errors.New("SCHEDULER_INTERVAL and NOTIFY_INTERVAL must be > 0")
	}
	if cfg.Scheduler.Batch < 1 || cfg.Notify.Batch < 1 {
		return cfg, errors.New("SCHEDULER_BATCH and NOTIFY_BATCH must be >= 1")
	}
	if cfg.Scheduler.MaxAttempts < 1 {
		return cfg, errors.New("SCHEDULER_MAX_ATTEMPTS must be >= 1")
	}
	if strings.TrimSpace(cfg.Scheduler.CaptureRule) == "" {
		return cfg, errors.New("SCHEDULER_CAPTURE_RULE must not be empty")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

// getdur accepts Go durations plus a whole-day form such as "30d".
func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		v = strings.TrimSpace(v)
		if days, found := strings.CutSuffix(v, "d"); found {
			if n, err := strconv.Atoi(days); err == nil {
				return time.Duration(n) * 24 * time.Hour
			}
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
