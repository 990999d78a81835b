package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// Rail set selected when PAYMENT_RAILS is unset.
var defaultRails = []string{"paypal", "paypal_googlepay", "card_form", "afterpay"}

// Config holds checkout service configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	PublicOrigin       string
	LogFormat          string
	LogLevel           string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	CommerceBaseURL string
	UpstreamTimeout time.Duration
	UpstreamRetries int
	UpstreamBackoff time.Duration
	BreakerMinCalls int
	BreakerRatio    float64
	BreakerCoolOff  time.Duration

	// PaymentRails is the enabled rail set; "stripe" alone selects the Stripe flow.
	PaymentRails        []string
	StripeSecretKey     string
	StripeReturnURL     string
	PayPalClientID      string
	GooglePayMerchantID string
	AfterpayMerchantID  string

	Pricing pricing.Rules

	VoucherMode        string
	VoucherStaticRules string

	StepUpTimeout  time.Duration
	ThreeDSSecret  string
	ThreeDSReturn  string
	SessionTTL     time.Duration
	LockTTL        time.Duration
	IdempotencyTTL time.Duration

	RateLimitVoucher string
	RateLimitConfirm string

	NotifyMode        string
	WorkerConcurrency int
	// WorkerMetricsAddr is where the worker serves /metrics.
	WorkerMetricsAddr string

	PprofEnabled bool
	PprofUser    string
	PprofPass    string

	TracingExporter string
	TracingEndpoint string
	TracingRatio    float64
	MetricsBuckets  string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		PublicOrigin:       strings.TrimRight(valueOrDefault(k.String("PUBLIC_ORIGIN"), "http://localhost:3000"), "/"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		CommerceBaseURL: strings.TrimRight(strings.TrimSpace(k.String("COMMERCE_API_URL")), "/"),
		UpstreamTimeout: parseDuration(k.String("UPSTREAM_TIMEOUT"), "10s"),
		UpstreamRetries: parseInt(k.String("UPSTREAM_MAX_ATTEMPTS"), 3),
		UpstreamBackoff: parseDuration(k.String("UPSTREAM_BACKOFF"), "200ms"),
		BreakerMinCalls: parseInt(k.String("BREAKER_MIN_CALLS"), 10),
		BreakerRatio:    parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerCoolOff:  parseDuration(k.String("BREAKER_COOL_OFF"), "30s"),

		PaymentRails:        splitAndTrim(strings.ToLower(k.String("PAYMENT_RAILS"))),
		StripeSecretKey:     strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),
		StripeReturnURL:     strings.TrimSpace(k.String("STRIPE_RETURN_URL")),
		PayPalClientID:      strings.TrimSpace(k.String("PAYPAL_CLIENT_ID")),
		GooglePayMerchantID: strings.TrimSpace(k.String("GOOGLE_PAY_MERCHANT_ID")),
		AfterpayMerchantID:  strings.TrimSpace(k.String("AFTERPAY_MERCHANT_ID")),

		VoucherMode:        strings.ToLower(valueOrDefault(k.String("VOUCHER_MODE"), "http")),
		VoucherStaticRules: k.String("VOUCHER_STATIC_RULES"),

		StepUpTimeout:  parseDuration(k.String("THREEDS_TIMEOUT"), "10m"),
		ThreeDSSecret:  k.String("THREEDS_STATE_SECRET"),
		ThreeDSReturn:  strings.TrimSpace(k.String("THREEDS_RETURN_URL")),
		SessionTTL:     parseDuration(k.String("CHECKOUT_SESSION_TTL"), "24h"),
		LockTTL:        parseDuration(k.String("CHECKOUT_LOCK_TTL"), "30s"),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		RateLimitVoucher: valueOrDefault(k.String("RATE_LIMIT_VOUCHER"), "10-M"),
		RateLimitConfirm: valueOrDefault(k.String("RATE_LIMIT_CONFIRM"), "30-M"),

		NotifyMode:        strings.ToLower(valueOrDefault(k.String("NOTIFY_MODE"), "queue")),
		WorkerConcurrency: parseInt(k.String("WORKER_CONCURRENCY"), 5),
		WorkerMetricsAddr: valueOrDefault(k.String("WORKER_METRICS_ADDR"), ":9091"),

		PprofEnabled: parseBool(k.String("PPROF_ENABLED"), false),
		PprofUser:    strings.TrimSpace(k.String("PPROF_BASIC_AUTH_USER")),
		PprofPass:    strings.TrimSpace(k.String("PPROF_BASIC_AUTH_PASS")),

		TracingExporter: valueOrDefault(k.String("OTEL_EXPORTER"), "none"),
		TracingEndpoint: k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingRatio:    parseFloat(k.String("OTEL_SAMPLING_RATIO"), 1),
		MetricsBuckets:  k.String("METRICS_BUCKETS_MS"),
	}
	if len(cfg.PaymentRails) == 0 {
		cfg.PaymentRails = append([]string(nil), defaultRails...)
	}
	if cfg.ThreeDSReturn == "" {
		cfg.ThreeDSReturn = cfg.PublicOrigin + "/checkout/3ds-return"
	}

	rules, err := parsePricing(k)
	if err != nil {
		return nil, err
	}
	cfg.Pricing = rules

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.CommerceBaseURL == "" {
		errs = append(errs, errors.New("COMMERCE_API_URL is required"))
	} else if _, err := url.ParseRequestURI(c.CommerceBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("COMMERCE_API_URL: %w", err))
	}
	if len(c.ThreeDSSecret) < 32 {
		errs = append(errs, errors.New("THREEDS_STATE_SECRET must be at least 32 bytes"))
	}
	if c.IsProduction() && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required in production"))
	}
	if c.StripeSelected() && c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required when PAYMENT_RAILS=stripe"))
	}
	switch c.VoucherMode {
	case "http", "static":
	default:
		errs = append(errs, fmt.Errorf("VOUCHER_MODE %q is not one of http, static", c.VoucherMode))
	}
	switch c.NotifyMode {
	case "queue", "direct":
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_MODE %q is not one of queue, direct", c.NotifyMode))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// StripeSelected reports whether the feature flag selects the Stripe rail set.
func (c *Config) StripeSelected() bool {
	for _, r := range c.PaymentRails {
		if r == "stripe" {
			return true
		}
	}
	return false
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func parsePricing(k *koanf.Koanf) (pricing.Rules, error) {
	rules := pricing.DefaultRules()
	amounts := []struct {
		key string
		dst *pricing.Money
	}{
		{"SHIPPING_FLAT_FEE", &rules.FlatShipping},
		{"SHIPPING_FREE_OVER", &rules.FreeShippingOver},
		{"SHIPPING_EXPRESS_FEE", &rules.ExpressShipping},
	}
	for _, a := range amounts {
		raw := strings.TrimSpace(k.String(a.key))
		if raw == "" {
			continue
		}
		m, err := pricing.ParseAmount(raw)
		if err != nil || m < 0 {
			return rules, fmt.Errorf("%s: invalid amount %q", a.key, raw)
		}
		*a.dst = m
	}
	rules.TaxBps = parseInt(k.String("TAX_BPS"), 0)
	if rules.TaxBps < 0 {
		return rules, errors.New("TAX_BPS must not be negative")
	}
	return rules, nil
}

func splitAndTrim(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	d, err := time.ParseDuration(valueOrDefault(value, fallback))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []error
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
