package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every environment-driven setting the binaries need. Values
// are read once at startup; nothing re-reads the environment afterwards.
type Config struct {
	HTTPAddr      string
	DatabaseURL   string
	RedisAddr     string
	MigrationsDir string

	JWTSecret     string
	SessionTTL    time.Duration
	SessionCookie string

	StripeSecretKey     string
	StripeWebhookSecret string
	// SimulatePayments short-circuits the payment processor so local
	// environments work without Stripe credentials or webhook plumbing.
	SimulatePayments bool

	MailgunDomain string
	MailgunAPIKey string
	MailFrom      string

	HubSpotAPIKey    string
	QuickBooksAPIKey string
	ArcGISAPIKey     string
	OCRAPIKey        string

	LogLevel string
}

// Load reads .env (when present) and assembles the runtime configuration.
// DATABASE_URL and JWT_SECRET are mandatory; everything else has a default
// or degrades the related integration to a no-op.
func Load() (Config, error) {
	godotenv.Load()

	cfg := Config{
		HTTPAddr:      envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     envOr("REDIS_ADDRESS", "localhost:6379"),
		MigrationsDir: envOr("MIGRATIONS_DIR", "migrations"),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		SessionTTL:    envDurationOr("SESSION_TTL", 24*time.Hour),
		SessionCookie: envOr("SESSION_COOKIE", "namc_session"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SimulatePayments:    envBool("SIMULATE_PAYMENTS"),

		MailgunDomain: os.Getenv("MAILGUN_DOMAIN"),
		MailgunAPIKey: os.Getenv("MAILGUN_PRIVATE_KEY"),
		MailFrom:      envOr("MAIL_FROM", "no-reply@namcnorcal.org"),

		HubSpotAPIKey:    os.Getenv("HUBSPOT_API_KEY"),
		QuickBooksAPIKey: os.Getenv("QUICKBOOKS_API_KEY"),
		ArcGISAPIKey:     os.Getenv("ARCGIS_API_KEY"),
		OCRAPIKey:        os.Getenv("OCR_API_KEY"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
