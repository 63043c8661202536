package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration, loaded from the environment
// (optionally seeded from a .env file).
type Config struct {
	Addr     string
	DBPath   string
	LogLevel string

	SenderEmail      string
	MaxEmailsPerHour int
	EmailMinDelayMS  int

	WorkerConcurrency   int
	PollInterval        time.Duration
	MaxDeliveryAttempts int
	RetryBackoffBase    time.Duration
	VisibilityTimeout   time.Duration
	SendRatePerSec      float64

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string

	AuthEmail    string
	AuthPassword string
	AuthTokenTTL time.Duration
}

// Load reads configuration from a .env file if present, falling back to the
// process environment, with defaults for everything non-secret.
func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Addr:     envStr("ADDR", ":8080"),
		DBPath:   envStr("DB_PATH", "mailflow.db"),
		LogLevel: envStr("LOG_LEVEL", "info"),

		SenderEmail:      envStr("SENDER_EMAIL", "no-reply@mailflow.local"),
		MaxEmailsPerHour: envInt("MAX_EMAILS_PER_HOUR", 100),
		EmailMinDelayMS:  envInt("EMAIL_MIN_DELAY_MS", 1000),

		WorkerConcurrency:   envInt("WORKER_CONCURRENCY", 2),
		PollInterval:        envDuration("POLL_INTERVAL", 250*time.Millisecond),
		MaxDeliveryAttempts: envInt("MAX_DELIVERY_ATTEMPTS", 3),
		RetryBackoffBase:    envDuration("RETRY_BACKOFF_BASE", 5*time.Second),
		VisibilityTimeout:   envDuration("VISIBILITY_TIMEOUT", time.Minute),
		SendRatePerSec:      envFloat("SEND_RATE_PER_SEC", 0),

		SMTPHost: envStr("SMTP_HOST", "localhost"),
		SMTPPort: envInt("SMTP_PORT", 587),
		SMTPUser: os.Getenv("SMTP_USER"),
		SMTPPass: os.Getenv("SMTP_PASS"),

		AuthEmail:    envStr("AUTH_EMAIL", "admin@mailflow.local"),
		AuthPassword: envStr("AUTH_PASSWORD", "admin"),
		AuthTokenTTL: envDuration("AUTH_TOKEN_TTL", 24*time.Hour),
	}, nil
}

// MinDelaySeconds is the smallest inter-recipient delay a campaign may use,
// rounded up from EMAIL_MIN_DELAY_MS.
func (c *Config) MinDelaySeconds() int {
	return (c.EmailMinDelayMS + 999) / 1000
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
