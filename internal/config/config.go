package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	DBUrl     string
	JWTSecret string
	AppEnv    string

	// Card processor (payment intents + signed webhooks).
	CardSecretKey     string
	CardWebhookSecret string

	// Regional processor (orders + HMAC verification).
	RegionalKeyID     string
	RegionalKeySecret string

	// Stale-session sweep.
	SweepInterval        time.Duration
	PendingPaymentTTL    time.Duration
	NoShowGrace          time.Duration
	InProgressInactivity time.Duration
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		Port:      getEnv("PORT", "8080"),
		DBUrl:     getEnv("DB_URL", ""),
		JWTSecret: jwtSecret,
		AppEnv:    normalizeEnv(getEnv("APP_ENV", "production")),

		CardSecretKey:     getEnv("CARD_SECRET_KEY", ""),
		CardWebhookSecret: getEnv("CARD_WEBHOOK_SECRET", ""),
		RegionalKeyID:     getEnv("REGIONAL_KEY_ID", ""),
		RegionalKeySecret: getEnv("REGIONAL_KEY_SECRET", ""),

		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		PendingPaymentTTL:    getEnvDuration("PENDING_PAYMENT_TTL", 30*time.Minute),
		NoShowGrace:          getEnvDuration("NO_SHOW_GRACE", 15*time.Minute),
		InProgressInactivity: getEnvDuration("IN_PROGRESS_INACTIVITY", 2*time.Hour),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
