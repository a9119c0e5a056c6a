package config

import (
	"fmt"
	"os"
	"time"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	StoreBackend string
	DBSource     string
	SQLitePath   string

	Port          string
	Env           string
	AllowedOrigin string

	JWTSecret string
	TokenTTL  time.Duration

	OpenAIKey     string
	OpenAIModel   string
	OpenAITimeout time.Duration

	StripeWebhookSecret string
	CheckoutURL         string
}

func Load() (*Config, error) {
	backend := getEnvString("STORE_BACKEND", BackendSQLite)
	if backend != BackendSQLite && backend != BackendPostgres {
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want %q or %q)", backend, BackendSQLite, BackendPostgres)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if backend == BackendPostgres && dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required when STORE_BACKEND=postgres")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	tokenTTL, err := getEnvDuration("TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	openAITimeout, err := getEnvDuration("OPENAI_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		StoreBackend: backend,
		DBSource:     dbSource,
		SQLitePath:   getEnvString("SQLITE_PATH", "mintapply.db"),

		Port:          getEnvString("SERVER_PORT", "8787"),
		Env:           getEnvString("ENVIRONMENT", "development"),
		AllowedOrigin: getEnvString("ALLOWED_ORIGIN", "*"),

		JWTSecret: secret,
		TokenTTL:  tokenTTL,

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnvString("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITimeout: openAITimeout,

		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutURL:         getEnvString("CHECKOUT_URL", "https://buy.stripe.com/test_1234567890abcdefghijkl"),
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}
