package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"todo-auth/internal/auth"
	"todo-auth/internal/observability"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type DBPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Config struct {
	Env          string
	Port         string
	StoreBackend string
	DatabaseURL  string
	RedisURL     string
	StoreTimeout time.Duration
	PasswordCost int
	DB           DBPoolConfig

	Token auth.TokenConfig

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration

	AdminUsername string
	AdminPassword string

	CORSAllowedOrigins []string
	TrustedProxies     []string

	SentryDSN        string
	CronSecret       string
	RefreshRetention time.Duration
	CleanupBatchSize int
}

func LoadConfig() (Config, error) {
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	previousKeys, err := parsePreviousKeys(os.Getenv("JWT_PREVIOUS_KEYS"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Env:          envOrDefault("APP_ENV", "development"),
		Port:         envOrDefault("PORT", "8080"),
		StoreBackend: strings.ToLower(envOrDefault("STORE_BACKEND", StoreBackendPostgres)),
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:     strings.TrimSpace(os.Getenv("REDIS_URL")),
		StoreTimeout: envSecondsOrDefault("STORE_TIMEOUT_SECONDS", 3),
		PasswordCost: envIntOrDefault("BCRYPT_COST", 0),
		DB: DBPoolConfig{
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},
		Token: auth.TokenConfig{
			SigningKey:   []byte(jwtSecret),
			KeyID:        strings.TrimSpace(os.Getenv("JWT_KEY_ID")),
			PreviousKeys: previousKeys,
			Issuer:       envOrDefault("JWT_ISSUER", "TodoApi"),
			Audience:     envOrDefault("JWT_AUDIENCE", "TodoApi"),
			AccessTTL:    envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 60),
			RefreshTTL:   envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		},
		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		AdminUsername:        strings.TrimSpace(os.Getenv("ADMIN_USERNAME")),
		AdminPassword:        os.Getenv("ADMIN_PASSWORD"),
		CORSAllowedOrigins:   envListOrDefault("CORS_ALLOWED_ORIGINS", nil),
		TrustedProxies:       envListOrDefault("TRUSTED_PROXIES", nil),
		SentryDSN:            strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		CronSecret:           strings.TrimSpace(os.Getenv("CRON_SECRET")),
		RefreshRetention:     envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		CleanupBatchSize:     envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	}

	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("missing required env: DATABASE_URL")
		}
	case StoreBackendMemory:
	default:
		return Config{}, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}

	if _, err := observability.ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return Config{}, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	if err := cfg.Token.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid token config: %w", err)
	}

	return cfg, nil
}

// parsePreviousKeys reads "kid=secret,kid=secret".
func parsePreviousKeys(raw string) (map[string][]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, secret, ok := strings.Cut(entry, "=")
		kid = strings.TrimSpace(kid)
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("JWT_PREVIOUS_KEYS entry %q must be kid=secret", kid)
		}
		if _, dup := keys[kid]; dup {
			return nil, fmt.Errorf("JWT_PREVIOUS_KEYS repeats kid %q", kid)
		}
		keys[kid] = []byte(secret)
	}
	return keys, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envListOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
