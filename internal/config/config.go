package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds everything the server and admin utilities read from the environment.
type Config struct {
	Port string

	Store       string
	DBUser      string
	DBPassword  string
	DBHost      string
	DBPort      string
	DBName      string
	DatabaseURL string

	JWTSecret string
	Currency  string

	RedisAddr string
	// NotifyChannel enables the cross-instance Redis change feed when set.
	NotifyChannel string
	AlertsEnabled bool

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel  string
	LogFormat string
}

// Load reads a .env file when present and then the process environment.
func Load() (Config, error) {
	// .env is optional; real deployments inject variables directly
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests don't have to touch the process env.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:          withDefault(getenv("PORT"), "8080"),
		Store:         withDefault(strings.ToLower(getenv("STORE")), StorePostgres),
		DBUser:        getenv("DB_USER"),
		DBPassword:    getenv("DB_PASSWORD"),
		DBHost:        withDefault(getenv("DB_HOST"), "localhost"),
		DBPort:        withDefault(getenv("DB_PORT"), "5432"),
		DBName:        getenv("DB_NAME"),
		DatabaseURL:   getenv("DATABASE_URL"),
		JWTSecret:     getenv("JWT_SECRET"),
		Currency:      strings.ToUpper(withDefault(getenv("CURRENCY"), "EUR")),
		RedisAddr:     redisAddr(getenv),
		NotifyChannel: getenv("NOTIFY_REDIS_CHANNEL"),
		KafkaTopic:    withDefault(getenv("KAFKA_TOPIC"), "marketplace.changes"),
		LogLevel:      withDefault(strings.ToLower(getenv("LOG_LEVEL")), "info"),
		LogFormat:     withDefault(strings.ToLower(getenv("LOG_FORMAT")), "json"),
	}

	if brokers := getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if v := getenv("ALERTS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("ALERTS_ENABLED: %w", err)
		}
		cfg.AlertsEnabled = enabled
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT: %w", err)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be an ISO 4217 code, got %q", c.Currency)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// DSN returns the Postgres connection string. DATABASE_URL wins over the DB_* parts.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func redisAddr(getenv func(string) string) string {
	if addr := getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	if host := getenv("REDIS_HOST"); host != "" {
		return host + ":" + withDefault(getenv("REDIS_PORT"), "6379")
	}
	// docker-compose service name unless running on the host
	if getenv("RUN_LOCAL") == "true" {
		return "127.0.0.1:6379"
	}
	return "redis:6379"
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
