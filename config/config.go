// Package config resolves the runtime configuration from the environment
// and refuses unsafe production setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/helmsbot/helmsbot/tools/log"
)

// Env selects the runtime profile.
type Env string

const (
	EnvDevelopment Env = "development"
	EnvProduction  Env = "production"
)

// DevJWTPlaceholder is the development-only signing secret. Production
// refuses to start with it.
const DevJWTPlaceholder = "dev-secret-change-me"

// Rabbit holds the message broker connection settings.
type Rabbit struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
}

// Binance holds the exchange credentials.
type Binance struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Telegram holds the operator bot settings.
type Telegram struct {
	Token string
	Users []int
}

// Config is the resolved runtime configuration.
type Config struct {
	Env          Env
	DatabaseURL  string
	LogLevel     string
	JWTSecret    string
	MockExchange bool

	Rabbit   Rabbit
	Binance  Binance
	Telegram Telegram

	HealthInterval    time.Duration
	ReconcileInterval time.Duration
	MetricsInterval   time.Duration
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		log.Warnf("config: invalid duration %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}

// FromEnv reads the configuration. It does not validate; call Validate
// before starting the engine.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:          Env(envOr("HELMSBOT_ENV", string(EnvDevelopment))),
		DatabaseURL:  envOr("DATABASE_URL", "helmsbot.db"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		JWTSecret:    envOr("JWT_SECRET_KEY", DevJWTPlaceholder),
		MockExchange: envBool("MOCK_EXCHANGE"),

		Rabbit: Rabbit{
			Host:     envOr("RABBITMQ_HOST", "localhost"),
			User:     envOr("RABBITMQ_USER", "guest"),
			Password: envOr("RABBITMQ_PASSWORD", "guest"),
			VHost:    envOr("RABBITMQ_VHOST", "/"),
		},
		Binance: Binance{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			APISecret: os.Getenv("BINANCE_API_SECRET"),
			Testnet:   envBool("BINANCE_TESTNET"),
		},
		Telegram: Telegram{
			Token: os.Getenv("TELEGRAM_BOT_TOKEN"),
		},

		HealthInterval:    envDuration("HEALTH_INTERVAL", 30*time.Second),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL", 5*time.Minute),
		MetricsInterval:   envDuration("METRICS_INTERVAL", 60*time.Second),
	}

	port := envOr("RABBITMQ_PORT", "5672")
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("config: invalid RABBITMQ_PORT %q", port)
	}
	cfg.Rabbit.Port = p

	for _, raw := range strings.Split(os.Getenv("TELEGRAM_CHAT_USERS"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid TELEGRAM_CHAT_USERS entry %q", raw)
		}
		cfg.Telegram.Users = append(cfg.Telegram.Users, id)
	}

	return cfg, nil
}

// Validate checks internal consistency and enforces the production
// refusal rules.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Env)
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	if !c.MockExchange && (c.Binance.APIKey == "" || c.Binance.APISecret == "") {
		return fmt.Errorf("config: BINANCE_API_KEY and BINANCE_API_SECRET are required without mock mode")
	}

	if c.Env != EnvProduction {
		return nil
	}

	if c.JWTSecret == DevJWTPlaceholder || c.JWTSecret == "" {
		return fmt.Errorf("config: production refuses the development JWT secret")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("config: production requires TELEGRAM_BOT_TOKEN")
	}
	if c.MockExchange {
		return fmt.Errorf("config: production refuses mock exchange mode")
	}
	return nil
}
