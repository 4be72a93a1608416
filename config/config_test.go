package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devConfig() *Config {
	return &Config{
		Env:         EnvDevelopment,
		DatabaseURL: "helmsbot.db",
		JWTSecret:   DevJWTPlaceholder,
		Binance:     Binance{APIKey: "k", APISecret: "s"},
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "helmsbot.db", cfg.DatabaseURL)
	assert.Equal(t, 5672, cfg.Rabbit.Port)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvParsesTelegramUsers(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_USERS", "100, 200,300")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 300}, cfg.Telegram.Users)

	t.Setenv("TELEGRAM_CHAT_USERS", "abc")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestFromEnvDurationOverride(t *testing.T) {
	t.Setenv("RECONCILE_INTERVAL", "90s")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.ReconcileInterval)
}

func TestValidateRequiresCredentialsWithoutMock(t *testing.T) {
	cfg := devConfig()
	cfg.Binance = Binance{}
	assert.Error(t, cfg.Validate())

	cfg.MockExchange = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateProductionRefusals(t *testing.T) {
	cfg := devConfig()
	cfg.Env = EnvProduction

	// Dev JWT placeholder.
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = "real-secret"
	// Missing Telegram token.
	assert.Error(t, cfg.Validate())

	cfg.Telegram.Token = "tok"
	assert.NoError(t, cfg.Validate())

	cfg.MockExchange = true
	assert.Error(t, cfg.Validate())
}
