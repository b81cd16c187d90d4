package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRejectsDefaultSecret(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_secret")
}

func TestLoadDefaultsWithSecretFromEnv(t *testing.T) {
	t.Setenv("AUTH_SERVER_SECRET", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.ServerSecret)
	assert.Equal(t, "8080", cfg.Server.HTTPPort)
	assert.Equal(t, []string{"administrator", "editor", "support"}, cfg.Policy.Roles)
	assert.Equal(t, time.Hour, cfg.Policy.TokenMinDuration)
	assert.Equal(t, 30*24*time.Hour, cfg.Policy.TokenMaxDuration)
	assert.Equal(t, 5, cfg.Policy.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Policy.LockoutWindow)
	assert.Equal(t, time.Minute, cfg.Policy.LinkMinTTL)
	assert.Equal(t, 10*time.Minute, cfg.Policy.LinkMaxTTL)
	assert.False(t, cfg.Captcha.Enabled)
	assert.True(t, cfg.Captcha.FailOpen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func validConfig() *Config {
	c := &Config{}
	c.Server.Address = "0.0.0.0"
	c.Server.HTTPPort = "8080"
	c.Auth.ServerSecret = "secret"
	c.Policy.Roles = []string{"editor"}
	c.Policy.TokenMinDuration = time.Hour
	c.Policy.TokenMaxDuration = 24 * time.Hour
	c.Policy.LinkMinTTL = time.Minute
	c.Policy.LinkMaxTTL = 10 * time.Minute
	c.Policy.MaxAttempts = 5
	return c
}

func TestValidate(t *testing.T) {
	require.NoError(t, validate(validConfig()))

	c := validConfig()
	c.Auth.ServerSecret = "CHANGE_ME"
	assert.Error(t, validate(c))

	c = validConfig()
	c.Policy.TokenMaxDuration = time.Minute // меньше минимума
	assert.Error(t, validate(c))

	c = validConfig()
	c.Policy.LinkMaxTTL = time.Second
	assert.Error(t, validate(c))

	c = validConfig()
	c.Policy.Roles = nil
	assert.Error(t, validate(c))

	c = validConfig()
	c.Policy.MaxAttempts = 0
	assert.Error(t, validate(c))

	c = validConfig()
	c.Captcha.Enabled = true // без secret_key
	assert.Error(t, validate(c))
}
