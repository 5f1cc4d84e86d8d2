package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidateWithCredential(t *testing.T) {
	cfg := Default()
	cfg.Auth.AdminToken = "secret"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.PongTimeout)
	assert.Equal(t, 5*time.Second, cfg.Client.ReconnectInterval)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWTExpiry)
}

func TestValidateRejections(t *testing.T) {
	base := Default()
	base.Auth.AdminToken = "secret"

	noCred := base
	noCred.Auth.AdminToken = ""
	noCred.Auth.JWTSecret = ""
	assert.Error(t, noCred.Validate())

	badHeartbeat := base
	badHeartbeat.Heartbeat.PongTimeout = badHeartbeat.Heartbeat.Interval
	assert.Error(t, badHeartbeat.Validate())

	badBucket := base
	badBucket.NATS.URL = "nats://localhost:4222"
	badBucket.NATS.Bucket = ""
	assert.Error(t, badBucket.Validate())

	negAttempts := base
	negAttempts.Client.MaxReconnectAttempts = -1
	assert.Error(t, negAttempts.Validate())
}

func TestLoadFileAndDurationForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"server": {"addr": ":9000"},
		"auth": {"admin_token": "tok", "jwt_expiry": "48h"},
		"heartbeat": {"interval": 10000, "pong_timeout": "2s"},
		"client": {"reconnect_interval": 1500, "max_reconnect_attempts": 3},
		"log_level": "debug"
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 48*time.Hour, cfg.Auth.JWTExpiry)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval, "millisecond form")
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.PongTimeout, "duration string form")
	assert.Equal(t, 1500*time.Millisecond, cfg.Client.ReconnectInterval)
	assert.Equal(t, 3, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched sections keep their defaults.
	assert.Equal(t, "wallet-ledger", cfg.NATS.Bucket)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("WALLETVAULT_ADDR", ":7777")
	t.Setenv("WALLETVAULT_ADMIN_TOKEN", "env-token")
	t.Setenv("WALLETVAULT_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("WALLETVAULT_MAX_RECONNECT_ATTEMPTS", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "env-token", cfg.Auth.AdminToken)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 9, cfg.Client.MaxReconnectAttempts)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestSafeMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.AdminToken = "super-secret"
	cfg.Auth.JWTSecret = "also-secret"

	safe := cfg.Safe()
	assert.Equal(t, "***", safe.Auth.AdminToken)
	assert.Equal(t, "***", safe.Auth.JWTSecret)
	// Original untouched.
	assert.Equal(t, "super-secret", cfg.Auth.AdminToken)
}
