package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "STORE_DRIVER", "TRANSFER_TIMEOUT_MS", "LOCK_TIMEOUT_MS", "ACCOUNT_SEED_MIN", "ACCOUNT_SEED_MAX", "CORS_ALLOWED_ORIGINS", "JWT_OWNER_CLAIM"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.TransferTimeout())
	assert.Equal(t, 2*time.Second, cfg.LockTimeout())
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL())
	assert.Equal(t, "userId", cfg.JWTOwnerClaim)
	assert.Equal(t, "1", cfg.AccountSeedMin.String())
	assert.Equal(t, "10001", cfg.AccountSeedMax.String())
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.ServerPort)
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "mongo")
	setEnvWithCleanup(t, "TRANSFER_TIMEOUT_MS", "1000")
	setEnvWithCleanup(t, "LOCK_TIMEOUT_MS", "5000")
	setEnvWithCleanup(t, "ACCOUNT_SEED_MIN", "500")
	setEnvWithCleanup(t, "ACCOUNT_SEED_MAX", "not-a-number")
	setEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, time.Second, cfg.LockTimeout())
	assert.Equal(t, "500", cfg.AccountSeedMin.String())
	assert.Equal(t, "10001", cfg.AccountSeedMax.String())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadConfig_SwapsInvertedSeedRange(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "ACCOUNT_SEED_MIN", "100")
	setEnvWithCleanup(t, "ACCOUNT_SEED_MAX", "10")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "10", cfg.AccountSeedMin.String())
	assert.Equal(t, "100", cfg.AccountSeedMax.String())
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "STORE_DRIVER")
	unsetEnvWithCleanup(t, "REDIS_KEY_PREFIX")

	dir := t.TempDir()
	content := "STORE_DRIVER=memory\nREDIS_KEY_PREFIX=custom:\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, "custom", cfg.RedisKeyPrefix)
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
