package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, writeConfigFile(t, "{}\n"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Typing.Expiry)
	assert.Equal(t, 500*time.Millisecond, cfg.Typing.Debounce)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, writeConfigFile(t, `
server:
  addr: ":9000"
database:
  dsn: "postgres://file"
typing:
  expiry: 4s
`))
	t.Setenv("DB_DSN", "postgres://env")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TYPING_DEBOUNCE", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 4*time.Second, cfg.Typing.Expiry)
	assert.Equal(t, 250*time.Millisecond, cfg.Typing.Debounce)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.Database.DSN = "postgres://x"
	cfg.Auth.JWTSecret = "x"
	cfg.Typing.Debounce = cfg.Typing.Expiry
	assert.Error(t, cfg.Validate())

	cfg.Typing.Debounce = 100 * time.Millisecond
	assert.NoError(t, cfg.Validate())
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "database.dsn", envTransformFunc("DB_DSN"))
	assert.Equal(t, "", envTransformFunc("PATH"))
}
