package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory with a clean environment
// for every key Load reads.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "CONFIG_PATH", "SERVER_ADDR", "DATABASE_URL", "DB_MAX_CONNECTIONS",
		"REDIS_URL", "JWT_SECRET", "TOKEN_TTL_MINUTES", "MAX_WS_CONNECTIONS",
		"WS_SEND_BUFFER_SIZE", "WS_WRITE_TIMEOUT", "WS_PONG_TIMEOUT", "WS_MAX_MESSAGE_SIZE",
		"WS_EVENT_RATE", "WS_EVENT_BURST", "STORE_TIMEOUT", "CORS_ALLOWED_ORIGINS",
		"METRICS_PUBLIC", "INTERNAL_SECRET", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cfg := Load()

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, devDatabaseURL, cfg.Database.URL)
	assert.Equal(t, 20, cfg.Database.MaxConnections)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, WSConfig{
		MaxConnections: 10000,
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
		EventRate:      20,
		EventBurst:     40,
		StoreTimeout:   5 * time.Second,
	}, cfg.WS)
	assert.Nil(t, cfg.AllowedOrigins())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
redis_url: "redis://cache:6379/0"
max_ws_connections: 50
ws_event_rate: 2.5
cors_allowed_origins: "https://a.example, https://b.example"
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MAX_WS_CONNECTIONS", "75")
	t.Setenv("WS_PONG_TIMEOUT", "30")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 75, cfg.WS.MaxConnections, "env beats yaml")
	assert.Equal(t, 2.5, cfg.WS.EventRate)
	assert.Equal(t, 30*time.Second, cfg.WS.PongTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins())
}

func TestLoad_BadYAMLFallsBack(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "chat.yaml"), []byte("server_addr: [oops"), 0o600))

	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REDIS_URL=redis://from-dotenv:6379\nJWT_SECRET=\"dotenv-secret\"\n"), 0o600))
	require.NoError(t, os.Unsetenv("REDIS_URL"))
	require.NoError(t, os.Unsetenv("JWT_SECRET"))

	cfg := Load()
	assert.Equal(t, "redis://from-dotenv:6379", cfg.RedisURL)
	assert.Equal(t, "dotenv-secret", cfg.JWTSecret)
}

func TestLoad_InvalidNumbersKeepFallback(t *testing.T) {
	isolate(t)
	t.Setenv("WS_SEND_BUFFER_SIZE", "lots")
	t.Setenv("METRICS_PUBLIC", "maybe")
	cfg := Load()
	assert.Equal(t, 256, cfg.WS.SendBuffer)
	assert.False(t, cfg.MetricsPublic)
}

func TestValidate_Production(t *testing.T) {
	isolate(t)
	t.Setenv("APP_ENV", "production")

	cfg := Load()
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSecret)

	t.Setenv("JWT_SECRET", "prod-secret")
	cfg = Load()
	assert.ErrorIs(t, cfg.Validate(), ErrDevDatabaseURL)

	t.Setenv("DATABASE_URL", "postgres://chat:pw@db:5432/chat")
	cfg = Load()
	assert.NoError(t, cfg.Validate())
}
