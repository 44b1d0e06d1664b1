package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chtemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	chtemp(t)

	cfg := LoadConfig()
	assert.Equal(t, "mongodb://localhost:27017", cfg.Storage.MongoURI)
	assert.Equal(t, "realtime_docs", cfg.Storage.DatabaseName)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 5*time.Second, cfg.Session.RolePollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Empty(t, cfg.Redis.Addr, "bridge is off unless configured")
}

func TestLoadConfig_FileAndLocalOverlay(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yml"), []byte(`
storage:
  database_name: collab
api:
  port: 9090
session:
  role_poll_interval: 2s
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.local.yml"), []byte(`
api:
  port: 9091
`), 0o644))

	cfg := LoadConfig()
	assert.Equal(t, "collab", cfg.Storage.DatabaseName)
	assert.Equal(t, 9091, cfg.API.Port, "local overlay wins over the base file")
	assert.Equal(t, 2*time.Second, cfg.Session.RolePollInterval)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Storage.MongoURI, "untouched keys keep defaults")
}

func TestLoadConfig_EnvWins(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yml"), []byte(`
api:
  port: 9090
`), 0o644))

	t.Setenv("API_PORT", "7070")
	t.Setenv("MONGO_URI", "mongodb://db:27017")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("ROLE_POLL_INTERVAL", "500ms")

	cfg := LoadConfig()
	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.MongoURI)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.RolePollInterval)
}

func TestLoadConfig_MalformedFileSkipped(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yml"), []byte("{not yaml"), 0o644))

	cfg := LoadConfig()
	assert.Equal(t, 8080, cfg.API.Port)
}
