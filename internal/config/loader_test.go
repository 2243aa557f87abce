package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	for _, key := range envBindings {
		name := "TOOLCHAT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	loader := NewLoader()
	loader.SetEnvFiles()
	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, 20, cfg.Sync.PageSize)
	require.Equal(t, 30*time.Second, cfg.Sync.RefreshInterval)
	require.Equal(t, "http://127.0.0.1:8787/api", cfg.Service.BaseURL)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileAndEnvOverride(t *testing.T) {
	dir := isolateEnv(t)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
service:
  base_url: http://chat.internal:9000/api
  timeout: 3s
sync:
  page_size: 10
  refresh_interval: 5s
  reconcile_grace: 2s
`), 0o644))

	t.Setenv("TOOLCHAT_SERVICE_TOKEN", "env-token")
	t.Setenv("TOOLCHAT_SERVICE_BASE_URL", "http://override:9999/api")

	loader := NewLoader()
	loader.SetEnvFiles()
	loader.SetConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 10, cfg.Sync.PageSize)
	require.Equal(t, 5*time.Second, cfg.Sync.RefreshInterval)
	require.Equal(t, 2*time.Second, cfg.Sync.ReconcileGrace)
	require.Equal(t, 3*time.Second, cfg.Service.Timeout)
	require.Equal(t, "env-token", cfg.Service.Token)
	require.Equal(t, "http://override:9999/api", cfg.Service.BaseURL)
	require.Equal(t, path, loader.ConfigFileUsed())
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolateEnv(t)

	envPath := filepath.Join(dir, "dev.env")
	require.NoError(t, os.WriteFile(envPath, []byte("TOOLCHAT_SERVER_JWT_SECRET=from-dotenv\nTOOLCHAT_SERVICE_TOKEN=dotenv-token\n"), 0o600))
	// Real environment wins over the dotenv file.
	t.Setenv("TOOLCHAT_SERVICE_TOKEN", "process-token")

	loader := NewLoader()
	loader.SetEnvFiles(envPath)
	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, "from-dotenv", cfg.Server.JWTSecret)
	require.Equal(t, "process-token", cfg.Service.Token)
}

func TestLoadMissingExplicitFiles(t *testing.T) {
	dir := isolateEnv(t)

	loader := NewLoader()
	loader.SetEnvFiles(filepath.Join(dir, "missing.env"))
	_, err := loader.Load()
	require.Error(t, err)

	_, err = LoadFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }},
		{name: "relative base url", mutate: func(c *Config) { c.Service.BaseURL = "/api" }},
		{name: "zero page size", mutate: func(c *Config) { c.Sync.PageSize = 0 }},
		{name: "huge page size", mutate: func(c *Config) { c.Sync.PageSize = 500 }},
		{name: "fast refresh", mutate: func(c *Config) { c.Sync.RefreshInterval = 10 * time.Millisecond }},
		{name: "negative grace", mutate: func(c *Config) { c.Sync.ReconcileGrace = -time.Second }},
		{name: "no search budget", mutate: func(c *Config) { c.Sync.SearchRPS = 0 }},
		{name: "no server burst", mutate: func(c *Config) { c.Server.RateLimitBurst = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global.DataDir = "/data"
	require.Equal(t, filepath.Join("/data", "tchatd.db"), cfg.DatabasePath())

	cfg.Server.DatabasePath = "/tmp/x.db"
	require.Equal(t, "/tmp/x.db", cfg.DatabasePath())

	cfg.Global.ConfigDir = "/cfg"
	require.Equal(t, filepath.Join("/cfg", "context.yaml"), cfg.ContextPath())
}
