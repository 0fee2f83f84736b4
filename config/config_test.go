package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "till.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.DevAuth())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
port: 9090
store:
  driver: postgres
  postgres_dsn: postgres://file/db
monitor:
  stale_after: 8h
  interval: 1m
`)
	t.Setenv("TILL_STORE_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("TILL_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("TILL_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://env/db", cfg.Store.PostgresDSN, "env overrides file")
	assert.Equal(t, 8*time.Hour, cfg.Monitor.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.Origins)
	assert.False(t, cfg.DevAuth())
	assert.Equal(t, "till-engine", cfg.OTel.ServiceName, "untouched defaults survive")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_PathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, writeFile(t, "port: 7000\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "prot: 9090\n"))
	assert.Error(t, err)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("TILL_PORT", "eighty")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"sqlite without path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"negative interval", func(c *Config) { c.Monitor.Interval = -time.Second }},
		{"monitor without threshold", func(c *Config) { c.Monitor.StaleAfter = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	mem := Default()
	mem.Store.Driver = DriverMemory
	assert.NoError(t, mem.Validate())
}
