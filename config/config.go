/*
Package config loads server configuration.

LAYERING (later wins):
  1. Defaults (Default())
  2. YAML file, when a path is given (-config flag or TILL_CONFIG)
  3. Environment variables with the TILL_ prefix
  4. Command-line flags applied by main (-port, -db)

Validate is called last; a config that fails it never reaches the server.

ENVIRONMENT:
  TILL_PORT                   HTTP port
  TILL_STORE_DRIVER           sqlite | postgres | memory
  TILL_STORE_SQLITE_PATH      SQLite file, or ":memory:"
  TILL_STORE_POSTGRES_DSN     Postgres connection string
  TILL_STORE_POSTGRES_SCHEMA  Optional Postgres schema
  TILL_AUTH_JWT_SECRET        HS256 secret; empty enables dev headers
  TILL_CORS_ORIGINS           Comma separated origins
  TILL_MONITOR_STALE_AFTER    Open session age considered stale (e.g. 16h)
  TILL_MONITOR_INTERVAL       Stale check interval; 0 disables the monitor
  TILL_OTEL_ENDPOINT          OTLP/HTTP endpoint; empty disables tracing
  TILL_OTEL_SERVICE_NAME      Service name on exported spans
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	// EnvConfigPath names the YAML file when no -config flag is given.
	EnvConfigPath = "TILL_CONFIG"
)

type Config struct {
	Port    int           `yaml:"port" env:"PORT"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Auth    AuthConfig    `yaml:"auth" envPrefix:"AUTH_"`
	CORS    CORSConfig    `yaml:"cors" envPrefix:"CORS_"`
	Monitor MonitorConfig `yaml:"monitor" envPrefix:"MONITOR_"`
	OTel    OTelConfig    `yaml:"otel" envPrefix:"OTEL_"`
}

type StoreConfig struct {
	Driver         string `yaml:"driver" env:"DRIVER"`
	SQLitePath     string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN    string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	PostgresSchema string `yaml:"postgres_schema" env:"POSTGRES_SCHEMA"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. When empty the server trusts
	// X-Tenant-ID / X-User-ID / X-Role headers (development only).
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins" env:"ORIGINS" envSeparator:","`
}

type MonitorConfig struct {
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
}

type OTelConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port: 8080,
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "till.db",
		},
		CORS: CORSConfig{
			Origins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Monitor: MonitorConfig{
			StaleAfter: 16 * time.Hour,
			Interval:   15 * time.Minute,
		},
		OTel: OTelConfig{
			ServiceName: "till-engine",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty, else TILL_CONFIG) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TILL_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path required for sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn required for postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Monitor.Interval < 0 {
		errs = append(errs, errors.New("monitor.interval must not be negative"))
	}
	if c.Monitor.Interval > 0 && c.Monitor.StaleAfter <= 0 {
		errs = append(errs, errors.New("monitor.stale_after must be positive when the monitor is enabled"))
	}
	return errors.Join(errs...)
}

// DevAuth reports whether identity headers are trusted without a token.
func (c Config) DevAuth() bool {
	return c.Auth.JWTSecret == ""
}
