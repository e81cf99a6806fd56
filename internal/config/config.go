// Package config loads server configuration from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Auth     AuthConfig     `koanf:"auth"`
	Log      LogConfig      `koanf:"log"`
	Typing   TypingConfig   `koanf:"typing"`
	Presence PresenceConfig `koanf:"presence"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	CORSOrigin      string        `koanf:"cors_origin"`
	RateLimit       int           `koanf:"rate_limit"`
	RateWindow      time.Duration `koanf:"rate_window"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr           string        `koanf:"addr"`
	ParticipantTTL time.Duration `koanf:"participant_ttl"`
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TypingConfig holds the server-side typing state machine timings.
type TypingConfig struct {
	Expiry   time.Duration `koanf:"expiry"`
	Debounce time.Duration `koanf:"debounce"`
}

type PresenceConfig struct {
	PersistTimeout time.Duration `koanf:"persist_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigin:      "http://localhost:3000",
			RateLimit:       100,
			RateWindow:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			ParticipantTTL: 5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Typing: TypingConfig{
			Expiry:   3 * time.Second,
			Debounce: 500 * time.Millisecond,
		},
		Presence: PresenceConfig{
			PersistTimeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then config file, then env vars.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var envMappings = map[string]string{
	"http_addr":                "server.addr",
	"cors_origin":              "server.cors_origin",
	"rate_limit":               "server.rate_limit",
	"db_dsn":                   "database.dsn",
	"redis_addr":               "redis.addr",
	"jwt_secret":               "auth.jwt_secret",
	"log_level":                "log.level",
	"log_format":               "log.format",
	"typing_expiry":            "typing.expiry",
	"typing_debounce":          "typing.debounce",
	"presence_persist_timeout": "presence.persist_timeout",
}

// envTransformFunc maps known environment variables to config paths and
// drops everything else.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// Validate reports missing settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DB_DSN is not set"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	if c.Typing.Expiry <= 0 {
		errs = append(errs, errors.New("typing expiry must be positive"))
	}
	if c.Typing.Debounce < 0 || c.Typing.Debounce >= c.Typing.Expiry {
		errs = append(errs, errors.New("typing debounce must be shorter than expiry"))
	}
	return errors.Join(errs...)
}
