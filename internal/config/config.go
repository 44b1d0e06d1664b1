// Package config loads server configuration from config/config.yml, an
// optional config/config.local.yml overlay, and environment variables, in
// that order of increasing precedence.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	MongoURI     string `yaml:"mongo_uri"`
	DatabaseName string `yaml:"database_name"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type RedisConfig struct {
	// Addr enables the cross-instance broadcast bridge when set.
	Addr string `yaml:"addr"`
}

type SessionConfig struct {
	// RolePollInterval bounds how stale a live session's capability can be.
	RolePollInterval time.Duration `yaml:"role_poll_interval"`
	// IdleTimeout is the no-traffic window after which a session is
	// considered gone.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	Redis   RedisConfig   `yaml:"redis"`
	Session SessionConfig `yaml:"session"`
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			MongoURI:     "mongodb://localhost:27017",
			DatabaseName: "realtime_docs",
		},
		API: APIConfig{Port: 8080},
		Auth: AuthConfig{
			TokenSecret: "dev-secret-change-me",
			TokenTTL:    24 * time.Hour,
		},
		Session: SessionConfig{
			RolePollInterval: 5 * time.Second,
			IdleTimeout:      5 * time.Minute,
		},
	}
}

// LoadConfig builds the effective configuration. Missing files are fine;
// malformed ones are logged and skipped.
func LoadConfig() *Config {
	cfg := defaults()

	applyFile(cfg, "config/config.yml")
	applyFile(cfg, "config/config.local.yml")
	applyEnv(cfg)

	return cfg
}

func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[Config] skipping %s: %v", path, err)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Storage.MongoURI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Storage.DatabaseName = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ROLE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.RolePollInterval = d
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleTimeout = d
		}
	}
}
