// Package config loads the watcher configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the daemon needs at startup.
type Config struct {
	API struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"api"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Handled struct {
		// Backend is "file", "redis" or "memory".
		Backend  string `yaml:"backend"`
		FilePath string `yaml:"file_path"`
		RedisKey string `yaml:"redis_key"`
	} `yaml:"handled"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Gateway struct {
		Addr string `yaml:"addr"`
	} `yaml:"gateway"`

	RefreshInterval time.Duration `yaml:"refresh_interval"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	PageLimit       int           `yaml:"page_limit"`
}

// Default returns the production defaults.
func Default() Config {
	var cfg Config
	cfg.API.BaseURL = "http://localhost:5000"
	cfg.NATS.URL = ""
	cfg.Handled.Backend = "file"
	cfg.Handled.FilePath = "data/handled_sessions.json"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Gateway.Addr = ":8082"
	cfg.RefreshInterval = 2 * time.Minute
	cfg.TickInterval = time.Second
	cfg.PageLimit = 20
	return cfg
}

// Load builds the config from defaults, the optional YAML file at path, and
// environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.API.BaseURL = getEnv("PAYWATCH_API_URL", cfg.API.BaseURL)
	cfg.API.Token = getEnv("PAYWATCH_API_TOKEN", cfg.API.Token)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Handled.Backend = getEnv("PAYWATCH_HANDLED_BACKEND", cfg.Handled.Backend)
	cfg.Handled.FilePath = getEnv("PAYWATCH_HANDLED_FILE", cfg.Handled.FilePath)
	cfg.Handled.RedisKey = getEnv("PAYWATCH_HANDLED_REDIS_KEY", cfg.Handled.RedisKey)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Gateway.Addr = getEnv("PAYWATCH_GATEWAY_ADDR", cfg.Gateway.Addr)
	cfg.RefreshInterval = getEnvAsDuration("PAYWATCH_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.TickInterval = getEnvAsDuration("PAYWATCH_TICK_INTERVAL", cfg.TickInterval)
	cfg.PageLimit = getEnvAsInt("PAYWATCH_PAGE_LIMIT", cfg.PageLimit)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
