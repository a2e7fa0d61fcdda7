package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DataDir  string `json:"data_dir" env:"SMOOCH_DATA_DIR"`
	LogLevel string `json:"log_level" env:"SMOOCH_LOG_LEVEL"`
	BaseURL  string `json:"base_url" env:"SMOOCH_BASE_URL"`
	Username string `json:"username" env:"SMOOCH_USERNAME"`
	Password string `json:"password" env:"SMOOCH_PASSWORD" secret:"true"`
	// SessionID is a console session token to try before logging in.
	SessionID  string `json:"session_id" env:"SMOOCH_SESSION_ID" secret:"true"`
	NoLogout   bool   `json:"no_logout" env:"SMOOCH_NO_LOGOUT"`
	TokenStore string `json:"token_store" env:"SMOOCH_TOKEN_STORE"`
	Parallel   int    `json:"parallel" env:"SMOOCH_PARALLEL"`

	Chrome   ChromeConfig   `json:"chrome"`
	Retry    RetryConfig    `json:"retry"`
	Watch    WatchConfig    `json:"watch"`
	Telegram TelegramConfig `json:"telegram"`
	Redis    RedisConfig    `json:"redis"`
	S3       S3Config       `json:"s3"`
}

type ChromeConfig struct {
	Binary   string `json:"binary" env:"CHROME_BINARY_LOCATION"`
	Timeout  string `json:"timeout" env:"SMOOCH_CHROME_TIMEOUT"`
	Headless bool   `json:"headless" env:"SMOOCH_CHROME_HEADLESS"`
}

type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts" env:"SMOOCH_RETRY_MAX_ATTEMPTS"`
	InitialDelay string  `json:"initial_delay" env:"SMOOCH_RETRY_INITIAL_DELAY"`
	Multiplier   float64 `json:"multiplier" env:"SMOOCH_RETRY_MULTIPLIER"`
	MaxDelay     string  `json:"max_delay" env:"SMOOCH_RETRY_MAX_DELAY"`
}

type WatchConfig struct {
	Schedule string `json:"schedule" env:"SMOOCH_WATCH_SCHEDULE"`
	Output   string `json:"output" env:"SMOOCH_WATCH_OUTPUT"`
	Listen   string `json:"listen" env:"SMOOCH_WATCH_LISTEN"`
}

type TelegramConfig struct {
	Token  string `json:"token" env:"TELEGRAM_BOT_TOKEN" secret:"true"`
	ChatID int64  `json:"chat_id" env:"TELEGRAM_CHAT_ID"`
}

type RedisConfig struct {
	Addr     string `json:"addr" env:"SMOOCH_REDIS_ADDR"`
	Password string `json:"password" env:"SMOOCH_REDIS_PASSWORD" secret:"true"`
	DB       int    `json:"db" env:"SMOOCH_REDIS_DB"`
	TTL      string `json:"ttl" env:"SMOOCH_REDIS_TTL"`
}

type S3Config struct {
	Region          string `json:"region" env:"SMOOCH_S3_REGION"`
	Endpoint        string `json:"endpoint" env:"SMOOCH_S3_ENDPOINT"`
	AccessKeyID     string `json:"access_key_id" env:"SMOOCH_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" env:"SMOOCH_S3_SECRET_ACCESS_KEY" secret:"true"`
	ForcePathStyle  bool   `json:"force_path_style" env:"SMOOCH_S3_FORCE_PATH_STYLE"`
}

// Default returns the configuration written on first load.
func Default() *Config {
	cfg := &Config{
		DataDir:    filepath.Join(os.Getenv("HOME"), ".smooch-logs"),
		LogLevel:   "info",
		BaseURL:    "https://app.smooch.io",
		TokenStore: "file",
		Parallel:   1,
	}
	cfg.Chrome.Timeout = "10s"
	cfg.Chrome.Headless = true
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = "1s"
	cfg.Retry.Multiplier = 2.0
	cfg.Retry.MaxDelay = "30s"
	cfg.Watch.Schedule = "@hourly"
	cfg.Watch.Listen = "127.0.0.1:8089"
	cfg.Redis.TTL = "24h"
	return cfg
}

// Load reads the config file at path, writing defaults when it does not
// exist. A .env file next to the config or in the working directory is
// then loaded into the environment, and SMOOCH_* variables override
// file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	// Override from env (highest precedence)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads each file that exists. Variables already set in the
// environment win.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.TokenStore {
	case "", "none", "file", "redis":
	default:
		return fmt.Errorf("invalid token_store %q (want none, file or redis)", c.TokenStore)
	}
	if c.TokenStore == "redis" && c.Redis.Addr == "" {
		return errors.New("token_store redis needs redis.addr")
	}
	if c.Parallel < 0 {
		return fmt.Errorf("invalid parallel %d", c.Parallel)
	}
	for key, val := range map[string]string{
		"chrome.timeout":      c.Chrome.Timeout,
		"retry.initial_delay": c.Retry.InitialDelay,
		"retry.max_delay":     c.Retry.MaxDelay,
		"redis.ttl":           c.Redis.TTL,
	} {
		if _, err := parseDuration(val); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

// ChromeTimeout returns chrome.timeout, or zero when unset.
func (c *Config) ChromeTimeout() time.Duration {
	d, _ := parseDuration(c.Chrome.Timeout)
	return d
}

// RetryDelays returns retry.initial_delay and retry.max_delay.
func (c *Config) RetryDelays() (initial, maxDelay time.Duration) {
	initial, _ = parseDuration(c.Retry.InitialDelay)
	maxDelay, _ = parseDuration(c.Retry.MaxDelay)
	return initial, maxDelay
}

// RedisTTL returns redis.ttl, or zero (no expiry) when unset.
func (c *Config) RedisTTL() time.Duration {
	d, _ := parseDuration(c.Redis.TTL)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeRaw(path, data)
}

func writeRaw(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
