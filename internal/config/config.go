package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int    `yaml:"port"`
	LogLevel      string `yaml:"log_level"`
	SessionsDir   string `yaml:"sessions_dir"`
	StoreDriver   string `yaml:"store_driver"`
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	NatsURL       string `yaml:"nats_url"`
	NatsToken     string `yaml:"nats_token"`
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackChannel  string `yaml:"slack_channel"`
	Diagnostics   bool   `yaml:"diagnostics"`
	StatePath     string `yaml:"state_path"`
}

func defaults() Config {
	return Config{
		Port:        8760,
		LogLevel:    "info",
		SessionsDir: "./sessions",
		StoreDriver: "none",
		SQLitePath:  "forkline.db",
		NatsURL:     "nats://hermes:4222",
		StatePath:   "~/.forkline/batch-state.json",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// FORKLINE_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("FORKLINE_CONFIG"); path != "" {
		if err := loadFromFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.Port = envInt("FORKLINE_PORT", cfg.Port)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.SessionsDir = envStr("SESSIONS_DIR", cfg.SessionsDir)
	cfg.StoreDriver = envStr("STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = envStr("SQLITE_PATH", cfg.SQLitePath)
	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.SlackBotToken = envStr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackChannel = envStr("SLACK_CHANNEL", cfg.SlackChannel)
	cfg.Diagnostics = envBool("FORKLINE_DIAGNOSTICS", cfg.Diagnostics)
	cfg.StatePath = envStr("STATE_PATH", cfg.StatePath)
	return cfg, nil
}

// loadFromFile overlays the YAML file at path onto cfg. A missing file leaves
// cfg unchanged.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
