package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile           string        `env:"PARLEY_DB" envDefault:"parley.db"`
	AdminAddr        string        `env:"ADMIN_ADDR" envDefault:"localhost:8081"`
	APIAddr          string        `env:"API_ADDR" envDefault:":8080"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	TokenExpiry      time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`
	RegistryShards   int           `env:"REGISTRY_SHARDS" envDefault:"32"`
	SendQueueSize    int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH" envDefault:"4096"`
	HistoryPageSize  int           `env:"HISTORY_PAGE_SIZE" envDefault:"50"`
	VAPIDPublicKey   string        `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey  string        `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber  string        `env:"VAPID_SUBSCRIBER" envDefault:"mailto:admin@localhost"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
}

func Load(cliMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.RegistryShards <= 0 {
		return fmt.Errorf("REGISTRY_SHARDS must be greater than 0")
	}

	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be greater than 0")
	}

	if c.PingInterval < 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("PING_INTERVAL must not be negative and WRITE_TIMEOUT must be greater than 0")
	}

	if c.MaxContentLength <= 0 || c.HistoryPageSize <= 0 {
		return fmt.Errorf("MAX_CONTENT_LENGTH and HISTORY_PAGE_SIZE must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
