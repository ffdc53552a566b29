package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// defaultJWTSecret is the development fallback. Production deployments
// must override it via JWT_SECRET.
const defaultJWTSecret = "your-secret-key-change-this-in-production-minimum-32-chars"

const minSecretLen = 32

type Config struct {
	// BindAddress is where the WebSocket server listens.
	BindAddress string `env:"BIND_ADDRESS" envDefault:"127.0.0.1:8080"`
	// APIBindAddress is where the HTTP/JSON API listens.
	APIBindAddress string `env:"API_BIND_ADDRESS" envDefault:"127.0.0.1:3000"`

	JWTSecret string `env:"JWT_SECRET"`

	// DataDir is scanned for *.csv tick sources. If it is missing or
	// empty the server falls back to DataFile as the single NIFTY source.
	DataDir  string `env:"DATA_DIR" envDefault:"./data"`
	DataFile string `env:"DATA_FILE" envDefault:"./data/NIFTY.csv"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// AdminUsers lists usernames that receive the admin permission
	// at login, comma separated.
	AdminUsers []string `env:"ADMIN_USERS" envSeparator:","`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = defaultJWTSecret
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters, got %d", minSecretLen, len(c.JWTSecret))
	}
	if _, err := os.Stat(c.DataFile); err != nil {
		return fmt.Errorf("data file %q: %w", c.DataFile, err)
	}
	return nil
}
