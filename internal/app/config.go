package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:"127.0.0.1:8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	Timezone  string `envconfig:"PDV_TIMEZONE" default:"America/Sao_Paulo"`

	// PGDSN empty keeps every record in process memory.
	PGDSN      string `envconfig:"PG_DSN"`
	PGPassFile string `envconfig:"PGPASSFILE"`

	// RedisAddr empty disables parameter versioning, store broadcast and jobs.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	BranchName  string `envconfig:"PDV_BRANCH" default:"matriz"`
	StationName string `envconfig:"PDV_STATION" default:"caixa-01"`

	PrinterBrand    string `envconfig:"PRINTER_BRAND" default:"Virtual"`
	PrinterModel    string `envconfig:"PRINTER_MODEL" default:"Virtual Printer"`
	PrinterSerial   string `envconfig:"PRINTER_SERIAL" default:"VIRTUAL0001"`
	PrinterProfiles string `envconfig:"PRINTER_PROFILES"`

	CookiePath string `envconfig:"PDV_COOKIE_PATH" default:".pdv-cookie"`
	CAT52Dir   string `envconfig:"CAT52_DIR" default:"cat52"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.StationName == "" {
		return nil, errors.New("station name must be provided")
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// UsesDatabase reports whether a PostgreSQL DSN was configured.
func (c *Config) UsesDatabase() bool {
	return c != nil && c.PGDSN != ""
}

// UsesRedis reports whether a Redis address was configured.
func (c *Config) UsesRedis() bool {
	return c != nil && c.RedisAddr != ""
}

// Location resolves the business-day timezone.
func (c *Config) Location() (*time.Location, error) {
	if c == nil || c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
