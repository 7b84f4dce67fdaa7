/*
Package config loads runtime configuration.

PURPOSE:
  One place to resolve configuration from file, environment and defaults.
  Precedence: environment variables (SFE_ prefix) over config file over
  built-in defaults. The config file is optional; the defaults run a
  working local instance.

KEYS:
  db.path                 SQLite database path (":memory:" supported)
  http.port               HTTP listen port
  log.level               logrus level name (debug, info, warn, error)
  folio.charge_prefix     Folio prefix for charges (default CHG)
  folio.fiscal_prefix     Folio prefix for fiscal documents (default FAC)
  fiscal.max_retries      Stamp attempts before force is required
  recon.reference_pattern Reference-extraction regular expression
  billing.cron            Cron expression for monthly generation
  smtp.host / smtp.port / smtp.from / smtp.username / smtp.password
  seed.enabled            Load demo data at startup

ENVIRONMENT:
  Every key maps to an SFE_ variable with dots replaced by underscores,
  e.g. db.path -> SFE_DB_PATH, http.port -> SFE_HTTP_PORT.
*/
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Folio   FolioConfig   `mapstructure:"folio"`
	Fiscal  FiscalConfig  `mapstructure:"fiscal"`
	Recon   ReconConfig   `mapstructure:"recon"`
	Billing BillingConfig `mapstructure:"billing"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Seed    SeedConfig    `mapstructure:"seed"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type FolioConfig struct {
	ChargePrefix string `mapstructure:"charge_prefix"`
	FiscalPrefix string `mapstructure:"fiscal_prefix"`
}

type FiscalConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type ReconConfig struct {
	ReferencePattern string `mapstructure:"reference_pattern"`
}

type BillingConfig struct {
	// Cron is the schedule for automatic monthly generation. Empty
	// disables the scheduler.
	Cron string `mapstructure:"cron"`
	// CycleID is the school cycle the scheduler generates charges for.
	CycleID string `mapstructure:"cycle_id"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type SeedConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load resolves configuration. path points at an optional config file;
// empty looks for ledger.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db.path", "ledger.db")
	v.SetDefault("http.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("folio.charge_prefix", "CHG")
	v.SetDefault("folio.fiscal_prefix", "FAC")
	v.SetDefault("fiscal.max_retries", 3)
	v.SetDefault("recon.reference_pattern", "")
	v.SetDefault("billing.cron", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("seed.enabled", false)

	v.SetEnvPrefix("SFE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ledger")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine, defaults and environment apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
