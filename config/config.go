/*
config.go - Runtime configuration

PURPOSE:
  One Config value drives the server, the CLI commands and the refill
  scheduler.

LOAD ORDER (later wins):
  1. Default()
  2. TOML file passed with --config (optional)
  3. .env in the working directory (optional, never overrides real env)
  4. Environment variables prefixed BUVLE_, e.g.
       BUVLE_SERVER_PORT=9090
       BUVLE_DATABASE_PATH=/var/lib/buvle/buvle.db
       BUVLE_BILLING_OMISE_SECRET_KEY=skey_...
       BUVLE_REFILL_DAY=1

EXAMPLE FILE:
  [server]
  port = 8080
  allowed_origins = ["http://localhost:8081"]

  [billing]
  currency = "eur"
  enrollment_fee = "30.00"
  [billing.plans]
  "4" = "40.00"
  "8" = "70.00"

  [[slots]]
  weekday = 2
  start = "18:00"
  end = "19:30"
  capacity = 10
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "buvle"

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Billing  BillingConfig  `toml:"billing"`
	Refill   RefillConfig   `toml:"refill"`
	Events   EventsConfig   `toml:"events"`
	Slots    []SlotConfig   `toml:"slots" ignored:"true"`
}

type ServerConfig struct {
	Port           int           `toml:"port"`
	AllowedOrigins []string      `toml:"allowed_origins" split_words:"true"`
	ReadTimeout    time.Duration `toml:"read_timeout" split_words:"true"`
	WriteTimeout   time.Duration `toml:"write_timeout" split_words:"true"`
	IdleTimeout    time.Duration `toml:"idle_timeout" split_words:"true"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type BillingConfig struct {
	Currency       string            `toml:"currency"`
	EnrollmentFee  string            `toml:"enrollment_fee" split_words:"true"`
	Plans          map[string]string `toml:"plans"`
	OmisePublicKey string            `toml:"omise_public_key" split_words:"true"`
	OmiseSecretKey string            `toml:"omise_secret_key" split_words:"true"`
	WebhookSecret  string            `toml:"webhook_secret" split_words:"true"`
}

type RefillConfig struct {
	Enabled       bool          `toml:"enabled"`
	Day           int           `toml:"day"`
	CheckInterval time.Duration `toml:"check_interval" split_words:"true"`
}

type EventsConfig struct {
	AMQPURL  string `toml:"amqp_url" envconfig:"AMQP_URL"`
	Exchange string `toml:"exchange"`
}

type SlotConfig struct {
	Weekday  int    `toml:"weekday"`
	Start    string `toml:"start"`
	End      string `toml:"end"`
	Capacity int    `toml:"capacity"`
}

// Default returns a configuration that runs locally with no file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		Database: DatabaseConfig{Path: "buvle.db"},
		Billing: BillingConfig{
			Currency:      "eur",
			EnrollmentFee: "30.00",
			Plans: map[string]string{
				"4":  "40.00",
				"8":  "70.00",
				"12": "95.00",
			},
		},
		Refill: RefillConfig{
			Enabled:       true,
			Day:           1,
			CheckInterval: time.Hour,
		},
		Events: EventsConfig{Exchange: "buvle.events"},
		Slots: []SlotConfig{
			{Weekday: 1, Start: "18:00", End: "19:30", Capacity: 10},
			{Weekday: 2, Start: "18:00", End: "19:30", Capacity: 10},
			{Weekday: 3, Start: "18:00", End: "19:30", Capacity: 10},
			{Weekday: 4, Start: "18:00", End: "19:30", Capacity: 10},
			{Weekday: 5, Start: "17:00", End: "18:30", Capacity: 8},
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file, an
// optional .env file and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		// A file that sets [[slots]] replaces the default list.
		defaults := cfg.Slots
		cfg.Slots = nil
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if !md.IsDefined("slots") {
			cfg.Slots = defaults
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Billing.Currency) == "" {
		return fmt.Errorf("billing.currency is required")
	}
	if _, err := c.PriceTable(); err != nil {
		return err
	}
	if (c.Billing.OmisePublicKey == "") != (c.Billing.OmiseSecretKey == "") {
		return fmt.Errorf("billing: omise_public_key and omise_secret_key must be set together")
	}
	if c.Refill.Day < 1 || c.Refill.Day > 28 {
		return fmt.Errorf("refill.day %d must be between 1 and 28", c.Refill.Day)
	}
	if c.Refill.Enabled && c.Refill.CheckInterval <= 0 {
		return fmt.Errorf("refill.check_interval must be positive")
	}
	for i, s := range c.Slots {
		sl := s.Slot()
		if err := sl.Validate(); err != nil {
			return fmt.Errorf("slots[%d]: %w", i, err)
		}
		if sl.Weekday > ledger.Friday {
			return fmt.Errorf("slots[%d]: classes run Monday to Friday, got weekday %d", i, sl.Weekday)
		}
	}
	return nil
}

// PriceTable converts the billing section into minor-unit prices.
func (c Config) PriceTable() (billing.PriceTable, error) {
	pt := billing.PriceTable{
		Currency: strings.ToLower(c.Billing.Currency),
		Monthly:  make(map[int]int64, len(c.Billing.Plans)),
	}
	for key, price := range c.Billing.Plans {
		size, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || size <= 0 {
			return billing.PriceTable{}, fmt.Errorf("billing.plans: plan size %q must be a positive integer", key)
		}
		m, err := ledger.ParseMoney(price, pt.Currency)
		if err != nil {
			return billing.PriceTable{}, fmt.Errorf("billing.plans[%s]: %w", key, err)
		}
		pt.Monthly[size] = m.Minor
	}
	if c.Billing.EnrollmentFee != "" {
		m, err := ledger.ParseMoney(c.Billing.EnrollmentFee, pt.Currency)
		if err != nil {
			return billing.PriceTable{}, fmt.Errorf("billing.enrollment_fee: %w", err)
		}
		pt.Enrollment = m.Minor
	}
	return pt, nil
}

// OmiseEnabled reports whether card charges go through Omise.
func (c Config) OmiseEnabled() bool {
	return c.Billing.OmisePublicKey != "" && c.Billing.OmiseSecretKey != ""
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Slot converts a seed entry to a catalog slot.
func (s SlotConfig) Slot() ledger.Slot {
	return ledger.Slot{
		Weekday:  ledger.Weekday(s.Weekday),
		Start:    s.Start,
		End:      s.End,
		Capacity: s.Capacity,
	}
}
