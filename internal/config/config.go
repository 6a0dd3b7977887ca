// Package config loads the process configuration from an optional YAML file
// with environment-variable overrides. Secrets only come from the
// environment. Validation failures are configuration errors and abort
// startup with exit code 2.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Validation thresholds for persisted samples.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinPriceUSD         float64 `yaml:"min_price_usd"`
	MaxPriceUSD         float64 `yaml:"max_price_usd"`

	// Orchestrator cycle.
	CyclePeriodSeconds int    `yaml:"cycle_period_seconds"`
	CycleDeadlineSecs  int    `yaml:"cycle_deadline_seconds"`
	BlockWindow        int    `yaml:"block_window"`
	BackfillBudget     int    `yaml:"backfill_budget"`
	BackfillWorkers    int    `yaml:"backfill_workers"`
	GapAlertThreshold  int    `yaml:"gap_alert_threshold"`
	LockPath           string `yaml:"lock_path"`
	AlertWebhookURL    string `yaml:"alert_webhook_url"`

	// Data sources.
	IndexerURL       string `yaml:"indexer_url"`
	PublicIndexerURL string `yaml:"public_indexer_url"`
	PublicAPIEnabled bool   `yaml:"public_api_enabled"`
	ExchangeURL      string `yaml:"exchange_oracle_url"`
	FetchWorkers     int    `yaml:"fetch_workers"`

	// Bitcoin node RPC. Cookie file takes precedence over user/pass.
	BTCRPCHost   string `yaml:"btc_rpc_host"`
	BTCRPCUser   string `yaml:"-"`
	BTCRPCPass   string `yaml:"-"`
	BTCRPCCookie string `yaml:"btc_rpc_cookie"`

	// Store.
	DatabaseURL string `yaml:"-"`
	BackupPath  string `yaml:"backup_path"`

	// Whale stream.
	WhaleBTCThreshold float64 `yaml:"whale_btc_threshold"`

	// API.
	Port          string `yaml:"port"`
	SigningSecret string `yaml:"-"`
	DevAuthBypass bool   `yaml:"dev_auth_bypass"`
	Environment   string `yaml:"environment"` // "development" enables the auth bypass flag

	LogLevel string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		ConfidenceThreshold: 0.3,
		MinPriceUSD:         10_000,
		MaxPriceUSD:         500_000,
		CyclePeriodSeconds:  600,
		CycleDeadlineSecs:   480,
		BlockWindow:         144,
		BackfillBudget:      3,
		BackfillWorkers:     4,
		GapAlertThreshold:   10,
		LockPath:            "/tmp/utxoracle.lock",
		BTCRPCHost:          "localhost:8332",
		BackupPath:          "utxoracle_samples.backup.csv",
		WhaleBTCThreshold:   100,
		FetchWorkers:        8,
		Port:                "5340",
		Environment:         "production",
		LogLevel:            "info",
	}
}

// Load reads the YAML file at path (if non-empty), then applies environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envFloat("CONFIDENCE_THRESHOLD", &c.ConfidenceThreshold)
	envFloat("MIN_PRICE_USD", &c.MinPriceUSD)
	envFloat("MAX_PRICE_USD", &c.MaxPriceUSD)
	envFloat("WHALE_BTC_THRESHOLD", &c.WhaleBTCThreshold)
	envInt("CYCLE_PERIOD_SECONDS", &c.CyclePeriodSeconds)
	envBool("PUBLIC_API_ENABLED", &c.PublicAPIEnabled)
	envBool("DEV_AUTH_BYPASS", &c.DevAuthBypass)
	envString("ORACLE_ENV", &c.Environment)
	envString("INDEXER_URL", &c.IndexerURL)
	envString("PUBLIC_INDEXER_URL", &c.PublicIndexerURL)
	envString("EXCHANGE_ORACLE_URL", &c.ExchangeURL)
	envString("BTC_RPC_HOST", &c.BTCRPCHost)
	envString("BTC_RPC_USER", &c.BTCRPCUser)
	envString("BTC_RPC_PASS", &c.BTCRPCPass)
	envString("BTC_RPC_COOKIE", &c.BTCRPCCookie)
	envString("DATABASE_URL", &c.DatabaseURL)
	envString("BACKUP_PATH", &c.BackupPath)
	envString("LOCK_PATH", &c.LockPath)
	envString("ALERT_WEBHOOK_URL", &c.AlertWebhookURL)
	envString("ORACLE_SIGNING_SECRET", &c.SigningSecret)
	envString("PORT", &c.Port)
	envString("LOG_LEVEL", &c.LogLevel)
}

// Validate enforces the startup contract. A missing node endpoint, store URL,
// or signing secret cannot be defaulted.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.BTCRPCHost == "" {
		return fmt.Errorf("BTC_RPC_HOST is required")
	}
	if c.BTCRPCCookie == "" && (c.BTCRPCUser == "" || c.BTCRPCPass == "") {
		return fmt.Errorf("node RPC auth required: set BTC_RPC_COOKIE or BTC_RPC_USER/BTC_RPC_PASS")
	}
	if c.SigningSecret == "" && !c.devMode() {
		return fmt.Errorf("ORACLE_SIGNING_SECRET is required outside development")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v out of [0,1]", c.ConfidenceThreshold)
	}
	if c.MinPriceUSD <= 0 || c.MaxPriceUSD <= c.MinPriceUSD {
		return fmt.Errorf("invalid price band [%v, %v]", c.MinPriceUSD, c.MaxPriceUSD)
	}
	if c.CyclePeriodSeconds <= 0 {
		return fmt.Errorf("cycle_period_seconds must be positive")
	}
	if c.CycleDeadlineSecs >= c.CyclePeriodSeconds {
		return fmt.Errorf("cycle deadline %ds must be shorter than the period %ds",
			c.CycleDeadlineSecs, c.CyclePeriodSeconds)
	}
	return nil
}

func (c *Config) devMode() bool {
	return c.Environment == "development"
}

// AuthBypassActive reports whether the development auth bypass is in effect.
// The flag is recognized only with the explicit dev environment marker.
func (c *Config) AuthBypassActive() bool {
	return c.DevAuthBypass && c.devMode()
}

func (c *Config) CyclePeriod() time.Duration {
	return time.Duration(c.CyclePeriodSeconds) * time.Second
}

func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSecs) * time.Second
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}
