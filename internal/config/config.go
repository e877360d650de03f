// Package config loads the forensic engine's configuration from an
// optional YAML file overlaid with environment variables, following the
// teacher's dotenv-then-YAML-then-envdecode load order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/r3e-audit/forensic-engine/internal/logging"
)

// ServerConfig controls the thin operator HTTP surface.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls Store's PostgreSQL backend.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// IngestionConfig controls IngestionPipeline tolerances (§4.7, §9 Open
// Question: balance-gap threshold is configurable, default 1000).
type IngestionConfig struct {
	BalanceGapThreshold float64 `json:"balance_gap_threshold" yaml:"balance_gap_threshold" env:"INGESTION_BALANCE_GAP_THRESHOLD"`
}

// ReconciliationConfig controls ReconciliationMatcher tolerances (§4.5).
type ReconciliationConfig struct {
	AmountTolerancePct float64 `json:"amount_tolerance_pct" yaml:"amount_tolerance_pct" env:"RECONCILE_AMOUNT_TOLERANCE_PCT"`
	DefaultClearingDays int    `json:"default_clearing_days" yaml:"default_clearing_days" env:"RECONCILE_DEFAULT_CLEARING_DAYS"`
	BatchWindowDays    int    `json:"batch_window_days" yaml:"batch_window_days" env:"RECONCILE_BATCH_WINDOW_DAYS"`
}

// MonitorConfig controls ProactiveMonitor cadence (§4.9).
type MonitorConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds" env:"MONITOR_INTERVAL_SECONDS"`
	DebounceSeconds int `json:"debounce_seconds" yaml:"debounce_seconds" env:"MONITOR_DEBOUNCE_SECONDS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Database      DatabaseConfig       `json:"database" yaml:"database"`
	Logging       logging.Config       `json:"logging" yaml:"logging"`
	Ingestion     IngestionConfig      `json:"ingestion" yaml:"ingestion"`
	Reconciliation ReconciliationConfig `json:"reconciliation" yaml:"reconciliation"`
	Monitor       MonitorConfig        `json:"monitor" yaml:"monitor"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: logging.Config{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "forensic-engine",
		},
		Ingestion: IngestionConfig{
			BalanceGapThreshold: 1000,
		},
		Reconciliation: ReconciliationConfig{
			AmountTolerancePct:  0.5,
			DefaultClearingDays: 7,
			BatchWindowDays:     3,
		},
		Monitor: MonitorConfig{
			IntervalSeconds: 300,
			DebounceSeconds: 300,
		},
	}
}

// Load loads configuration from an optional file and environment
// variables, in the teacher's order: dotenv, then YAML file (if present,
// defaulting to configs/config.yaml or $CONFIG_FILE), then env overlay.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
