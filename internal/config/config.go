package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration: connection strings, bind
// address, and per-component loop cadences. Strategy parameters live in the
// database, not here, so they can be tuned without a restart.
type Config struct {
	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`
	EncryptionKey string `yaml:"encryption_key"`

	HTTP struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"http"`

	Aggregator struct {
		ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
		SecondaryPollInterval time.Duration `yaml:"secondary_poll_interval"`
		HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
		CleanupInterval       time.Duration `yaml:"cleanup_interval"`
		SpreadHistoryInterval time.Duration `yaml:"spread_history_interval"`
		SpreadHistoryRetention time.Duration `yaml:"spread_history_retention"`
		ConflictThresholdPct  float64       `yaml:"conflict_threshold_pct"`
		ReferenceFeedURL      string        `yaml:"reference_feed_url"`
	} `yaml:"aggregator"`

	Detector struct {
		CycleInterval   time.Duration `yaml:"cycle_interval"`
		DebounceWindow  time.Duration `yaml:"debounce_window"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"detector"`

	Positions struct {
		SyncInterval      time.Duration `yaml:"sync_interval"`
		SyncInitialDelay  time.Duration `yaml:"sync_initial_delay"`
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		AutoAdoptOrphans  bool          `yaml:"auto_adopt_orphans"`
		SizeTolerancePct  float64       `yaml:"size_tolerance_pct"`
		PriceTolerancePct float64       `yaml:"price_tolerance_pct"`
		RebalanceEnabled  bool          `yaml:"rebalance_enabled"`
	} `yaml:"positions"`

	Capital struct {
		BalanceRefreshInterval time.Duration `yaml:"balance_refresh_interval"`
		CleanupInterval        time.Duration `yaml:"cleanup_interval"`
		ReservationTTL         time.Duration `yaml:"reservation_ttl"`
		ConfirmTimeout         time.Duration `yaml:"confirm_timeout"`
	} `yaml:"capital"`

	Execution struct {
		DefaultCapitalUSD float64 `yaml:"default_capital_usd"`
		MinNotionalUSD    float64 `yaml:"min_notional_usd"`
	} `yaml:"execution"`

	Exchanges []ExchangeEntry `yaml:"exchanges"`
}

// ExchangeEntry enables a venue and selects its adapter variant.
type ExchangeEntry struct {
	Slug    string `yaml:"slug"`
	Variant string `yaml:"variant"` // generic, hyperliquid, dydx
	Enabled bool   `yaml:"enabled"`
	Testnet bool   `yaml:"testnet"`
}

// Load reads the YAML config file, applies defaults, and lets environment
// variables override the connection settings.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis_url is required (set REDIS_URL)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &cfg.HTTP.Port); err != nil {
			cfg.HTTP.Port = 0
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}

	if cfg.Aggregator.ReconcileInterval == 0 {
		cfg.Aggregator.ReconcileInterval = 30 * time.Second
	}
	if cfg.Aggregator.SecondaryPollInterval == 0 {
		cfg.Aggregator.SecondaryPollInterval = 60 * time.Second
	}
	if cfg.Aggregator.HealthCheckInterval == 0 {
		cfg.Aggregator.HealthCheckInterval = 10 * time.Second
	}
	if cfg.Aggregator.CleanupInterval == 0 {
		cfg.Aggregator.CleanupInterval = time.Minute
	}
	if cfg.Aggregator.SpreadHistoryInterval == 0 {
		cfg.Aggregator.SpreadHistoryInterval = 5 * time.Minute
	}
	if cfg.Aggregator.SpreadHistoryRetention == 0 {
		cfg.Aggregator.SpreadHistoryRetention = 90 * 24 * time.Hour
	}
	if cfg.Aggregator.ConflictThresholdPct == 0 {
		cfg.Aggregator.ConflictThresholdPct = 20
	}

	if cfg.Detector.CycleInterval == 0 {
		cfg.Detector.CycleInterval = 30 * time.Second
	}
	if cfg.Detector.DebounceWindow == 0 {
		cfg.Detector.DebounceWindow = 5 * time.Second
	}
	if cfg.Detector.CleanupInterval == 0 {
		cfg.Detector.CleanupInterval = time.Minute
	}
	if cfg.Detector.RefreshInterval == 0 {
		cfg.Detector.RefreshInterval = time.Minute
	}

	if cfg.Positions.SyncInterval == 0 {
		cfg.Positions.SyncInterval = 30 * time.Second
	}
	if cfg.Positions.SyncInitialDelay == 0 {
		cfg.Positions.SyncInitialDelay = 10 * time.Second
	}
	if cfg.Positions.ReconcileInterval == 0 {
		cfg.Positions.ReconcileInterval = 5 * time.Minute
	}
	if cfg.Positions.SizeTolerancePct == 0 {
		cfg.Positions.SizeTolerancePct = 1
	}
	if cfg.Positions.PriceTolerancePct == 0 {
		cfg.Positions.PriceTolerancePct = 2
	}

	if cfg.Capital.BalanceRefreshInterval == 0 {
		cfg.Capital.BalanceRefreshInterval = time.Minute
	}
	if cfg.Capital.CleanupInterval == 0 {
		cfg.Capital.CleanupInterval = time.Minute
	}
	if cfg.Capital.ReservationTTL == 0 {
		cfg.Capital.ReservationTTL = 5 * time.Minute
	}
	if cfg.Capital.ConfirmTimeout == 0 {
		cfg.Capital.ConfirmTimeout = 2 * time.Minute
	}

	if cfg.Execution.DefaultCapitalUSD == 0 {
		cfg.Execution.DefaultCapitalUSD = 100
	}
	if cfg.Execution.MinNotionalUSD == 0 {
		cfg.Execution.MinNotionalUSD = 6
	}
}
