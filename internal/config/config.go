// Package config defines all configuration for the funding-rate arbitrage
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fundingarb/internal/errkind"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool             `mapstructure:"dry_run"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Strategy  StrategyConfig   `mapstructure:"strategy"`
	Risk      RiskConfig       `mapstructure:"risk_config"`
	Scanner   ScannerConfig    `mapstructure:"scanner"`
	Store     StoreConfig      `mapstructure:"store"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Dashboard DashboardConfig  `mapstructure:"dashboard"`
}

// ExchangeConfig describes one venue the engine is allowed to trade on.
// PrivateKey signs wallet-based (EIP-712) handshakes; ApiKey/Secret/Passphrase
// are used by venues that issue long-lived HMAC credentials instead.
type ExchangeConfig struct {
	Name                   string `mapstructure:"name"`
	PrivateKey             string `mapstructure:"private_key"`
	ApiKey                 string `mapstructure:"api_key"`
	Secret                 string `mapstructure:"secret"`
	Passphrase             string `mapstructure:"passphrase"`
	RESTBaseURL            string `mapstructure:"rest_base_url"`
	WSPublicURL            string `mapstructure:"ws_public_url"`
	WSPrivateURL           string `mapstructure:"ws_private_url"`
	FundingIntervalSeconds int    `mapstructure:"funding_interval_seconds"`
}

// StrategyConfig controls position sizing, entry, and execution behavior.
//
// Mirrors §6.5 of SPEC_FULL.md: capacity limits, margin sizing, entry
// alignment tolerances, liquidation pre-flight, and immediate profit-taking.
type StrategyConfig struct {
	MandatoryExchange       string  `mapstructure:"mandatory_exchange"`
	PrimaryExchange         string  `mapstructure:"primary_exchange"`
	MaxPositions            int     `mapstructure:"max_positions"`
	MaxNewPositionsPerCycle int     `mapstructure:"max_new_positions_per_cycle"`
	MaxTotalExposureUSD     float64 `mapstructure:"max_total_exposure_usd"`
	MaxPositionSizeUSD      float64 `mapstructure:"max_position_size_usd"`
	MaxOIUSD                float64 `mapstructure:"max_oi_usd"`
	TargetMargin            float64 `mapstructure:"target_margin"`
	MinProfit               float64 `mapstructure:"min_profit"`

	LimitOrderOffsetPct        float64 `mapstructure:"limit_order_offset_pct"`
	EnableBreakEvenAlignment   bool    `mapstructure:"enable_break_even_alignment"`
	MaxSpreadThresholdPct      float64 `mapstructure:"max_spread_threshold_pct"`
	MaxEntryPriceDivergencePct float64 `mapstructure:"max_entry_price_divergence_pct"`

	EnableLiquidationPrevention bool    `mapstructure:"enable_liquidation_prevention"`
	MinLiquidationDistancePct  float64  `mapstructure:"min_liquidation_distance_pct"`

	EnableImmediateProfitTaking bool          `mapstructure:"enable_immediate_profit_taking"`
	MinImmediateProfitTakingPct float64       `mapstructure:"min_immediate_profit_taking_pct"`
	RealtimeProfitCheckInterval time.Duration `mapstructure:"realtime_profit_check_interval"`

	SinglePositionPerSession bool          `mapstructure:"single_position_per_session"`
	CycleInterval            time.Duration `mapstructure:"cycle_interval"`
}

// RiskConfig tunes the Risk Controller's waterfall (§4.6).
type RiskConfig struct {
	Strategy              string        `mapstructure:"strategy"` // "combined" | "simple" | "age_only"
	MinHoldHours          float64       `mapstructure:"min_hold_hours"`
	MinErosionThreshold   float64       `mapstructure:"min_erosion_threshold"`
	SevereErosionRatio    float64       `mapstructure:"severe_erosion_ratio"`
	MaxPositionAgeHours   float64       `mapstructure:"max_position_age_hours"`
	FlipMargin            float64       `mapstructure:"flip_margin"`
	CheckIntervalSeconds  int           `mapstructure:"check_interval_seconds"`
	ImbalanceThresholdPct float64       `mapstructure:"imbalance_threshold_pct"`
	CooldownAfterFailure  time.Duration `mapstructure:"cooldown_after_failure"`
}

// ScannerConfig controls how the Opportunity Scanner filters candidates.
type ScannerConfig struct {
	OpportunityStoreURL string        `mapstructure:"opportunity_store_url"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MinProfitPercent    float64       `mapstructure:"min_profit_percent"`
	TimeHorizonHours    float64       `mapstructure:"time_horizon_hours"`
	WhitelistDexes      []string      `mapstructure:"whitelist_dexes"`
	RequiredDex         string        `mapstructure:"required_dex"`
	Limit               int           `mapstructure:"limit"`
}

// StoreConfig sets where position data is persisted (sqlite).
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // file path to the sqlite database
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the control-API / dashboard websocket server.
type DashboardConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	Port                   int      `mapstructure:"port"`
	AllowedOrigins         []string `mapstructure:"allowed_origins"`
	Renderer               string   `mapstructure:"renderer"`
	RefreshIntervalSeconds int      `mapstructure:"refresh_interval_seconds"`
	PersistSnapshots       bool     `mapstructure:"persist_snapshots"`
	SnapshotRetention      int      `mapstructure:"snapshot_retention"`
	EventRetention         int      `mapstructure:"event_retention"`
	WriteIntervalSeconds   int      `mapstructure:"write_interval_seconds"`
	ReplaySessionID        string   `mapstructure:"replay_session_id"`
}

// Load reads config from a YAML file with env var overrides.
// Per-exchange secrets use env vars: ARB_<EXCHANGE>_PRIVATE_KEY,
// ARB_<EXCHANGE>_API_KEY, ARB_<EXCHANGE>_API_SECRET, ARB_<EXCHANGE>_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Exchanges {
		name := strings.ToUpper(cfg.Exchanges[i].Name)
		if key := os.Getenv("ARB_" + name + "_PRIVATE_KEY"); key != "" {
			cfg.Exchanges[i].PrivateKey = key
		}
		if key := os.Getenv("ARB_" + name + "_API_KEY"); key != "" {
			cfg.Exchanges[i].ApiKey = key
		}
		if secret := os.Getenv("ARB_" + name + "_API_SECRET"); secret != "" {
			cfg.Exchanges[i].Secret = secret
		}
		if pass := os.Getenv("ARB_" + name + "_PASSPHRASE"); pass != "" {
			cfg.Exchanges[i].Passphrase = pass
		}
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. Every failure is
// fatal at startup (§7 ConfigInvalid): the caller is expected to log and
// exit rather than attempt to run with a partially-valid config.
func (c *Config) Validate() error {
	invalid := func(format string, a ...interface{}) error {
		return errkind.New(errkind.ConfigInvalid, "config.Validate", fmt.Errorf(format, a...))
	}

	if len(c.Exchanges) < 2 {
		return invalid("at least two exchanges are required to hedge across venues")
	}
	seen := make(map[string]bool, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return invalid("exchanges[].name is required")
		}
		if seen[ex.Name] {
			return invalid("duplicate exchange name %q", ex.Name)
		}
		seen[ex.Name] = true
		if ex.RESTBaseURL == "" {
			return invalid("exchanges[%s].rest_base_url is required", ex.Name)
		}
		if ex.FundingIntervalSeconds <= 0 {
			return invalid("exchanges[%s].funding_interval_seconds must be > 0", ex.Name)
		}
	}
	if c.Strategy.MandatoryExchange != "" && !seen[c.Strategy.MandatoryExchange] {
		return invalid("strategy.mandatory_exchange %q is not a configured exchange", c.Strategy.MandatoryExchange)
	}
	if c.Strategy.MaxPositions <= 0 {
		return invalid("strategy.max_positions must be > 0")
	}
	if c.Strategy.TargetMargin <= 0 {
		return invalid("strategy.target_margin must be > 0")
	}
	if c.Strategy.MaxTotalExposureUSD <= 0 {
		return invalid("strategy.max_total_exposure_usd must be > 0")
	}
	if c.Risk.MinErosionThreshold > 0 && c.Risk.SevereErosionRatio >= c.Risk.MinErosionThreshold {
		return invalid("risk_config.severe_erosion_ratio must be less than min_erosion_threshold")
	}
	if c.Store.DSN == "" {
		return invalid("store.dsn is required")
	}
	return nil
}
