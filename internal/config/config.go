// Package config loads the engine's configuration: a YAML base file
// overlaid with environment variables, matching the layering
// rahjooh-CryptoTrade's config package and forgequant-context8-mcp's
// caarlos0/env loader each use on their own.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"arbengine/internal/models"
)

// Numeric defaults the core assumes unless overridden (spec §6).
const (
	TakerFeeBps               = 4.0
	MakerFeeBps               = 2.0
	MinProfitThresholdDefault = 10.0 // bps
	MaxPositionSizeUSD        = 100_000.0
	OpportunityTTLDefault     = 500 * time.Millisecond
	FundingOpportunityTTL     = 8 * time.Hour
	MaxReconnectAttempts      = 10
	RiskFreeRateDefault       = 0.05
	MaxFundingRateExposure    = 0.01
	MinLiquidityScore         = 0.7
	MaxExecutionRisk          = 0.7
	VaRLookbackDefault        = 30
	PnLHistoryCapDefault      = 1000
)

// SystemConfig covers process-level concerns: pool sizing, depth, buffers,
// and logging. Opaque to the core beyond these fields (spec §6).
type SystemConfig struct {
	ThreadPoolSize        int    `yaml:"thread_pool_size" env:"THREAD_POOL_SIZE" envDefault:"8"`
	OrderBookDepth        int    `yaml:"order_book_depth" env:"ORDER_BOOK_DEPTH" envDefault:"50"`
	MarketDataBufferSize  int    `yaml:"market_data_buffer_size" env:"MARKET_DATA_BUFFER_SIZE" envDefault:"1024"`
	LogLevel              string `yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogFile               string `yaml:"log_file" env:"LOG_FILE"`
}

// ArbitrageConfig covers detection/risk tuning knobs.
type ArbitrageConfig struct {
	MinProfitThresholdBps  float64       `yaml:"min_profit_threshold_bps" env:"MIN_PROFIT_THRESHOLD_BPS" envDefault:"10"`
	SyntheticFeeBufferBps  float64       `yaml:"synthetic_fee_buffer_bps" env:"SYNTHETIC_FEE_BUFFER_BPS" envDefault:"10"`
	MaxPositionSize        float64       `yaml:"max_position_size" env:"MAX_POSITION_SIZE" envDefault:"100000"`
	MaxPortfolioExposure   float64       `yaml:"max_portfolio_exposure" env:"MAX_PORTFOLIO_EXPOSURE" envDefault:"500000"`
	OpportunityTTLMs       int           `yaml:"opportunity_ttl_ms" env:"OPPORTUNITY_TTL_MS" envDefault:"500"`
	ExecutionSlippageBps   float64       `yaml:"execution_slippage_bps" env:"EXECUTION_SLIPPAGE_BPS" envDefault:"5"`
	DetectionPeriod        time.Duration `yaml:"-" env:"-"`
	DetectionPeriodMs      int           `yaml:"detection_period_ms" env:"DETECTION_PERIOD_MS" envDefault:"100"`
	FundingMinSpreadBps    float64       `yaml:"funding_min_spread_bps" env:"FUNDING_MIN_SPREAD_BPS" envDefault:"2"`
	SyntheticMinBps        float64       `yaml:"synthetic_min_bps" env:"SYNTHETIC_MIN_BPS" envDefault:"5"`
	RiskFreeRate           float64       `yaml:"risk_free_rate" env:"RISK_FREE_RATE" envDefault:"0.05"`
	StorageCost            float64       `yaml:"storage_cost" env:"STORAGE_COST" envDefault:"0"`
}

// VenueConfig describes one venue's connection parameters.
type VenueConfig struct {
	Name                string        `yaml:"name"`
	Enabled             bool          `yaml:"enabled"`
	WSEndpoint          string        `yaml:"ws_endpoint"`
	RESTEndpoint        string        `yaml:"rest_endpoint"`
	Symbols             []string      `yaml:"symbols"`
	ReconnectIntervalMs int           `yaml:"reconnect_interval_ms"`
	HeartbeatIntervalMs int           `yaml:"heartbeat_interval_ms"`
	MaxReconnectAttempts int          `yaml:"max_reconnect_attempts"`
}

// ReconnectInterval and HeartbeatInterval convert the millisecond fields
// into time.Duration for the venue adapter.
func (v VenueConfig) ReconnectInterval() time.Duration {
	return time.Duration(v.ReconnectIntervalMs) * time.Millisecond
}

func (v VenueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(v.HeartbeatIntervalMs) * time.Millisecond
}

// Config is the top-level configuration document.
type Config struct {
	System     SystemConfig            `yaml:"system"`
	Arbitrage  ArbitrageConfig         `yaml:"arbitrage"`
	Venues     map[string]VenueConfig  `yaml:"venues"`
}

// Load establishes env-var defaults first, then overlays a YAML file (if
// path is non-empty and exists) on top. yaml.Unmarshal only touches fields
// present as keys in the document, so a field the YAML omits keeps whatever
// env.Parse gave it; a field the YAML sets always wins over its env default,
// since it's applied second. Loads any local .env file before the env pass.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Venues: map[string]VenueConfig{},
	}

	_ = godotenv.Load() // optional; missing .env is not an error

	if err := env.Parse(&cfg.System); err != nil {
		return nil, errors.Wrap(err, "parsing system env overlay")
	}
	if err := env.Parse(&cfg.Arbitrage); err != nil {
		return nil, errors.Wrap(err, "parsing arbitrage env overlay")
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrap(err, "reading config file")
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "parsing config file")
			}
		}
	}

	cfg.Arbitrage.DetectionPeriod = time.Duration(cfg.Arbitrage.DetectionPeriodMs) * time.Millisecond

	return cfg, nil
}

// Default returns a Config populated entirely with spec defaults, useful
// for tests and dry-run mode.
func Default() *Config {
	cfg := &Config{
		System: SystemConfig{
			ThreadPoolSize:       8,
			OrderBookDepth:       models.MaxDepth,
			MarketDataBufferSize: 1024,
			LogLevel:             "info",
		},
		Arbitrage: ArbitrageConfig{
			MinProfitThresholdBps: MinProfitThresholdDefault,
			SyntheticFeeBufferBps: 10,
			MaxPositionSize:       MaxPositionSizeUSD,
			MaxPortfolioExposure:  5 * MaxPositionSizeUSD,
			OpportunityTTLMs:      int(OpportunityTTLDefault / time.Millisecond),
			DetectionPeriod:       100 * time.Millisecond,
			DetectionPeriodMs:     100,
			FundingMinSpreadBps:   2,
			SyntheticMinBps:       5,
			RiskFreeRate:          RiskFreeRateDefault,
		},
		Venues: map[string]VenueConfig{},
	}
	return cfg
}
