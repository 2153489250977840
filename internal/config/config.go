package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vitos/delta_neutral/internal/domain"
)

type Mode string

const (
	ModeObserve Mode = "observe"
	ModeAuto    Mode = "auto"
)

// VenueConfig identifies one venue integration and its endpoints. Credentials
// live in a separate .env file so the yaml config can be committed.
type VenueConfig struct {
	Name         string `yaml:"name"`
	EnvFile      string `yaml:"env_file"`
	RESTEndpoint string `yaml:"rest_endpoint"`
	WSEndpoint   string `yaml:"ws_endpoint"`
}

// InstrumentConfig maps one logical instrument to venue-specific symbols.
type InstrumentConfig struct {
	Symbol          string `yaml:"symbol"`
	BybitSymbol     string `yaml:"bybit_symbol"`
	HyperliquidCoin string `yaml:"hyperliquid_coin"`
}

// VenueSymbol returns the venue-native symbol for the given venue name.
func (i InstrumentConfig) VenueSymbol(venue string) string {
	switch venue {
	case "bybit":
		return i.BybitSymbol
	case "hyperliquid":
		return i.HyperliquidCoin
	}
	return ""
}

// EntryConfig parameterizes the hedged entry/exit protocol.
// Offsets are fractions (0.02 = 2%), slippages are percent values.
type EntryConfig struct {
	Size       float64 `yaml:"size"`        // chunk size in base units
	TargetSize float64 `yaml:"target_size"` // total position to accumulate (open mode)
	Direction  string  `yaml:"direction"`   // long/short relative to the primary venue

	OffsetPct           float64 `yaml:"offset_pct"`
	OffsetRetryPct      float64 `yaml:"offset_retry_pct"`
	CloseOffsetPct      float64 `yaml:"close_offset_pct"`
	CloseOffsetRetryPct float64 `yaml:"close_offset_retry_pct"`

	PostOnly                bool    `yaml:"post_only"`
	PostOnlyFallbackFactor  float64 `yaml:"post_only_fallback_factor"`
	PostOnlyFallbackRetries int     `yaml:"post_only_fallback_retries"`
	PostOnlyFallbackMaxPct  float64 `yaml:"post_only_fallback_max_pct"`

	SlippagePct          float64 `yaml:"slippage_pct"`
	SecondarySlippagePct float64 `yaml:"secondary_slippage_pct"`
	IOCMinCrossPct       float64 `yaml:"ioc_min_cross_pct"` // slippage floor guaranteeing a cross

	PollIntervalSec        float64 `yaml:"poll_interval_sec"`
	RepriceIntervalSec     float64 `yaml:"reprice_interval_sec"`
	HedgeConfirmTimeoutSec float64 `yaml:"hedge_confirm_timeout_sec"`
	HedgeConfirmPollSec    float64 `yaml:"hedge_confirm_poll_sec"`

	HedgeRetryCount          int     `yaml:"hedge_retry_count"`
	HedgeRetrySlippageMult   float64 `yaml:"hedge_retry_slippage_mult"`
	HedgeRetryMaxSlippagePct float64 `yaml:"hedge_retry_max_slippage_pct"`

	HedgeMarginBuffer    float64 `yaml:"hedge_margin_buffer"`    // fraction of available margin usable for the hedge
	SecondaryMaxLeverage float64 `yaml:"secondary_max_leverage"` // leverage assumed when sizing the hedge pre-check
	CloseMinNotional     float64 `yaml:"close_min_notional"`     // final close chunk must clear venue minimums
}

func (e EntryConfig) PollInterval() time.Duration {
	return secToDuration(e.PollIntervalSec)
}

func (e EntryConfig) RepriceInterval() time.Duration {
	return secToDuration(e.RepriceIntervalSec)
}

func (e EntryConfig) HedgeConfirmTimeout() time.Duration {
	return secToDuration(e.HedgeConfirmTimeoutSec)
}

func (e EntryConfig) HedgeConfirmPoll() time.Duration {
	return secToDuration(e.HedgeConfirmPollSec)
}

type Config struct {
	Mode Mode `yaml:"mode"`

	PrimaryVenue   VenueConfig `yaml:"primary_venue"`
	SecondaryVenue VenueConfig `yaml:"secondary_venue"`

	Instruments []InstrumentConfig `yaml:"instruments"`
	Risk        domain.RiskLimits  `yaml:"risk"`

	CycleIntervalSec float64 `yaml:"cycle_interval_sec"`
	MaxRetries       int     `yaml:"max_retries"`
	BackoffBaseSec   float64 `yaml:"backoff_base_sec"`

	OrderPostOnly  bool    `yaml:"order_post_only"`
	PriceOffsetPct float64 `yaml:"price_offset_pct"` // maker bias for rebalance orders, percent of ref

	Entry EntryConfig `yaml:"entry"`

	DBPath string `yaml:"db_path"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func (c *Config) CycleInterval() time.Duration {
	return secToDuration(c.CycleIntervalSec)
}

func (c *Config) BackoffBase() time.Duration {
	return secToDuration(c.BackoffBaseSec)
}

// Instrument looks up the mapping for a logical symbol.
func (c *Config) Instrument(symbol string) (InstrumentConfig, bool) {
	for _, inst := range c.Instruments {
		if inst.Symbol == symbol {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}

func secToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// ValidationError marks configuration problems that must stop the process
// before any order can be placed.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

var supportedVenues = map[string]bool{"bybit": true, "hyperliquid": true}

// Load reads, defaults and validates the yaml config, then loads the venue
// .env files into the process environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := defaults()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	for _, venue := range []VenueConfig{cfg.PrimaryVenue, cfg.SecondaryVenue} {
		if venue.EnvFile == "" {
			continue
		}
		if err := godotenv.Load(venue.EnvFile); err != nil {
			return nil, fmt.Errorf("load %s env file %s: %w", venue.Name, venue.EnvFile, err)
		}
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{
		Mode:             ModeObserve,
		CycleIntervalSec: 10,
		MaxRetries:       3,
		BackoffBaseSec:   1,
		OrderPostOnly:    true,
		PriceOffsetPct:   0.01,
		DBPath:           "delta.db",
		Risk: domain.RiskLimits{
			MaxDeltaBase:     0.01,
			MaxDeltaUSD:      1000.0,
			MaxOrderSizeBase: 0.05,
			MaxPositionBase:  1.0,
			MinBalanceUSD:    100.0,
		},
		Entry: EntryConfig{
			Direction:                "long",
			OffsetPct:                0.02,
			PostOnly:                 true,
			PostOnlyFallbackFactor:   1.5,
			PostOnlyFallbackRetries:  4,
			PostOnlyFallbackMaxPct:   0.30,
			SlippagePct:              0.05,
			IOCMinCrossPct:           0.2,
			PollIntervalSec:          1.5,
			RepriceIntervalSec:       30,
			HedgeConfirmTimeoutSec:   3,
			HedgeConfirmPollSec:      0.2,
			HedgeRetryCount:          2,
			HedgeRetrySlippageMult:   1.8,
			HedgeRetryMaxSlippagePct: 1.0,
			HedgeMarginBuffer:        0.90,
			SecondaryMaxLeverage:     1.0,
			CloseMinNotional:         105.0,
		},
	}
	cfg.Logging.Level = "info"
	cfg.Server.Port = 8080
	return cfg
}

func (c *Config) validate() error {
	if c.Mode != ModeObserve && c.Mode != ModeAuto {
		return &ValidationError{"mode", "must be observe or auto"}
	}

	for _, v := range []struct {
		venue VenueConfig
		field string
	}{
		{c.PrimaryVenue, "primary_venue"},
		{c.SecondaryVenue, "secondary_venue"},
	} {
		name := strings.ToLower(v.venue.Name)
		if !supportedVenues[name] {
			return &ValidationError{v.field + ".name", "must be bybit or hyperliquid"}
		}
	}
	if strings.EqualFold(c.PrimaryVenue.Name, c.SecondaryVenue.Name) {
		return &ValidationError{"secondary_venue.name", "must differ from primary_venue.name"}
	}

	if len(c.Instruments) == 0 {
		return &ValidationError{"instruments", "at least one instrument is required"}
	}
	seen := make(map[string]bool)
	for i, inst := range c.Instruments {
		field := fmt.Sprintf("instruments[%d]", i)
		if inst.Symbol == "" {
			return &ValidationError{field + ".symbol", "must be a non-empty string"}
		}
		if seen[inst.Symbol] {
			return &ValidationError{field + ".symbol", "duplicate symbol " + inst.Symbol}
		}
		seen[inst.Symbol] = true
		for _, venue := range []string{strings.ToLower(c.PrimaryVenue.Name), strings.ToLower(c.SecondaryVenue.Name)} {
			if inst.VenueSymbol(venue) == "" {
				return &ValidationError{field, "missing mapping for venue " + venue}
			}
		}
	}

	r := c.Risk
	if r.MaxDeltaBase < 0 {
		return &ValidationError{"risk.max_delta_base", "must be >= 0"}
	}
	if r.MaxDeltaUSD < 0 {
		return &ValidationError{"risk.max_delta_usd", "must be >= 0"}
	}
	if r.MaxOrderSizeBase <= 0 {
		return &ValidationError{"risk.max_order_size_base", "must be > 0"}
	}
	if r.MaxPositionBase <= 0 {
		return &ValidationError{"risk.max_position_base", "must be > 0"}
	}
	if r.MinBalanceUSD < 0 {
		return &ValidationError{"risk.min_balance_usd", "must be >= 0"}
	}

	if c.CycleIntervalSec <= 0 {
		return &ValidationError{"cycle_interval_sec", "must be > 0"}
	}
	if c.MaxRetries < 0 {
		return &ValidationError{"max_retries", "must be >= 0"}
	}
	if c.BackoffBaseSec < 0 {
		return &ValidationError{"backoff_base_sec", "must be >= 0"}
	}
	if c.PriceOffsetPct < 0 {
		return &ValidationError{"price_offset_pct", "must be >= 0"}
	}

	e := &c.Entry
	if e.Direction != "long" && e.Direction != "short" {
		return &ValidationError{"entry.direction", "must be long or short"}
	}
	if e.OffsetRetryPct == 0 {
		e.OffsetRetryPct = e.OffsetPct * 2
	}
	if e.CloseOffsetPct == 0 {
		e.CloseOffsetPct = e.OffsetPct
	}
	if e.CloseOffsetRetryPct == 0 {
		e.CloseOffsetRetryPct = e.CloseOffsetPct * 2
	}
	if e.SecondarySlippagePct == 0 {
		e.SecondarySlippagePct = e.SlippagePct
	}
	if e.PostOnlyFallbackFactor <= 1.0 {
		e.PostOnlyFallbackFactor = 1.5
	}
	if e.PostOnlyFallbackRetries < 0 {
		e.PostOnlyFallbackRetries = 0
	}
	if e.PostOnlyFallbackMaxPct <= 0 {
		e.PostOnlyFallbackMaxPct = 0.30
	}
	if e.HedgeMarginBuffer <= 0 || e.HedgeMarginBuffer > 1 {
		e.HedgeMarginBuffer = 0.90
	}
	if e.SecondaryMaxLeverage <= 0 {
		e.SecondaryMaxLeverage = 1.0
	}
	if e.CloseMinNotional <= 0 {
		e.CloseMinNotional = 105.0
	}
	if e.HedgeConfirmTimeoutSec < 0 {
		e.HedgeConfirmTimeoutSec = 0
	}
	if e.HedgeConfirmPollSec <= 0 {
		e.HedgeConfirmPollSec = 0.2
	}
	if e.HedgeRetryCount < 0 {
		e.HedgeRetryCount = 0
	}
	if e.HedgeRetrySlippageMult <= 1.0 {
		e.HedgeRetrySlippageMult = 1.8
	}
	if e.HedgeRetryMaxSlippagePct <= 0 {
		e.HedgeRetryMaxSlippagePct = 1.0
	}
	if e.PollIntervalSec <= 0 {
		e.PollIntervalSec = 1.5
	}

	return nil
}
