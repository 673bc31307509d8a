// Package config provides configuration management for the wheel engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when a field is left unset.
const (
	defaultTimezone         = "America/New_York"
	defaultTargetDTE        = 7
	defaultDTETolerance     = 2
	defaultDeltaMin         = 0.10
	defaultDeltaMax         = 0.20
	defaultContracts        = 1
	defaultHorizonPadDays   = 7
	defaultTickSize         = 0.01
	defaultOrderDuration    = "day"
	defaultMaxRetries       = 3
	defaultInitialBackoff   = time.Second
	defaultMaxBackoff       = 10 * time.Second
	defaultCallTimeout      = 10 * time.Second
	defaultMaxRunDuration   = 5 * time.Minute
	defaultMinTimeRemaining = 15 * time.Second
	defaultLedgerTTL        = 36 * time.Hour
	defaultStoragePath      = "wheel_state.json"
	defaultLocalListen      = "127.0.0.1:8080"
	defaultPublicListen     = ":8080"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Watchlist   []string          `yaml:"watchlist"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Trigger     TriggerConfig     `yaml:"trigger"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // json | text
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider       string               `yaml:"provider"` // tradier | mock
	APIKey         string               `yaml:"api_key"`
	APIEndpoint    string               `yaml:"api_endpoint"`
	AccountID      string               `yaml:"account_id"`
	Timeout        time.Duration        `yaml:"timeout"`
	RateLimits     RateLimitConfig      `yaml:"rate_limits"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RateLimitConfig caps requests per minute by endpoint category.
type RateLimitConfig struct {
	MarketData int `yaml:"market_data"`
	Trading    int `yaml:"trading"`
	Standard   int `yaml:"standard"`
}

// CircuitBreakerConfig configures the broker circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// StrategyConfig holds the per-side filter parameters.
type StrategyConfig struct {
	Put                   SideConfig `yaml:"put"`
	Call                  SideConfig `yaml:"call"`
	ChainHorizonPadDays   int        `yaml:"chain_horizon_pad_days"`
	CallReentryWindowDays int        `yaml:"call_reentry_window_days"`
}

// SideConfig is one parameter set of the filter pipeline. Puts and calls use
// the same shape.
type SideConfig struct {
	Contracts       int     `yaml:"contracts"`
	TargetDTE       int     `yaml:"target_dte"`
	DTETolerance    int     `yaml:"dte_tolerance"`
	DeltaMin        float64 `yaml:"delta_min"`
	DeltaMax        float64 `yaml:"delta_max"`
	MinPremium      float64 `yaml:"min_premium"`
	MinVolume       int64   `yaml:"min_volume"`
	MinOpenInterest int64   `yaml:"min_open_interest"`
	PriceOffset     float64 `yaml:"price_offset"`
}

// MinDTE is the low edge of the DTE window.
func (s SideConfig) MinDTE() int {
	if s.TargetDTE-s.DTETolerance < 0 {
		return 0
	}
	return s.TargetDTE - s.DTETolerance
}

// MaxDTE is the high edge of the DTE window.
func (s SideConfig) MaxDTE() int {
	return s.TargetDTE + s.DTETolerance
}

// DeltaMidpoint is the tie-break target inside the delta band.
func (s SideConfig) DeltaMidpoint() float64 {
	return (s.DeltaMin + s.DeltaMax) / 2
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	MaxNotionalPerUnderlying float64        `yaml:"max_notional_per_underlying"`
	MaxPositionFraction      float64        `yaml:"max_position_fraction"`
	Gap                      GapConfig      `yaml:"gap"`
	CallStopLoss             StopLossConfig `yaml:"call_stop_loss"`
}

// GapConfig classifies previous-close to last-quote moves.
type GapConfig struct {
	ElevatedPct float64 `yaml:"elevated_pct"`
	HaltPct     float64 `yaml:"halt_pct"`
}

// StopLossConfig is the call stop-loss and its relaxation curve.
type StopLossConfig struct {
	StopLossPct float64     `yaml:"stop_loss_pct"`
	TimeDecay   []DecayStep `yaml:"time_decay"`
}

// DecayStep multiplies the stop threshold when DTE <= MaxDTE.
type DecayStep struct {
	MaxDTE     int     `yaml:"max_dte"`
	Multiplier float64 `yaml:"multiplier"`
}

// ExecutionConfig controls order pricing and retries.
type ExecutionConfig struct {
	TickSize       float64       `yaml:"tick_size"`
	Duration       string        `yaml:"duration"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// ScheduleConfig defines when runs happen and how long they may take.
type ScheduleConfig struct {
	Timezone          string        `yaml:"timezone"`
	Runs              []string      `yaml:"runs"` // cron specs, minute resolution
	MaxRunDuration    time.Duration `yaml:"max_run_duration"`
	MinTimeRemaining  time.Duration `yaml:"min_time_remaining"`
	ScanWorkers       int           `yaml:"scan_workers"`
	RequireMarketOpen bool          `yaml:"require_market_open"`
}

// StorageConfig defines storage settings for cycle data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig selects where idempotency keys are remembered.
type LedgerConfig struct {
	Backend       string        `yaml:"backend"` // store | redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// TriggerConfig configures the HTTP "run now" endpoint.
type TriggerConfig struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file beside the config is loaded first so ${VARS} can be expanded.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, normalizes and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("environment.log_format must be 'json' or 'text'")
	}

	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case "mock":
		if !c.IsPaperTrading() {
			return fmt.Errorf("broker.provider 'mock' requires environment.mode 'paper'")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'mock'")
	}
	if cb := c.Broker.CircuitBreaker; cb.Enabled && (cb.FailureRatio <= 0 || cb.FailureRatio > 1) {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be in (0,1]")
	}

	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist must contain at least one underlying")
	}
	seen := make(map[string]bool, len(c.Watchlist))
	for _, sym := range c.Watchlist {
		if sym == "" {
			return fmt.Errorf("watchlist contains an empty symbol")
		}
		if seen[sym] {
			return fmt.Errorf("watchlist contains %s twice", sym)
		}
		seen[sym] = true
	}

	if err := c.Strategy.Put.validate("strategy.put"); err != nil {
		return err
	}
	if err := c.Strategy.Call.validate("strategy.call"); err != nil {
		return err
	}
	if c.Strategy.CallReentryWindowDays < 0 {
		return fmt.Errorf("strategy.call_reentry_window_days must be >= 0")
	}

	if c.Risk.MaxNotionalPerUnderlying <= 0 {
		return fmt.Errorf("risk.max_notional_per_underlying must be > 0")
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be in (0,1]")
	}
	if c.Risk.Gap.ElevatedPct <= 0 || c.Risk.Gap.HaltPct <= 0 {
		return fmt.Errorf("risk.gap.elevated_pct and risk.gap.halt_pct must be > 0")
	}
	if c.Risk.Gap.ElevatedPct > c.Risk.Gap.HaltPct {
		return fmt.Errorf("risk.gap.elevated_pct (%.4f) must be <= risk.gap.halt_pct (%.4f)",
			c.Risk.Gap.ElevatedPct, c.Risk.Gap.HaltPct)
	}
	if c.Risk.CallStopLoss.StopLossPct <= 0 {
		return fmt.Errorf("risk.call_stop_loss.stop_loss_pct must be > 0")
	}
	for i, step := range c.Risk.CallStopLoss.TimeDecay {
		if step.MaxDTE < 0 || step.Multiplier < 1 {
			return fmt.Errorf("risk.call_stop_loss.time_decay[%d] needs max_dte >= 0 and multiplier >= 1", i)
		}
		if i > 0 && step.MaxDTE <= c.Risk.CallStopLoss.TimeDecay[i-1].MaxDTE {
			return fmt.Errorf("risk.call_stop_loss.time_decay must be sorted by ascending max_dte")
		}
	}

	if c.Execution.TickSize <= 0 {
		return fmt.Errorf("execution.tick_size must be > 0")
	}
	if c.Execution.Duration != "day" && c.Execution.Duration != "gtc" {
		return fmt.Errorf("execution.duration must be 'day' or 'gtc'")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must be >= 0")
	}
	if c.Execution.MaxBackoff < c.Execution.InitialBackoff {
		return fmt.Errorf("execution.max_backoff must be >= execution.initial_backoff")
	}

	// the default zone falls back to a fixed offset in Location
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil && c.Schedule.Timezone != defaultTimezone {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if c.Schedule.MinTimeRemaining >= c.Schedule.MaxRunDuration {
		return fmt.Errorf("schedule.min_time_remaining must be < schedule.max_run_duration")
	}
	if c.Schedule.ScanWorkers < 1 {
		return fmt.Errorf("schedule.scan_workers must be >= 1")
	}

	if _, _, err := net.SplitHostPort(c.Trigger.Listen); err != nil {
		return fmt.Errorf("trigger.listen invalid: %w", err)
	}
	if !c.IsPaperTrading() && c.Trigger.AuthToken == "" && !isLoopback(c.Trigger.Listen) {
		return fmt.Errorf("trigger.auth_token is required in live mode when trigger.listen (%s) is not loopback", c.Trigger.Listen)
	}

	switch c.Ledger.Backend {
	case "store":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("ledger.redis_addr is required when ledger.backend is 'redis'")
		}
	default:
		return fmt.Errorf("ledger.backend must be 'store' or 'redis'")
	}

	return nil
}

func (s SideConfig) validate(path string) error {
	if s.Contracts <= 0 {
		return fmt.Errorf("%s.contracts must be > 0", path)
	}
	if s.TargetDTE <= 0 {
		return fmt.Errorf("%s.target_dte must be > 0", path)
	}
	if s.DTETolerance < 0 {
		return fmt.Errorf("%s.dte_tolerance must be >= 0", path)
	}
	if s.DeltaMin <= 0 || s.DeltaMax >= 1 || s.DeltaMin > s.DeltaMax {
		return fmt.Errorf("%s delta band must satisfy 0 < delta_min <= delta_max < 1", path)
	}
	if s.MinPremium < 0 {
		return fmt.Errorf("%s.min_premium must be >= 0", path)
	}
	if s.MinVolume < 0 || s.MinOpenInterest < 0 {
		return fmt.Errorf("%s liquidity floors must be >= 0", path)
	}
	return nil
}

// normalize sets default values for unset fields
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = defaultCallTimeout
	}
	for i, sym := range c.Watchlist {
		c.Watchlist[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	c.Strategy.Put.normalize()
	c.Strategy.Call.normalize()
	if c.Strategy.ChainHorizonPadDays == 0 {
		c.Strategy.ChainHorizonPadDays = defaultHorizonPadDays
	}
	if c.Execution.TickSize == 0 {
		c.Execution.TickSize = defaultTickSize
	}
	if c.Execution.Duration == "" {
		c.Execution.Duration = defaultOrderDuration
	}
	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = defaultMaxRetries
	}
	if c.Execution.InitialBackoff == 0 {
		c.Execution.InitialBackoff = defaultInitialBackoff
	}
	if c.Execution.MaxBackoff == 0 {
		c.Execution.MaxBackoff = defaultMaxBackoff
	}
	if c.Execution.CallTimeout == 0 {
		c.Execution.CallTimeout = c.Broker.Timeout
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.MaxRunDuration == 0 {
		c.Schedule.MaxRunDuration = defaultMaxRunDuration
	}
	if c.Schedule.MinTimeRemaining == 0 {
		c.Schedule.MinTimeRemaining = defaultMinTimeRemaining
	}
	if c.Schedule.ScanWorkers == 0 {
		c.Schedule.ScanWorkers = 1
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "store"
	}
	if c.Ledger.TTL == 0 {
		c.Ledger.TTL = defaultLedgerTTL
	}
	if c.Trigger.Listen == "" {
		// without a token the run endpoint stays on this host
		c.Trigger.Listen = defaultLocalListen
		if c.Trigger.AuthToken != "" {
			c.Trigger.Listen = defaultPublicListen
		}
	}
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *SideConfig) normalize() {
	if s.Contracts == 0 {
		s.Contracts = defaultContracts
	}
	if s.TargetDTE == 0 {
		s.TargetDTE = defaultTargetDTE
		if s.DTETolerance == 0 {
			s.DTETolerance = defaultDTETolerance
		}
	}
	if s.DeltaMin == 0 && s.DeltaMax == 0 {
		s.DeltaMin, s.DeltaMax = defaultDeltaMin, defaultDeltaMax
	}
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the market timezone, falling back to a fixed ET offset on
// minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}
