// Package config exposes strongly typed application configuration loaded
// from YAML, with environment-variable overrides and documented defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Exchange describes venue connectivity. LiveMode false means orders are
// logged and acknowledged without reaching the venue.
type Exchange struct {
	BaseURL          string  `yaml:"base_url"`
	StreamURL        string  `yaml:"stream_url"`
	APIKey           string  `yaml:"api_key"`
	APISecret        string  `yaml:"api_secret"`
	LiveMode         bool    `yaml:"live_mode"`
	StreamEnabled    bool    `yaml:"stream_enabled"`
	RequestsPerMin   float64 `yaml:"requests_per_min"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	PaperSlippageBps float64 `yaml:"paper_slippage_bps"`
}

// Trading groups the risk and signal knobs from the configuration surface.
// Every field has a documented default applied in Load.
type Trading struct {
	Capital              float64  `yaml:"capital"`
	MaxOpenTrades        int      `yaml:"max_open_trades"`
	MinVolume24h         float64  `yaml:"min_volume_24h"`
	MinMomentumScore     int      `yaml:"min_momentum_score"`
	TPMult               float64  `yaml:"tp_mult"`
	SLMult               float64  `yaml:"sl_mult"`
	MaxHoldMinutes       int      `yaml:"max_hold_minutes"`
	FastExitMinutes      int      `yaml:"fast_exit_minutes"`
	FastExitThresholdPct float64  `yaml:"fast_exit_threshold_pct"`
	MaxLossPerTrade      float64  `yaml:"max_loss_per_trade"`
	MaxPortfolioRisk     float64  `yaml:"max_portfolio_risk"`
	DailyLossLimit       float64  `yaml:"daily_loss_limit"`
	LiquidityCap         float64  `yaml:"liquidity_cap"`
	MinATRPct1Min        float64  `yaml:"min_atr_pct_1min"`
	MinVolRatio          float64  `yaml:"min_vol_ratio"`
	MinThrustPct         float64  `yaml:"min_thrust_pct"`
	PrefilterTopK        int      `yaml:"prefilter_top_k"`
	QuoteAllowlist       []string `yaml:"quote_allowlist"`
	Denylist             []string `yaml:"denylist"`
	NewsBlackoutMin      int      `yaml:"news_blackout_window_min"`
}

// PerTradeFraction is 1/MAX_OPEN_TRADES; the sizing engine derives notional
// from it rather than carrying a second independent knob.
func (t Trading) PerTradeFraction() float64 {
	if t.MaxOpenTrades <= 0 {
		return 0
	}
	return 1.0 / float64(t.MaxOpenTrades)
}

// Session configures one time-of-day boost window. Hours are UTC; windows
// may wrap nothing (End > Start always in practice).
type Session struct {
	Name       string   `yaml:"name"`
	StartHour  int      `yaml:"start_hour"`
	EndHour    int      `yaml:"end_hour"`
	Multiplier float64  `yaml:"multiplier"`
	Symbols    []string `yaml:"symbols"` // base assets with affinity for this session
}

// NewsWindow is a scheduled blackout window during which positions are
// closed ahead of expected volatility. Times are "HH:MM" UTC, daily.
type NewsWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Label string `yaml:"label"`
}

// Schedule holds the cron expressions (with seconds field) that drive the
// scanner and closer workers.
type Schedule struct {
	ScannerCron   string `yaml:"scanner_cron"`
	CloserOffsets []int  `yaml:"closer_offsets"` // seconds within the minute
}

// Database points at the sqlite file backing the ledger and history tables.
type Database struct {
	Path string `yaml:"path"`
}

// Config collects every configuration leaf.
type Config struct {
	App      App          `yaml:"app"`
	Exchange Exchange     `yaml:"exchange"`
	Trading  Trading      `yaml:"trading"`
	Sessions []Session    `yaml:"sessions"`
	News     []NewsWindow `yaml:"news_windows"`
	Schedule Schedule     `yaml:"schedule"`
	Database Database     `yaml:"database"`
}

// Load reads YAML from path (missing file is fine: defaults apply), then
// applies environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envFloat("CAPITAL", &c.Trading.Capital)
	envInt("MAX_OPEN_TRADES", &c.Trading.MaxOpenTrades)
	envFloat("MIN_VOLUME_24H", &c.Trading.MinVolume24h)
	envInt("MIN_MOMENTUM_SCORE", &c.Trading.MinMomentumScore)
	envFloat("TP_MULT", &c.Trading.TPMult)
	envFloat("SL_MULT", &c.Trading.SLMult)
	envInt("MAX_HOLD_MINUTES", &c.Trading.MaxHoldMinutes)
	envInt("FAST_EXIT_MINUTES", &c.Trading.FastExitMinutes)
	envFloat("MAX_LOSS_PER_TRADE", &c.Trading.MaxLossPerTrade)
	envFloat("MAX_PORTFOLIO_RISK", &c.Trading.MaxPortfolioRisk)
	envFloat("DAILY_LOSS_LIMIT", &c.Trading.DailyLossLimit)
	envInt("NEWS_BLACKOUT_WINDOW_MIN", &c.Trading.NewsBlackoutMin)
	envBool("LIVE_MODE", &c.Exchange.LiveMode)
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.App.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "perpbot"
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.MetricsAddr == "" {
		c.App.MetricsAddr = ":9100"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://fapi.binance.com"
	}
	if c.Exchange.StreamURL == "" {
		c.Exchange.StreamURL = "wss://fstream.binance.com/ws"
	}
	if c.Exchange.RequestsPerMin <= 0 {
		// 90% of the venue's published 2400 weight/min budget.
		c.Exchange.RequestsPerMin = 2160
	}
	if c.Exchange.RequestTimeoutMS <= 0 {
		c.Exchange.RequestTimeoutMS = 5000
	}
	if c.Exchange.PaperSlippageBps < 0 {
		c.Exchange.PaperSlippageBps = 0
	}

	t := &c.Trading
	if t.Capital <= 0 {
		t.Capital = 10000
	}
	if t.MaxOpenTrades <= 0 {
		t.MaxOpenTrades = 3
	}
	if t.MinVolume24h <= 0 {
		t.MinVolume24h = 5_000_000
	}
	if t.MinMomentumScore <= 0 {
		t.MinMomentumScore = 60
	}
	if t.TPMult <= 0 {
		t.TPMult = 2.0
	}
	if t.SLMult <= 0 {
		t.SLMult = 1.0
	}
	if t.MaxHoldMinutes <= 0 {
		t.MaxHoldMinutes = 10
	}
	if t.FastExitMinutes <= 0 {
		t.FastExitMinutes = 3
	}
	if t.FastExitThresholdPct <= 0 {
		t.FastExitThresholdPct = 0.3
	}
	if t.MaxLossPerTrade <= 0 {
		t.MaxLossPerTrade = 0.02
	}
	if t.MaxPortfolioRisk <= 0 {
		t.MaxPortfolioRisk = 0.20
	}
	if t.DailyLossLimit <= 0 {
		t.DailyLossLimit = 0.05
	}
	if t.LiquidityCap <= 0 {
		t.LiquidityCap = 0.005
	}
	if t.MinATRPct1Min <= 0 {
		t.MinATRPct1Min = 0.25
	}
	if t.MinVolRatio <= 0 {
		t.MinVolRatio = 1.3
	}
	if t.MinThrustPct <= 0 {
		t.MinThrustPct = 0.20
	}
	if t.PrefilterTopK <= 0 {
		t.PrefilterTopK = 50
	}
	if len(t.QuoteAllowlist) == 0 {
		t.QuoteAllowlist = []string{"USDT"}
	}
	if t.NewsBlackoutMin <= 0 {
		t.NewsBlackoutMin = 10
	}

	if len(c.Sessions) == 0 {
		c.Sessions = DefaultSessions()
	}
	for i := range c.Sessions {
		if c.Sessions[i].Multiplier <= 0 {
			c.Sessions[i].Multiplier = 1.0
		}
	}

	if c.Schedule.ScannerCron == "" {
		c.Schedule.ScannerCron = "0 * * * * *"
	}
	if len(c.Schedule.CloserOffsets) == 0 {
		c.Schedule.CloserOffsets = []int{5, 25, 45}
	}

	if c.Database.Path == "" {
		c.Database.Path = "data/perpbot.db"
	}
}

// DefaultSessions returns the built-in affinity tables. Deployments override
// them in YAML; the scoring code never hard-codes symbol lists.
func DefaultSessions() []Session {
	return []Session{
		{
			Name: "Asia", StartHour: 0, EndHour: 8, Multiplier: 2.0,
			Symbols: []string{"BNB", "TRX", "ADA", "DOT", "ATOM", "FIL", "NEAR", "VET"},
		},
		{
			Name: "Europe", StartHour: 7, EndHour: 16, Multiplier: 1.8,
			Symbols: []string{"BTC", "ETH", "LTC", "XRP", "LINK", "UNI", "AAVE"},
		},
		{
			Name: "US", StartHour: 13, EndHour: 22, Multiplier: 2.0,
			Symbols: []string{"SOL", "AVAX", "DOGE", "ARB", "OP", "INJ", "SUI"},
		},
	}
}

// Validate checks the invariant-bearing fields.
func (c *Config) Validate() error {
	if c.Trading.Capital <= 0 {
		return fmt.Errorf("trading.capital must be positive")
	}
	if c.Trading.MaxPortfolioRisk <= 0 || c.Trading.MaxPortfolioRisk > 1 {
		return fmt.Errorf("trading.max_portfolio_risk must be in (0,1]")
	}
	if c.Trading.DailyLossLimit <= 0 || c.Trading.DailyLossLimit > 1 {
		return fmt.Errorf("trading.daily_loss_limit must be in (0,1]")
	}
	if c.Trading.SLMult <= 0 || c.Trading.TPMult <= 0 {
		return fmt.Errorf("trading.tp_mult and trading.sl_mult must be positive")
	}
	if c.Exchange.LiveMode && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange credentials required in live mode")
	}
	for _, s := range c.Sessions {
		if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 1 || s.EndHour > 24 || s.EndHour <= s.StartHour {
			return fmt.Errorf("session %q has invalid window [%d,%d)", s.Name, s.StartHour, s.EndHour)
		}
	}
	return nil
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
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
