package config

import "strings"

// Config is the main configuration carrier.
type Config struct {
	App      AppConfig      `toml:"app"`
	Exchange ExchangeConfig `toml:"exchange"`
	Trading  TradingConfig  `toml:"trading"`
	Risk     RiskConfig     `toml:"risk"`
	Learner  LearnerConfig  `toml:"learner"`
	Notify   NotifyConfig   `toml:"notify"`
	Store    StoreConfig    `toml:"store"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type ExchangeConfig struct {
	Name           string `toml:"name"`
	APIKey         string `toml:"api_key"`
	APISecret      string `toml:"api_secret"`
	RESTBaseURL    string `toml:"rest_base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// TradingConfig drives the cycle cadence and the initial adaptive
// parameters. The learner may move the adaptive ones at runtime; these are
// only their starting values.
type TradingConfig struct {
	Instruments         []string           `toml:"instruments"`
	Interval            string             `toml:"interval"`
	CandleLimit         int                `toml:"candle_limit"`
	OffsetSeconds       int                `toml:"offset_seconds"`
	RunImmediately      bool               `toml:"run_immediately"`
	ConfidenceThreshold float64            `toml:"confidence_threshold"`
	StopLossPct         float64            `toml:"stop_loss_pct"`
	TakeProfitPct       float64            `toml:"take_profit_pct"`
	MaxTradesPerDay     int                `toml:"max_trades_per_day"`
	RiskPerTradePct     float64            `toml:"risk_per_trade_pct"`
	MinQuantities       map[string]float64 `toml:"min_quantities"`
	TrailTriggerPct     float64            `toml:"trail_trigger_pct"`
	TrailDistancePct    float64            `toml:"trail_distance_pct"`
}

type RiskConfig struct {
	FetchConcurrency int `toml:"fetch_concurrency"`
}

type LearnerConfig struct {
	Enabled                bool    `toml:"enabled"`
	EveryCycles            int     `toml:"every_cycles"`
	Window                 int     `toml:"window"`
	WinRateFloor           float64 `toml:"win_rate_floor"`
	OvertradeCeiling       int     `toml:"overtrade_ceiling"`
	MinInstrumentTrades    int     `toml:"min_instrument_trades"`
	InstrumentFloor        float64 `toml:"instrument_floor"`
	InstrumentCeiling      float64 `toml:"instrument_ceiling"`
	ConfidenceThresholdMin float64 `toml:"confidence_threshold_min"`
	ConfidenceThresholdMax float64 `toml:"confidence_threshold_max"`
	MaxTradesPerDayMin     int     `toml:"max_trades_per_day_min"`
	MaxTradesPerDayMax     int     `toml:"max_trades_per_day_max"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// NormalizedInstruments returns the instrument list upper-cased, trimmed,
// and deduplicated in configured order.
func (t TradingConfig) NormalizedInstruments() []string {
	seen := make(map[string]bool, len(t.Instruments))
	out := make([]string, 0, len(t.Instruments))
	for _, sym := range t.Instruments {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
