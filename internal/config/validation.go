package config

import (
	"fmt"
	"strings"

	"marlin/internal/scheduler"
)

func validate(c *Config) error {
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Learner.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if strings.ToLower(strings.TrimSpace(e.Name)) != "binance" {
		return fmt.Errorf("exchange.name only supports binance, got %q", e.Name)
	}
	if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
		return fmt.Errorf("exchange.api_key and exchange.api_secret are required")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if len(t.NormalizedInstruments()) == 0 {
		return fmt.Errorf("trading.instruments requires at least one symbol")
	}
	if _, ok := scheduler.ParseIntervalDuration(t.Interval); !ok {
		return fmt.Errorf("trading.interval is invalid: %q", t.Interval)
	}
	if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 100 {
		return fmt.Errorf("trading.confidence_threshold must be within [0, 100]")
	}
	if t.StopLossPct <= 0 || t.StopLossPct >= 100 {
		return fmt.Errorf("trading.stop_loss_pct must be within (0, 100)")
	}
	if t.TakeProfitPct <= 0 || t.TakeProfitPct >= 100 {
		return fmt.Errorf("trading.take_profit_pct must be within (0, 100)")
	}
	if t.RiskPerTradePct <= 0 || t.RiskPerTradePct > 20 {
		return fmt.Errorf("trading.risk_per_trade_pct must be within (0, 20]")
	}
	for sym, qty := range t.MinQuantities {
		if qty <= 0 {
			return fmt.Errorf("trading.min_quantities.%s must be positive", sym)
		}
	}
	return nil
}

func (l *LearnerConfig) validate() error {
	if l.ConfidenceThresholdMin > l.ConfidenceThresholdMax {
		return fmt.Errorf("learner.confidence_threshold_min exceeds max")
	}
	if l.MaxTradesPerDayMin > l.MaxTradesPerDayMax {
		return fmt.Errorf("learner.max_trades_per_day_min exceeds max")
	}
	if l.WinRateFloor >= 1 || l.InstrumentFloor >= 1 || l.InstrumentCeiling > 1 {
		return fmt.Errorf("learner win-rate bounds must be fractions in (0, 1]")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}
