package config

func (cfg *Config) applyDefaults() {
	if cfg.App.Env == "" {
		cfg.App.Env = "prod"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = ":9985"
	}

	if cfg.Exchange.Name == "" {
		cfg.Exchange.Name = "binance"
	}
	if cfg.Exchange.TimeoutSeconds <= 0 {
		cfg.Exchange.TimeoutSeconds = 10
	}

	if cfg.Trading.Interval == "" {
		cfg.Trading.Interval = "15m"
	}
	if cfg.Trading.CandleLimit <= 0 {
		cfg.Trading.CandleLimit = 120
	}
	if cfg.Trading.OffsetSeconds < 0 {
		cfg.Trading.OffsetSeconds = 0
	}
	if cfg.Trading.ConfidenceThreshold <= 0 {
		cfg.Trading.ConfidenceThreshold = 70
	}
	if cfg.Trading.StopLossPct <= 0 {
		cfg.Trading.StopLossPct = 2
	}
	if cfg.Trading.TakeProfitPct <= 0 {
		cfg.Trading.TakeProfitPct = 4
	}
	if cfg.Trading.MaxTradesPerDay <= 0 {
		cfg.Trading.MaxTradesPerDay = 10
	}
	if cfg.Trading.RiskPerTradePct <= 0 {
		cfg.Trading.RiskPerTradePct = 5
	}
	if cfg.Trading.TrailTriggerPct <= 0 {
		cfg.Trading.TrailTriggerPct = 10
	}
	if cfg.Trading.TrailDistancePct <= 0 {
		cfg.Trading.TrailDistancePct = 2
	}

	if cfg.Risk.FetchConcurrency <= 0 {
		cfg.Risk.FetchConcurrency = 4
	}

	if cfg.Learner.EveryCycles <= 0 {
		cfg.Learner.EveryCycles = 12
	}
	if cfg.Learner.Window <= 0 {
		cfg.Learner.Window = 50
	}
	if cfg.Learner.WinRateFloor <= 0 {
		cfg.Learner.WinRateFloor = 0.40
	}
	if cfg.Learner.OvertradeCeiling <= 0 {
		cfg.Learner.OvertradeCeiling = 30
	}
	if cfg.Learner.MinInstrumentTrades <= 0 {
		cfg.Learner.MinInstrumentTrades = 3
	}
	if cfg.Learner.InstrumentFloor <= 0 {
		cfg.Learner.InstrumentFloor = 0.35
	}
	if cfg.Learner.InstrumentCeiling <= 0 {
		cfg.Learner.InstrumentCeiling = 0.65
	}
	if cfg.Learner.ConfidenceThresholdMin <= 0 {
		cfg.Learner.ConfidenceThresholdMin = 50
	}
	if cfg.Learner.ConfidenceThresholdMax <= 0 {
		cfg.Learner.ConfidenceThresholdMax = 90
	}
	if cfg.Learner.MaxTradesPerDayMin <= 0 {
		cfg.Learner.MaxTradesPerDayMin = 2
	}
	if cfg.Learner.MaxTradesPerDayMax <= 0 {
		cfg.Learner.MaxTradesPerDayMax = 50
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/marlin.db"
	}
}
