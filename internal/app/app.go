// Package app wires the configured components into a runnable service:
// exchange gateway, trade store, position supervisor, learner, engine,
// scheduler, and the status HTTP server.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"marlin/internal/analysis/predict"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/config"
	"marlin/internal/engine"
	"marlin/internal/gateway/binance"
	"marlin/internal/gateway/notifier"
	"marlin/internal/learner"
	"marlin/internal/logger"
	"marlin/internal/position"
	"marlin/internal/risk"
	"marlin/internal/scheduler"
	"marlin/internal/store"
	statushttp "marlin/internal/transport/http/status"
)

type App struct {
	cfg     *config.Config
	watcher *config.Watcher
	eng     *engine.Engine
	sup     *position.Supervisor
	sched   *scheduler.Scheduler
	httpSrv *statushttp.Server
	st      *store.Store
}

func New(cfg *config.Config, cfgPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	if dump, err := config.Dump(*cfg); err == nil {
		logger.Debugf("effective config:\n%s", dump)
	}

	gw := binance.New(binance.Config{
		APIKey:      cfg.Exchange.APIKey,
		APISecret:   cfg.Exchange.APISecret,
		RESTBaseURL: cfg.Exchange.RESTBaseURL,
		HTTPTimeout: time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second,
	})

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open trade store: %w", err)
	}

	var notify notifier.TextNotifier = notifier.Nop{}
	if cfg.Notify.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	params := learner.NewParamStore(learner.ParameterSet{
		ConfidenceThreshold: cfg.Trading.ConfidenceThreshold,
		StopLossPercent:     cfg.Trading.StopLossPct,
		TakeProfitPercent:   cfg.Trading.TakeProfitPct,
		MaxTradesPerDay:     cfg.Trading.MaxTradesPerDay,
		RiskPerTradePercent: cfg.Trading.RiskPerTradePct,
		UpdatedAt:           time.Now().UTC(),
	})
	bounds := learner.Bounds{
		ConfidenceThresholdMin: cfg.Learner.ConfidenceThresholdMin,
		ConfidenceThresholdMax: cfg.Learner.ConfidenceThresholdMax,
		MaxTradesPerDayMin:     cfg.Learner.MaxTradesPerDayMin,
		MaxTradesPerDayMax:     cfg.Learner.MaxTradesPerDayMax,
	}

	sup := position.NewSupervisor(gw, st, position.Options{
		TrailTrigger:  cfg.Trading.TrailTriggerPct / 100,
		TrailDistance: cfg.Trading.TrailDistancePct / 100,
		CallTimeout:   time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second,
	})

	var learn *learner.Learner
	if cfg.Learner.Enabled {
		learn = learner.New(st, params, bounds, learner.Config{
			Window:                   cfg.Learner.Window,
			WinRateFloor:             cfg.Learner.WinRateFloor,
			OvertradeCeiling:         cfg.Learner.OvertradeCeiling,
			MinInstrumentTrades:      cfg.Learner.MinInstrumentTrades,
			InstrumentWinRateFloor:   cfg.Learner.InstrumentFloor,
			InstrumentWinRateCeiling: cfg.Learner.InstrumentCeiling,
			ThresholdStep:            5,
			CapStep:                  2,
		}, notify)
	}

	eng := engine.New(engine.Config{
		Instruments:      cfg.Trading.NormalizedInstruments(),
		Interval:         cfg.Trading.Interval,
		CandleLimit:      cfg.Trading.CandleLimit,
		LearnEvery:       cfg.Learner.EveryCycles,
		FetchConcurrency: cfg.Risk.FetchConcurrency,
		CallTimeout:      time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second,
	}, gw, sup, risk.NewManager(cfg.Trading.MinQuantities), params, learn,
		sentiment.NewFearGreedService(), predict.Heuristic{}, notify)

	interval, ok := scheduler.ParseIntervalDuration(cfg.Trading.Interval)
	if !ok {
		return nil, fmt.Errorf("invalid trading interval: %q", cfg.Trading.Interval)
	}
	sched := scheduler.New(interval, time.Duration(cfg.Trading.OffsetSeconds)*time.Second)
	sched.RunImmediately = cfg.Trading.RunImmediately

	httpSrv, err := statushttp.NewServer(statushttp.ServerConfig{
		Addr:   cfg.App.HTTPAddr,
		Engine: eng,
	})
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, eng: eng, sup: sup, sched: sched, httpSrv: httpSrv, st: st}
	if cfgPath != "" {
		w, err := config.NewWatcher(cfgPath)
		if err != nil {
			logger.Warnf("config watcher disabled: %v", err)
		} else {
			w.Subscribe(func(snap config.Snapshot) {
				logger.SetLevel(snap.Config.App.LogLevel)
				eng.SetInstruments(snap.Config.Trading.NormalizedInstruments())
			})
			a.watcher = w
		}
	}
	return a, nil
}

// Run rehydrates open positions from the store, then serves until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	if err := a.sup.Rehydrate(ctx); err != nil {
		logger.Warnf("rehydrate failed, starting with empty book: %v", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("status http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		a.sched.Start(ctx, func(cycleCtx context.Context) {
			if err := a.eng.RunCycle(cycleCtx); err != nil {
				logger.Errorf("cycle failed: %v", err)
			}
		})
		return nil
	})
	return group.Wait()
}

// Engine exposes the engine, used by replay and test harnesses.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.eng
}
