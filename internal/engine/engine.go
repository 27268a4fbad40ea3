// Package engine runs the trading cycle: gather market state per
// instrument, score signals, reconcile and supervise positions, allocate
// capital, and execute. Per-instrument evaluation runs in parallel;
// everything that touches position state or places orders is serialized.
// One instrument failing never aborts the cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marlin/internal/analysis/indicator"
	"marlin/internal/analysis/predict"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/analysis/volume"
	"marlin/internal/gateway/exchange"
	"marlin/internal/gateway/notifier"
	"marlin/internal/learner"
	"marlin/internal/logger"
	"marlin/internal/market"
	"marlin/internal/pkg/circuit"
	"marlin/internal/position"
	"marlin/internal/risk"
	"marlin/internal/signal"
)

// Config holds the static knobs of the cycle. The adaptive knobs live in
// learner.ParameterSet and are re-read at the top of every cycle.
type Config struct {
	Instruments []string
	// Interval is the candle interval fetched per instrument, e.g. "15m".
	Interval string
	// CandleLimit is how much history to request; must cover the widest
	// indicator window.
	CandleLimit int
	// LearnEvery runs the learner once per this many cycles. Zero disables.
	LearnEvery int
	// FetchConcurrency bounds parallel per-instrument evaluation.
	FetchConcurrency int
	// CallTimeout bounds each exchange read.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval == "" {
		out.Interval = "15m"
	}
	if out.CandleLimit <= 0 {
		out.CandleLimit = 120
	}
	if out.FetchConcurrency <= 0 {
		out.FetchConcurrency = 4
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 10 * time.Second
	}
	return out
}

type Engine struct {
	cfg       Config
	ex        exchange.Exchange
	sup       *position.Supervisor
	riskMgr   *risk.Manager
	params    *learner.ParamStore
	learn     *learner.Learner
	sentiment sentiment.Provider
	predictor predict.Predictor
	health    *healthTracker
	breaker   *circuit.Breaker

	mu            sync.Mutex
	instruments   []string
	running       bool
	cycle         int64
	lastUpdate    time.Time
	lastBalance   exchange.Balance
	recentSignals []signal.Signal
	lastReport    learner.Report
	tradesToday   int
	tradeDay      string
}

func New(cfg Config, ex exchange.Exchange, sup *position.Supervisor, riskMgr *risk.Manager,
	params *learner.ParamStore, learn *learner.Learner,
	sentimentProvider sentiment.Provider, predictor predict.Predictor, n notifier.TextNotifier) *Engine {
	if sentimentProvider == nil {
		sentimentProvider = sentiment.Static{}
	}
	if predictor == nil {
		predictor = predict.Heuristic{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		instruments: append([]string(nil), cfg.Instruments...),
		ex:          ex,
		sup:         sup,
		riskMgr:     riskMgr,
		params:      params,
		learn:       learn,
		sentiment:   sentimentProvider,
		predictor:   predictor,
		health:      newHealthTracker(n),
		breaker:     circuit.NewBreaker("exchange", 5, 2*time.Minute),
	}
}

// instrumentResult is one instrument's evaluation for this cycle.
type instrumentResult struct {
	symbol  string
	candles []market.Candle
	snap    indicator.Snapshot
	sig     signal.Signal
	err     error
}

// RunCycle executes one full decision cycle. Errors from individual
// instruments or orders are absorbed and logged; only a total inability to
// trade (no balance) is returned.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now().UTC()
	e.mu.Lock()
	e.running = true
	e.cycle++
	cycle := e.cycle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.lastUpdate = time.Now().UTC()
		e.mu.Unlock()
	}()

	params := e.params.Snapshot()
	universe := BuildUniverse(e.Instruments(), params)
	logger.Infof("cycle %d: start universe=%d threshold=%.0f max_trades=%d",
		cycle, len(universe), params.ConfidenceThreshold, params.MaxTradesPerDay)

	results := e.evaluateInstruments(ctx, universe)

	// Exchange truth first: adopt or resolve anything in an unknown state
	// before acting on this cycle's signals.
	if err := e.sup.Reconcile(ctx); err != nil {
		e.health.recordFailure(err)
		logger.Warnf("cycle %d: reconcile failed, skipping trade phase: %v", cycle, err)
		e.publishSignals(results)
		return nil
	}
	e.health.recordSuccess()

	// Supervise open positions against the freshest candle per symbol.
	for _, r := range results {
		if r.err != nil || len(r.candles) == 0 {
			continue
		}
		last, _ := market.Last(r.candles)
		for _, closed := range e.sup.Evaluate(ctx, r.symbol, last) {
			logger.Infof("cycle %d: closed %s %s reason=%s pnl=%.4f",
				cycle, closed.Symbol, closed.Side, closed.ExitReason, closed.RealizedPnL)
		}
	}

	balance, err := e.fetchBalance(ctx)
	if err != nil {
		e.health.recordFailure(err)
		e.publishSignals(results)
		return fmt.Errorf("cycle %d: balance unavailable: %w", cycle, err)
	}
	e.health.recordSuccess()

	actionable := e.actionableSignals(results)
	orders, rejections := e.riskMgr.Allocate(actionable, balance.Total, e.sup.TotalExposure(), params)
	for _, rej := range rejections {
		logger.Debugf("cycle %d: rejected %s conf=%.0f: %s", cycle, rej.Symbol, rej.Confidence, rej.Reason)
	}

	snapshots := make(map[string]indicator.Snapshot, len(results))
	for _, r := range results {
		if r.err == nil {
			snapshots[r.symbol] = r.snap
		}
	}
	e.executeOrders(ctx, cycle, orders, snapshots, params)

	if e.learn != nil && e.cfg.LearnEvery > 0 && cycle%int64(e.cfg.LearnEvery) == 0 {
		if rep, err := e.learn.Run(ctx); err != nil {
			logger.Warnf("cycle %d: learner failed: %v", cycle, err)
		} else {
			e.mu.Lock()
			e.lastReport = rep
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	e.lastBalance = balance
	e.mu.Unlock()
	e.publishSignals(results)
	logger.Infof("cycle %d: done in %s signals=%d orders=%d",
		cycle, time.Since(start).Truncate(time.Millisecond), len(actionable), len(orders))
	return nil
}

// Instruments returns the current instrument universe.
func (e *Engine) Instruments() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.instruments...)
}

// SetInstruments replaces the instrument universe; the next cycle picks it
// up. Used by the config watcher.
func (e *Engine) SetInstruments(instruments []string) {
	e.mu.Lock()
	e.instruments = append([]string(nil), instruments...)
	e.mu.Unlock()
	logger.Infof("universe updated: %d instruments", len(instruments))
}

// BuildUniverse drops disabled instruments and moves prioritized ones to
// the front, preserving configured order otherwise.
func BuildUniverse(instruments []string, params learner.ParameterSet) []string {
	var front, rest []string
	for _, sym := range instruments {
		if params.Disabled(sym) {
			logger.Debugf("universe: %s disabled by learner", sym)
			continue
		}
		if params.Prioritized(sym) {
			front = append(front, sym)
		} else {
			rest = append(rest, sym)
		}
	}
	return append(front, rest...)
}

// evaluateInstruments runs fetch+analyze+score for each instrument in
// parallel. A failed instrument carries its error and is skipped by the
// trade phase; the others proceed.
func (e *Engine) evaluateInstruments(ctx context.Context, universe []string) []instrumentResult {
	results := make([]instrumentResult, len(universe))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)
	for i, sym := range universe {
		g.Go(func() error {
			results[i] = e.evaluateOne(gctx, sym)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if r.err != nil {
			logger.Warnf("evaluate %s: %v", r.symbol, r.err)
		}
	}
	return results
}

func (e *Engine) evaluateOne(ctx context.Context, symbol string) instrumentResult {
	res := instrumentResult{symbol: symbol}
	if !e.breaker.Allow() {
		res.err = fmt.Errorf("exchange breaker open")
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	candles, err := e.ex.GetCandles(cctx, symbol, e.cfg.Interval, e.cfg.CandleLimit)
	if err != nil {
		e.breaker.RecordFailure()
		res.err = fmt.Errorf("candles: %w", err)
		return res
	}
	e.breaker.RecordSuccess()
	res.candles = candles

	snap := indicator.Compute(symbol, candles)
	res.snap = snap
	vol := volume.Analyze(symbol, candles, snap.Support, snap.Resistance)
	sent := e.sentiment.Score(ctx, symbol)
	pred := e.predictor.Predict(ctx, symbol, candles)

	res.sig = signal.Score(symbol, time.Now().UTC(), signal.Inputs{
		Snapshot:   snap,
		Sentiment:  sent,
		Volume:     vol,
		Prediction: pred,
	})
	logger.Infof("evaluate %s: %s conf=%.0f bull=%.1f bear=%.1f",
		symbol, res.sig.Direction, res.sig.Confidence, res.sig.BullishScore, res.sig.BearishScore)
	return res
}

// actionableSignals filters out failures, holds, and symbols that already
// carry a position on the signalled side.
func (e *Engine) actionableSignals(results []instrumentResult) []signal.Signal {
	var out []signal.Signal
	for _, r := range results {
		if r.err != nil || r.sig.Direction == signal.Hold {
			continue
		}
		side := exchange.SideLong
		if r.sig.Direction == signal.Sell {
			side = exchange.SideShort
		}
		if e.sup.HasOpen(r.symbol, side) {
			logger.Debugf("signal %s %s: position already open, skip", r.symbol, side)
			continue
		}
		out = append(out, r.sig)
	}
	return out
}

func (e *Engine) executeOrders(ctx context.Context, cycle int64, orders []risk.Order, snapshots map[string]indicator.Snapshot, params learner.ParameterSet) {
	for _, ord := range orders {
		if !e.takeTradeSlot(params.MaxTradesPerDay) {
			logger.Warnf("cycle %d: daily trade cap %d reached, skipping %s",
				cycle, params.MaxTradesPerDay, ord.Signal.Symbol)
			continue
		}
		side := exchange.SideLong
		if ord.Signal.Direction == signal.Sell {
			side = exchange.SideShort
		}
		pos, err := e.sup.Open(ctx, position.OpenIntent{
			Symbol:        ord.Signal.Symbol,
			Side:          side,
			Quantity:      ord.Quantity,
			Leverage:      ord.Leverage,
			Price:         ord.Signal.LastPrice,
			Confidence:    ord.Signal.Confidence,
			Snapshot:      snapshots[ord.Signal.Symbol],
			StopLossPct:   params.StopLossPercent,
			TakeProfitPct: params.TakeProfitPercent,
		})
		if err != nil {
			if errors.Is(err, position.ErrOutcomeUnknown) {
				// The order may have filled; the slot stays spent until
				// reconciliation says otherwise.
				logger.Warnf("cycle %d: open %s %s outcome unknown, keeping trade slot: %v", cycle, ord.Signal.Symbol, side, err)
				continue
			}
			e.releaseTradeSlot()
			logger.Warnf("cycle %d: open %s %s failed: %v", cycle, ord.Signal.Symbol, side, err)
			continue
		}
		logger.Infof("cycle %d: opened %s %s qty=%.6f lev=%d entry=%.4f sl=%.4f tp=%.4f",
			cycle, pos.Symbol, pos.Side, pos.Quantity, pos.Leverage, pos.EntryPrice, pos.StopLoss, pos.TakeProfit)
	}
}

// takeTradeSlot counts one trade against today's cap, resetting the counter
// at UTC midnight. Returns false when the cap is already spent.
func (e *Engine) takeTradeSlot(limit int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	day := time.Now().UTC().Format(time.DateOnly)
	if day != e.tradeDay {
		e.tradeDay = day
		e.tradesToday = 0
	}
	if limit > 0 && e.tradesToday >= limit {
		return false
	}
	e.tradesToday++
	return true
}

// releaseTradeSlot returns a slot taken for an order that definitively did
// not open. Unknown outcomes keep their slot; reconciliation decides later.
func (e *Engine) releaseTradeSlot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tradesToday > 0 {
		e.tradesToday--
	}
}

func (e *Engine) fetchBalance(ctx context.Context) (exchange.Balance, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.ex.GetBalance(cctx)
}

func (e *Engine) publishSignals(results []instrumentResult) {
	sigs := make([]signal.Signal, 0, len(results))
	for _, r := range results {
		if r.err == nil {
			sigs = append(sigs, r.sig)
		}
	}
	e.mu.Lock()
	e.recentSignals = sigs
	e.mu.Unlock()
}
