// Package learner adapts the shared ParameterSet from the outcomes of
// closed trades. It runs on a slower cadence than the trading cycle, reads
// recent history from the trade store, and publishes every change as one
// atomic snapshot swap. Decision rules are independent; any subset may fire
// on a single run.
package learner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"marlin/internal/gateway/notifier"
	"marlin/internal/logger"
	"marlin/internal/store"
)

// TradeSource is the slice of the store the learner needs.
type TradeSource interface {
	QueryTrades(ctx context.Context, f store.Filter) ([]store.TradeRecord, error)
}

// Config tunes the decision rules.
type Config struct {
	// Window is how many recent closed trades to aggregate.
	Window int
	// WinRateFloor triggers a confidence-threshold raise when the aggregate
	// win rate drops below it.
	WinRateFloor float64
	// OvertradeCeiling lowers the daily cap when the window holds more
	// closed trades than this.
	OvertradeCeiling int
	// MinInstrumentTrades is the sample floor for per-instrument rules.
	MinInstrumentTrades int
	// InstrumentWinRateFloor disables an instrument below it.
	InstrumentWinRateFloor float64
	// InstrumentWinRateCeiling prioritizes an instrument above it (with
	// positive cumulative P&L).
	InstrumentWinRateCeiling float64
	// ThresholdStep / CapStep are the per-run mutation sizes.
	ThresholdStep float64
	CapStep       int
}

func DefaultConfig() Config {
	return Config{
		Window:                   50,
		WinRateFloor:             0.40,
		OvertradeCeiling:         30,
		MinInstrumentTrades:      3,
		InstrumentWinRateFloor:   0.35,
		InstrumentWinRateCeiling: 0.65,
		ThresholdStep:            5,
		CapStep:                  2,
	}
}

// InstrumentStats aggregates one instrument's closed trades.
type InstrumentStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	PnL     float64 `json:"pnl"`
}

// Stats is the aggregate performance picture one learner run works from.
type Stats struct {
	Total   int     `json:"total"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"`
	AvgWin  float64 `json:"avg_win"`
	AvgLoss float64 `json:"avg_loss"`
	PnL     float64 `json:"pnl"`

	// Entry-indicator averages split by outcome, for post-hoc analysis.
	WinRSIAvg  float64 `json:"win_rsi_avg"`
	LossRSIAvg float64 `json:"loss_rsi_avg"`
	WinADXAvg  float64 `json:"win_adx_avg"`
	LossADXAvg float64 `json:"loss_adx_avg"`

	PerInstrument map[string]InstrumentStats `json:"per_instrument"`
}

// Report records what a learner run decided, for the status surface.
type Report struct {
	RanAt     time.Time `json:"ran_at"`
	Stats     Stats     `json:"stats"`
	Mutations []string  `json:"mutations"`
	Advisory  string    `json:"advisory,omitempty"`
}

type Learner struct {
	source   TradeSource
	params   *ParamStore
	bounds   Bounds
	cfg      Config
	notifier notifier.TextNotifier
}

func New(source TradeSource, params *ParamStore, bounds Bounds, cfg Config, n notifier.TextNotifier) *Learner {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Learner{source: source, params: params, bounds: bounds, cfg: cfg, notifier: n}
}

// Run aggregates recent closed trades and applies the mutation rules. The
// new ParameterSet is published as a single atomic snapshot swap; readers
// see the old set or the new set, never a mix.
func (l *Learner) Run(ctx context.Context) (Report, error) {
	rep := Report{RanAt: time.Now().UTC()}
	trades, err := l.source.QueryTrades(ctx, store.Filter{
		Status: store.StatusClosed,
		Limit:  l.cfg.Window,
	})
	if err != nil {
		return rep, fmt.Errorf("learner: %w", err)
	}
	rep.Stats = Aggregate(trades)
	if rep.Stats.Total == 0 {
		return rep, nil
	}

	current := l.params.Snapshot()
	next := current
	rep.Mutations = l.mutate(&next, rep.Stats)

	if len(rep.Mutations) > 0 {
		next.UpdatedAt = rep.RanAt
		clamped := next.Clamped(l.bounds)
		l.params.Replace(clamped)
		for _, m := range rep.Mutations {
			logger.Infof("learner: %s", m)
		}
	}

	if rep.Stats.PnL < 0 {
		rep.Advisory = fmt.Sprintf("aggregate P&L negative over last %d trades: %.2f", rep.Stats.Total, rep.Stats.PnL)
		logger.Warnf("learner: %s", rep.Advisory)
		// Advisory only: escalation is reported to a human, never an
		// automatic halt.
		if err := notifier.Send(l.notifier, notifier.Alert{
			Severity: notifier.SeverityWarning,
			Title:    "Negative aggregate P&L",
			Lines:    []string{rep.Advisory},
			At:       rep.RanAt,
		}); err != nil {
			logger.Warnf("learner: advisory delivery failed: %v", err)
		}
	}
	return rep, nil
}

// mutate applies each independent rule to next, returning before/after audit
// lines for every change.
func (l *Learner) mutate(next *ParameterSet, stats Stats) []string {
	var mutations []string

	if stats.WinRate < l.cfg.WinRateFloor {
		before := next.ConfidenceThreshold
		next.ConfidenceThreshold = min(before+l.cfg.ThresholdStep, l.bounds.ConfidenceThresholdMax)
		if next.ConfidenceThreshold != before {
			mutations = append(mutations, fmt.Sprintf(
				"win rate %.0f%% below floor %.0f%%: confidence_threshold %.0f -> %.0f",
				stats.WinRate*100, l.cfg.WinRateFloor*100, before, next.ConfidenceThreshold))
		}
	}

	if stats.Total > l.cfg.OvertradeCeiling {
		before := next.MaxTradesPerDay
		next.MaxTradesPerDay = max(before-l.cfg.CapStep, l.bounds.MaxTradesPerDayMin)
		if next.MaxTradesPerDay != before {
			mutations = append(mutations, fmt.Sprintf(
				"trade count %d above ceiling %d: max_trades_per_day %d -> %d",
				stats.Total, l.cfg.OvertradeCeiling, before, next.MaxTradesPerDay))
		}
	}

	for _, sym := range sortedInstruments(stats.PerInstrument) {
		ist := stats.PerInstrument[sym]
		if ist.Trades < l.cfg.MinInstrumentTrades {
			continue
		}
		if ist.WinRate < l.cfg.InstrumentWinRateFloor && !slices.Contains(next.DisabledInstruments, sym) {
			next.DisabledInstruments = append(next.DisabledInstruments, sym)
			next.PrioritizedInstruments = remove(next.PrioritizedInstruments, sym)
			mutations = append(mutations, fmt.Sprintf(
				"%s win rate %.0f%% below floor %.0f%% over %d trades: disabled",
				sym, ist.WinRate*100, l.cfg.InstrumentWinRateFloor*100, ist.Trades))
			continue
		}
		if ist.WinRate > l.cfg.InstrumentWinRateCeiling && ist.PnL > 0 &&
			!slices.Contains(next.PrioritizedInstruments, sym) && !slices.Contains(next.DisabledInstruments, sym) {
			next.PrioritizedInstruments = append(next.PrioritizedInstruments, sym)
			mutations = append(mutations, fmt.Sprintf(
				"%s win rate %.0f%% above ceiling %.0f%% with pnl %.2f over %d trades: prioritized",
				sym, ist.WinRate*100, l.cfg.InstrumentWinRateCeiling*100, ist.PnL, ist.Trades))
		}
	}
	return mutations
}

// Aggregate folds closed trades into Stats. Exported for tests and the
// status surface.
func Aggregate(trades []store.TradeRecord) Stats {
	stats := Stats{PerInstrument: make(map[string]InstrumentStats)}
	var winSum, lossSum float64
	var winRSI, lossRSI, winADX, lossADX float64

	for _, t := range trades {
		if t.Status != store.StatusClosed {
			continue
		}
		stats.Total++
		stats.PnL += t.RealizedPnL

		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		ist := stats.PerInstrument[sym]
		ist.Trades++
		ist.PnL += t.RealizedPnL

		if t.RealizedPnL > 0 {
			stats.Wins++
			ist.Wins++
			winSum += t.RealizedPnL
			winRSI += t.EntrySnapshot.RSI
			winADX += t.EntrySnapshot.ADX
		} else {
			stats.Losses++
			lossSum += t.RealizedPnL
			lossRSI += t.EntrySnapshot.RSI
			lossADX += t.EntrySnapshot.ADX
		}
		stats.PerInstrument[sym] = ist
	}

	if stats.Total > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Total)
	}
	if stats.Wins > 0 {
		stats.AvgWin = winSum / float64(stats.Wins)
		stats.WinRSIAvg = winRSI / float64(stats.Wins)
		stats.WinADXAvg = winADX / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = lossSum / float64(stats.Losses)
		stats.LossRSIAvg = lossRSI / float64(stats.Losses)
		stats.LossADXAvg = lossADX / float64(stats.Losses)
	}
	for sym, ist := range stats.PerInstrument {
		if ist.Trades > 0 {
			ist.WinRate = float64(ist.Wins) / float64(ist.Trades)
			stats.PerInstrument[sym] = ist
		}
	}
	return stats
}

func sortedInstruments(m map[string]InstrumentStats) []string {
	out := make([]string, 0, len(m))
	for sym := range m {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
