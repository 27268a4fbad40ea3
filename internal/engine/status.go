package engine

import (
	"time"

	"marlin/internal/gateway/exchange"
	"marlin/internal/learner"
	"marlin/internal/position"
	"marlin/internal/signal"
)

// Status is a read-only snapshot of the engine for the HTTP surface and
// logs. It carries copies only; callers cannot reach live state through it.
type Status struct {
	Running     bool                 `json:"running"`
	Cycle       int64                `json:"cycle"`
	LastUpdate  time.Time            `json:"last_update"`
	Health      string               `json:"health"`
	HealthError string               `json:"health_error,omitempty"`
	Balance     exchange.Balance     `json:"balance"`
	TradesToday int                  `json:"trades_today"`
	DailyPnL    float64              `json:"daily_pnl"`
	Params      learner.ParameterSet `json:"params"`
	Signals     []signal.Signal      `json:"signals"`
	Open        []position.Position  `json:"open_positions"`
	Recent      []position.Position  `json:"recent_trades"`
	LastLearner learner.Report       `json:"last_learner"`
}

func (e *Engine) Status() Status {
	level, lastErr := e.health.level()

	e.mu.Lock()
	st := Status{
		Running:     e.running,
		Cycle:       e.cycle,
		LastUpdate:  e.lastUpdate,
		Health:      level,
		HealthError: lastErr,
		Balance:     e.lastBalance,
		TradesToday: e.tradesToday,
		Signals:     append([]signal.Signal(nil), e.recentSignals...),
		LastLearner: e.lastReport,
	}
	e.mu.Unlock()

	st.Params = e.params.Snapshot()
	st.Open = e.sup.OpenPositions()
	st.Recent = e.sup.ClosedPositions(20)
	st.DailyPnL = e.sup.RealizedSince(time.Now().UTC().Truncate(24 * time.Hour))
	return st
}
