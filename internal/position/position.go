package position

import (
	"time"

	"marlin/internal/analysis/indicator"
)

// Status is the per-position lifecycle state. Transitions only ever run
// opening → open → closing → closed; a closed position never mutates again.
type Status string

const (
	StatusOpening Status = "opening"
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// Exit reasons recorded on close.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonManual     = "manual"
	ReasonReconciled = "reconciled"
)

// Position is the supervisor-owned record of one contract. At most one open
// position exists per (symbol, side).
type Position struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`

	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	Leverage   int     `json:"leverage"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	TrailingActive bool    `json:"trailing_active"`
	TrailingAnchor float64 `json:"trailing_anchor,omitempty"`

	Confidence    float64            `json:"confidence"`
	EntrySnapshot indicator.Snapshot `json:"entry_snapshot"`

	Status   Status    `json:"status"`
	OpenedAt time.Time `json:"opened_at"`

	ExitPrice      float64   `json:"exit_price,omitempty"`
	ExitReason     string    `json:"exit_reason,omitempty"`
	RealizedPnL    float64   `json:"realized_pnl,omitempty"`
	RealizedPnLPct float64   `json:"realized_pnl_pct,omitempty"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
}

// Stake is the margin committed to the position.
func (p Position) Stake() float64 {
	lev := float64(p.Leverage)
	if lev <= 0 {
		lev = 1
	}
	return p.Quantity * p.EntryPrice / lev
}

// Duration is the holding time; for open positions it runs to now.
func (p Position) Duration() time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	end := p.ClosedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(p.OpenedAt)
}

func key(symbol, side string) string { return symbol + "|" + side }
