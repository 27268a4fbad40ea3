package model

import (
	"gorm.io/datatypes"
)

type TradeStatus int

const (
	TradeStatusUnknown TradeStatus = 0
	TradeStatusOpen    TradeStatus = 1
	TradeStatusClosed  TradeStatus = 2
)

type TradeModel struct {
	ID      int64  `gorm:"column:id;primaryKey"`
	TradeID string `gorm:"column:trade_id;uniqueIndex"`
	Symbol  string `gorm:"column:symbol;index:idx_trades_symbol_opened,priority:1"`
	Side    string `gorm:"column:side"`

	EntryPrice float64 `gorm:"column:entry_price"`
	Quantity   float64 `gorm:"column:quantity"`
	Leverage   int     `gorm:"column:leverage"`
	StopLoss   float64 `gorm:"column:stop_loss"`
	TakeProfit float64 `gorm:"column:take_profit"`
	Confidence float64 `gorm:"column:confidence"`

	EntrySnapshot datatypes.JSON `gorm:"column:entry_snapshot;type:TEXT"`

	Status       TradeStatus `gorm:"column:status"`
	OpenedAtUnix int64       `gorm:"column:opened_at;index:idx_trades_symbol_opened,priority:2"`

	ExitPrice      float64 `gorm:"column:exit_price"`
	ExitReason     string  `gorm:"column:exit_reason"`
	RealizedPnL    float64 `gorm:"column:realized_pnl"`
	RealizedPnLPct float64 `gorm:"column:realized_pnl_pct"`
	ClosedAtUnix   int64   `gorm:"column:closed_at"`
	DurationMs     int64   `gorm:"column:duration_ms"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (TradeModel) TableName() string { return "trades" }
