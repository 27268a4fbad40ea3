// Package exchange defines the abstraction the trading core uses to talk to
// an exchange backend. Every call is fallible; only the read-only queries may
// be assumed idempotent.
package exchange

import (
	"context"
	"time"

	"marlin/internal/market"
)

// Position sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order sides, as reported in fills.
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// ClosingOrderSide returns the order side that exits a position: a sell
// closes a long, a buy closes a short.
func ClosingOrderSide(positionSide string) string {
	if positionSide == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Position is the exchange's view of an open contract.
type Position struct {
	Symbol             string
	Side               string
	Amount             float64
	EntryPrice         float64
	Leverage           float64
	StakeAmount        float64
	UnrealizedPnL      float64
	UnrealizedPnLRatio float64
	CurrentPrice       float64
	OpenedAt           time.Time
	UpdatedAt          time.Time
}

// Balance is the account equity snapshot.
type Balance struct {
	StakeCurrency string
	Total         float64
	Available     float64
	Used          float64
	UpdatedAt     time.Time
}

// PriceQuote is the latest traded price for a symbol.
type PriceQuote struct {
	Symbol    string
	Last      float64
	UpdatedAt time.Time
}

// Fill is one executed order from account trade history, used by
// reconciliation to recover exit prices the exchange decided on its own.
type Fill struct {
	Symbol   string
	Side     string // OrderSideBuy or OrderSideSell, not a position side
	Price    float64
	Quantity float64
	Realized float64
	Time     time.Time
}

// OpenRequest carries everything needed to open a position. Stop levels are
// mandatory: a position is never considered open without them.
type OpenRequest struct {
	Symbol     string
	Side       string
	Quantity   float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
}

// OpenResult identifies the accepted order.
type OpenResult struct {
	OrderID    string
	EntryPrice float64
}

// Exchange is the narrow surface the core consumes. Implementations must
// honor the caller's context deadline on every call.
type Exchange interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
	GetPrice(ctx context.Context, symbol string) (PriceQuote, error)
	GetBalance(ctx context.Context) (Balance, error)
	OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error)
	ClosePosition(ctx context.Context, symbol, side string) error
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetTradeHistory(ctx context.Context, symbol string, limit int) ([]Fill, error)
}
