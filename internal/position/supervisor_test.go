package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marlin/internal/gateway/exchange"
	"marlin/internal/market"
)

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Candle), args.Error(1)
}

func (m *MockExchange) GetPrice(ctx context.Context, symbol string) (exchange.PriceQuote, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.PriceQuote), args.Error(1)
}

func (m *MockExchange) GetBalance(ctx context.Context) (exchange.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.Balance), args.Error(1)
}

func (m *MockExchange) OpenPosition(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.OpenResult), args.Error(1)
}

func (m *MockExchange) ClosePosition(ctx context.Context, symbol, side string) error {
	args := m.Called(ctx, symbol, side)
	return args.Error(0)
}

func (m *MockExchange) GetOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Position), args.Error(1)
}

func (m *MockExchange) GetTradeHistory(ctx context.Context, symbol string, limit int) ([]exchange.Fill, error) {
	args := m.Called(ctx, symbol, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Fill), args.Error(1)
}

func testOptions() Options {
	return Options{
		TrailTrigger:  0.10,
		TrailDistance: 0.02,
		CallTimeout:   time.Second,
	}
}

func longIntent() OpenIntent {
	return OpenIntent{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideLong,
		Quantity:      0.5,
		Leverage:      1,
		Price:         100,
		Confidence:    80,
		StopLossPct:   2,
		TakeProfitPct: 4,
	}
}

func TestOpenRecordsStopLevels(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{OrderID: "1", EntryPrice: 100}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	pos, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, pos.Status)
	assert.InDelta(t, 98, pos.StopLoss, 1e-9)
	assert.InDelta(t, 104, pos.TakeProfit, 1e-9)
	assert.True(t, sup.HasOpen("BTCUSDT", exchange.SideLong))

	// The request carried the derived levels for protective orders.
	req := ex.Calls[0].Arguments.Get(1).(exchange.OpenRequest)
	assert.InDelta(t, 98, req.StopLoss, 1e-9)
	assert.InDelta(t, 104, req.TakeProfit, 1e-9)
}

func TestOpenRecomputesLevelsFromActualEntry(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{OrderID: "1", EntryPrice: 102}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	pos, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)
	assert.Equal(t, 102.0, pos.EntryPrice)
	assert.InDelta(t, 102*0.98, pos.StopLoss, 1e-9)
	assert.InDelta(t, 102*1.04, pos.TakeProfit, 1e-9)
}

func TestOpenRejectsDuplicate(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)
	_, err = sup.Open(context.Background(), longIntent())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestOpenDefinitiveFailureClearsMarker(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{}, errors.New("insufficient margin"))
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	assert.Error(t, err)
	assert.False(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
}

func TestOpenUnknownOutcomeAwaitsReconciliation(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{}, context.DeadlineExceeded)
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	// The marker stays in opening so reconciliation can resolve it.
	require.True(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
	open := sup.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, StatusOpening, open[0].Status)

	// Exchange confirms the fill: the position is adopted as open.
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.SideLong, Amount: 0.5, EntryPrice: 100.3},
	}, nil)
	require.NoError(t, sup.Reconcile(context.Background()))
	open = sup.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, StatusOpen, open[0].Status)
	assert.Equal(t, 100.3, open[0].EntryPrice)
}

func TestReconcileClearsUnfilledOpening(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{}, context.DeadlineExceeded)
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	_, _ = sup.Open(context.Background(), longIntent())
	require.NoError(t, sup.Reconcile(context.Background()))
	assert.False(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
	assert.Empty(t, sup.ClosedPositions(0))
}

func TestEvaluateStopLossUsesLevelNotWick(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	ex.On("ClosePosition", mock.Anything, "BTCUSDT", exchange.SideLong).Return(nil)
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)

	// The bar wicks to 97, through the 98 stop. The recorded exit is the
	// stop level, not the wick extreme.
	closed := sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{
		Open: 99, High: 99.5, Low: 97, Close: 97.4,
	})
	require.Len(t, closed, 1)
	assert.Equal(t, StatusClosed, closed[0].Status)
	assert.Equal(t, ReasonStopLoss, closed[0].ExitReason)
	assert.InDelta(t, 98, closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, (98-100.0)*0.5, closed[0].RealizedPnL, 1e-9)
	assert.False(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
}

func TestEvaluateTakeProfit(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	ex.On("ClosePosition", mock.Anything, "BTCUSDT", exchange.SideLong).Return(nil)
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)

	closed := sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{
		Open: 102, High: 104.5, Low: 101, Close: 103.8,
	})
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonTakeProfit, closed[0].ExitReason)
	assert.InDelta(t, 104, closed[0].ExitPrice, 1e-9)
	assert.Positive(t, closed[0].RealizedPnL)
}

func TestTrailingStopRatchetsFavorablyOnly(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	intent := longIntent()
	intent.TakeProfitPct = 50 // keep TP out of the way
	_, err := sup.Open(context.Background(), intent)
	require.NoError(t, err)

	// Below the trigger: nothing moves.
	sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{Open: 100, High: 106, Low: 100, Close: 105})
	pos := sup.OpenPositions()[0]
	assert.False(t, pos.TrailingActive)
	assert.InDelta(t, 98, pos.StopLoss, 1e-9)

	// +11% with 1x leverage crosses the 10% trigger.
	sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{Open: 105, High: 111.5, Low: 104, Close: 111})
	pos = sup.OpenPositions()[0]
	require.True(t, pos.TrailingActive)
	assert.Equal(t, 111.0, pos.TrailingAnchor)
	assert.InDelta(t, 111*0.98, pos.StopLoss, 1e-9)

	// A better close ratchets the stop up.
	sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{Open: 111, High: 115.5, Low: 110.9, Close: 115})
	pos = sup.OpenPositions()[0]
	assert.Equal(t, 115.0, pos.TrailingAnchor)
	assert.InDelta(t, 115*0.98, pos.StopLoss, 1e-9)

	// A worse close never loosens the stop.
	sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{Open: 115, High: 115.2, Low: 113, Close: 114})
	pos = sup.OpenPositions()[0]
	assert.Equal(t, 115.0, pos.TrailingAnchor)
	assert.InDelta(t, 115*0.98, pos.StopLoss, 1e-9)
}

func TestCloseFailureLeavesClosingForReconciliation(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	ex.On("ClosePosition", mock.Anything, "BTCUSDT", exchange.SideLong).Return(errors.New("network down"))
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)

	closed := sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{Open: 99, High: 99, Low: 97, Close: 97.5})
	assert.Empty(t, closed)
	open := sup.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, StatusClosing, open[0].Status)

	// Reconciliation finds the position gone and applies the pending
	// stop-loss reason with the exchange's fill price.
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)
	ex.On("GetTradeHistory", mock.Anything, "BTCUSDT", 20).Return([]exchange.Fill{
		{Symbol: "BTCUSDT", Side: "sell", Price: 97.9, Quantity: 0.5, Realized: -1.05, Time: time.Now().UTC()},
	}, nil)
	require.NoError(t, sup.Reconcile(context.Background()))

	done := sup.ClosedPositions(1)
	require.Len(t, done, 1)
	assert.Equal(t, ReasonStopLoss, done[0].ExitReason)
	assert.Equal(t, 97.9, done[0].ExitPrice)
	assert.Equal(t, -1.05, done[0].RealizedPnL)
	assert.False(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
}

func TestReconcileClosesExternallyFlattenedPosition(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)
	ex.On("GetTradeHistory", mock.Anything, "BTCUSDT", 20).Return([]exchange.Fill{}, nil)
	ex.On("GetPrice", mock.Anything, "BTCUSDT").Return(exchange.PriceQuote{Symbol: "BTCUSDT", Last: 99.2}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)
	require.NoError(t, sup.Reconcile(context.Background()))

	done := sup.ClosedPositions(1)
	require.Len(t, done, 1)
	assert.Equal(t, ReasonReconciled, done[0].ExitReason)
	// No fill found: the current price stands in for the exit.
	assert.Equal(t, 99.2, done[0].ExitPrice)
	assert.InDelta(t, (99.2-100)*0.5, done[0].RealizedPnL, 1e-9)
}

func TestReconcileFallsBackToEntryWhenPriceUnavailable(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)
	ex.On("GetTradeHistory", mock.Anything, "BTCUSDT", 20).Return(nil, errors.New("history unavailable"))
	ex.On("GetPrice", mock.Anything, "BTCUSDT").Return(exchange.PriceQuote{}, errors.New("price unavailable"))
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)
	require.NoError(t, sup.Reconcile(context.Background()))

	done := sup.ClosedPositions(1)
	require.Len(t, done, 1)
	assert.Equal(t, 100.0, done[0].ExitPrice)
	assert.Zero(t, done[0].RealizedPnL)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	ex.On("ClosePosition", mock.Anything, "BTCUSDT", exchange.SideLong).Return(nil)
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)
	closed := sup.Evaluate(context.Background(), "BTCUSDT", market.Candle{Open: 99, High: 99, Low: 97, Close: 97.5})
	require.Len(t, closed, 1)
	first := closed[0]
	require.Equal(t, StatusClosed, first.Status)

	// A second finalize attempt must not touch the recorded exit.
	pos := first
	sup.finalizeWithRealized(context.Background(), &pos, 90, ReasonReconciled, time.Now().UTC().Add(time.Hour), -5)
	assert.Equal(t, first.ExitPrice, pos.ExitPrice)
	assert.Equal(t, first.ExitReason, pos.ExitReason)
	assert.Equal(t, first.RealizedPnL, pos.RealizedPnL)
	assert.Equal(t, first.ClosedAt, pos.ClosedAt)
	assert.Len(t, sup.ClosedPositions(0), 1)
}

func TestEvaluateIgnoresOtherSymbols(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	_, err := sup.Open(context.Background(), longIntent())
	require.NoError(t, err)

	closed := sup.Evaluate(context.Background(), "ETHUSDT", market.Candle{Open: 1, High: 1, Low: 0.5, Close: 0.6})
	assert.Empty(t, closed)
	assert.True(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
}

func TestTotalExposure(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	sup := NewSupervisor(ex, nil, testOptions())

	intent := longIntent()
	intent.Leverage = 2
	_, err := sup.Open(context.Background(), intent)
	require.NoError(t, err)

	// 0.5 qty * 100 entry / 2x leverage = 25 margin.
	assert.InDelta(t, 25, sup.TotalExposure(), 1e-9)
}

func TestShortSideStopAndTarget(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{EntryPrice: 100}, nil)
	ex.On("ClosePosition", mock.Anything, "ETHUSDT", exchange.SideShort).Return(nil)
	sup := NewSupervisor(ex, nil, testOptions())

	intent := OpenIntent{
		Symbol:        "ETHUSDT",
		Side:          exchange.SideShort,
		Quantity:      1,
		Leverage:      1,
		Price:         100,
		StopLossPct:   2,
		TakeProfitPct: 4,
	}
	pos, err := sup.Open(context.Background(), intent)
	require.NoError(t, err)
	assert.InDelta(t, 102, pos.StopLoss, 1e-9)
	assert.InDelta(t, 96, pos.TakeProfit, 1e-9)

	// For a short the adverse extreme is the high.
	closed := sup.Evaluate(context.Background(), "ETHUSDT", market.Candle{Open: 101, High: 102.5, Low: 100.5, Close: 102})
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonStopLoss, closed[0].ExitReason)
	assert.InDelta(t, 102, closed[0].ExitPrice, 1e-9)
	assert.Negative(t, closed[0].RealizedPnL)
}
