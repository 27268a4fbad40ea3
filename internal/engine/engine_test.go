package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marlin/internal/analysis/predict"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/gateway/exchange"
	"marlin/internal/gateway/notifier"
	"marlin/internal/learner"
	"marlin/internal/market"
	"marlin/internal/position"
	"marlin/internal/risk"
	"marlin/internal/signal"
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

// risingCandles builds enough history for every indicator window, trending
// upward with heavy volume.
func risingCandles(n int, start float64) []market.Candle {
	out := make([]market.Candle, 0, n)
	price := start
	const barMillis = int64(15 * 60 * 1000)
	base := time.Now().UTC().UnixMilli() - int64(n)*barMillis
	for i := 0; i < n; i++ {
		open := price
		price *= 1.004
		out = append(out, market.Candle{
			OpenTime:  base + int64(i)*barMillis,
			CloseTime: base + int64(i+1)*barMillis,
			Open:      open,
			High:      price * 1.002,
			Low:       open * 0.998,
			Close:     price,
			Volume:    2_000,
			Trades:    500,
		})
	}
	return out
}

func newTestEngine(ex exchange.Exchange, params *learner.ParamStore) (*Engine, *position.Supervisor) {
	sup := position.NewSupervisor(ex, nil, position.Options{CallTimeout: time.Second})
	eng := New(Config{
		Instruments: []string{"BTCUSDT"},
		Interval:    "15m",
		CandleLimit: 120,
		CallTimeout: time.Second,
	}, ex, sup, risk.NewManager(nil), params, nil,
		sentiment.Static{S: sentiment.Score{Value: 60, Confidence: 0.8}}, predict.Heuristic{}, notifier.Nop{})
	return eng, sup
}

func TestBuildUniverseDisabledAndPrioritized(t *testing.T) {
	params := learner.ParameterSet{
		DisabledInstruments:    []string{"XUSDT"},
		PrioritizedInstruments: []string{"ETHUSDT"},
	}
	got := BuildUniverse([]string{"BTCUSDT", "XUSDT", "ETHUSDT", "SOLUSDT"}, params)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT", "SOLUSDT"}, got)
}

func TestRunCycleOpensPositionOnStrongSignal(t *testing.T) {
	ex := new(MockExchange)
	ex.On("GetCandles", mock.Anything, "BTCUSDT", "15m", 120).Return(risingCandles(120, 50_000), nil)
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)
	ex.On("GetBalance", mock.Anything).Return(exchange.Balance{StakeCurrency: "USDT", Total: 1_000_000, Available: 1_000_000}, nil)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{OrderID: "1", EntryPrice: 50_000}, nil)

	params := learner.NewParamStore(learner.ParameterSet{
		ConfidenceThreshold: 60,
		StopLossPercent:     2,
		TakeProfitPercent:   4,
		MaxTradesPerDay:     10,
		RiskPerTradePercent: 5,
	})
	eng, sup := newTestEngine(ex, params)

	require.NoError(t, eng.RunCycle(context.Background()))

	assert.True(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
	ex.AssertCalled(t, "OpenPosition", mock.Anything, mock.Anything)
	st := eng.Status()
	assert.Equal(t, int64(1), st.Cycle)
	assert.NotEmpty(t, st.Signals)
	assert.Equal(t, 1_000_000.0, st.Balance.Total)
}

func TestRunCycleSkipsDisabledInstrument(t *testing.T) {
	ex := new(MockExchange)
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)
	ex.On("GetBalance", mock.Anything).Return(exchange.Balance{Total: 10_000}, nil)

	params := learner.NewParamStore(learner.ParameterSet{
		ConfidenceThreshold: 70,
		MaxTradesPerDay:     10,
		DisabledInstruments: []string{"BTCUSDT"},
	})
	eng, _ := newTestEngine(ex, params)

	require.NoError(t, eng.RunCycle(context.Background()))
	// No candle fetch: the only instrument is disabled.
	ex.AssertNotCalled(t, "GetCandles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycleSurvivesInstrumentFetchFailure(t *testing.T) {
	ex := new(MockExchange)
	ex.On("GetCandles", mock.Anything, "BTCUSDT", "15m", 120).Return(nil, errExchange)
	ex.On("GetOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)
	ex.On("GetBalance", mock.Anything).Return(exchange.Balance{Total: 10_000}, nil)

	params := learner.NewParamStore(learner.ParameterSet{ConfidenceThreshold: 70, MaxTradesPerDay: 10})
	eng, _ := newTestEngine(ex, params)

	require.NoError(t, eng.RunCycle(context.Background()))
	assert.Empty(t, eng.Status().Signals)
}

func TestRunCycleReconcileFailureSkipsTrading(t *testing.T) {
	ex := new(MockExchange)
	ex.On("GetCandles", mock.Anything, "BTCUSDT", "15m", 120).Return(risingCandles(120, 50_000), nil)
	ex.On("GetOpenPositions", mock.Anything).Return(nil, errExchange)

	params := learner.NewParamStore(learner.ParameterSet{ConfidenceThreshold: 60, MaxTradesPerDay: 10})
	eng, _ := newTestEngine(ex, params)

	require.NoError(t, eng.RunCycle(context.Background()))
	ex.AssertNotCalled(t, "GetBalance", mock.Anything)
	ex.AssertNotCalled(t, "OpenPosition", mock.Anything, mock.Anything)
}

func TestDailyTradeCap(t *testing.T) {
	params := learner.NewParamStore(learner.ParameterSet{MaxTradesPerDay: 2})
	eng, _ := newTestEngine(new(MockExchange), params)

	assert.True(t, eng.takeTradeSlot(2))
	assert.True(t, eng.takeTradeSlot(2))
	assert.False(t, eng.takeTradeSlot(2))

	// A definitively failed order returns its slot.
	eng.releaseTradeSlot()
	assert.True(t, eng.takeTradeSlot(2))
}

func TestHealthTrackerLevels(t *testing.T) {
	h := newHealthTracker(notifier.Nop{})
	level, _ := h.level()
	assert.Equal(t, HealthOK, level)

	for i := 0; i < degradedAfter; i++ {
		h.recordFailure(errExchange)
	}
	level, lastErr := h.level()
	assert.Equal(t, HealthDegraded, level)
	assert.NotEmpty(t, lastErr)

	for i := degradedAfter; i < criticalAfter; i++ {
		h.recordFailure(errExchange)
	}
	level, _ = h.level()
	assert.Equal(t, HealthCritical, level)

	h.recordSuccess()
	level, _ = h.level()
	assert.Equal(t, HealthOK, level)
}

var errExchange = errors.New("exchange unavailable")

func TestSetInstrumentsSwapsUniverse(t *testing.T) {
	params := learner.NewParamStore(learner.ParameterSet{})
	eng, _ := newTestEngine(new(MockExchange), params)

	assert.Equal(t, []string{"BTCUSDT"}, eng.Instruments())
	eng.SetInstruments([]string{"ETHUSDT", "SOLUSDT"})
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, eng.Instruments())
}

func buyOrder(symbol string) risk.Order {
	return risk.Order{
		Signal: signal.Signal{
			Symbol:     symbol,
			Direction:  signal.Buy,
			Confidence: 80,
			LastPrice:  100,
		},
		Quantity: 0.5,
		Leverage: 1,
		Capital:  50,
	}
}

func TestUnknownOutcomeOrderKeepsTradeSlot(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{}, context.DeadlineExceeded)
	params := learner.NewParamStore(learner.ParameterSet{MaxTradesPerDay: 5})
	eng, sup := newTestEngine(ex, params)

	eng.executeOrders(context.Background(), 1, []risk.Order{buyOrder("BTCUSDT")}, nil, params.Snapshot())

	// The opening marker survives for reconciliation, so the slot must
	// stay spent: the order may have filled.
	assert.True(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
	eng.mu.Lock()
	assert.Equal(t, 1, eng.tradesToday)
	eng.mu.Unlock()
}

func TestDefinitiveOpenFailureReleasesTradeSlot(t *testing.T) {
	ex := new(MockExchange)
	ex.On("OpenPosition", mock.Anything, mock.Anything).Return(exchange.OpenResult{}, errExchange)
	params := learner.NewParamStore(learner.ParameterSet{MaxTradesPerDay: 5})
	eng, sup := newTestEngine(ex, params)

	eng.executeOrders(context.Background(), 1, []risk.Order{buyOrder("BTCUSDT")}, nil, params.Snapshot())

	assert.False(t, sup.HasOpen("BTCUSDT", exchange.SideLong))
	eng.mu.Lock()
	assert.Equal(t, 0, eng.tradesToday)
	eng.mu.Unlock()
}
