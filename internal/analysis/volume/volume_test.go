package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marlin/internal/market"
)

// flatCandles returns n identical bars priced at close with the given base
// volume, wide enough for order-flow math to see a range.
func flatCandles(n int, close, vol float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			OpenTime:  int64(i) * 900_000,
			CloseTime: int64(i+1) * 900_000,
			Open:      close,
			High:      close * 1.01,
			Low:       close * 0.99,
			Close:     close,
			Volume:    vol,
			Trades:    50,
		}
	}
	return out
}

func TestAnalyzeEmptyWindowIsNeutral(t *testing.T) {
	got := Analyze("BTCUSDT", nil, 0, 0)
	assert.Equal(t, Neutral("BTCUSDT"), got)
	assert.Equal(t, TierIlliquid, got.Tier)
	assert.Equal(t, FlowBalanced, got.OrderFlow)
	assert.Equal(t, ZoneInValue, got.ProfileZone)
}

func TestLiquidityTierBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		close    float64
		vol      float64
		wantTier string
	}{
		{"high at threshold", 100, 50_000, TierHigh},        // 5M quote
		{"medium just below high", 100, 49_999, TierMedium}, // 4.9999M
		{"medium at threshold", 100, 5_000, TierMedium},     // 500K
		{"low at threshold", 100, 500, TierLow},             // 50K
		{"illiquid below low", 100, 499, TierIlliquid},      // 49.9K
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Analyze("XUSDT", flatCandles(30, tc.close, tc.vol), 0, 0)
			assert.Equal(t, tc.wantTier, got.Tier)
			assert.InDelta(t, tc.close*tc.vol, got.AvgQuoteVolume, 0.01)
		})
	}
}

func TestOrderFlowBuyPressure(t *testing.T) {
	// Closes pinned to the bar high read as buying.
	candles := flatCandles(30, 100, 10_000)
	for i := range candles {
		candles[i].Close = candles[i].High
	}
	got := Analyze("BTCUSDT", candles, 0, 0)
	assert.Equal(t, FlowBuyPressure, got.OrderFlow)
}

func TestOrderFlowSellPressure(t *testing.T) {
	candles := flatCandles(30, 100, 10_000)
	for i := range candles {
		candles[i].Close = candles[i].Low
	}
	got := Analyze("BTCUSDT", candles, 0, 0)
	assert.Equal(t, FlowSellPressure, got.OrderFlow)
}

func TestOrderFlowBalancedMidRange(t *testing.T) {
	got := Analyze("BTCUSDT", flatCandles(30, 100, 10_000), 0, 0)
	assert.Equal(t, FlowBalanced, got.OrderFlow)
}

func TestLevelProximity(t *testing.T) {
	candles := flatCandles(30, 100, 10_000)

	got := Analyze("BTCUSDT", candles, 99.5, 100.5)
	assert.True(t, got.NearSupport)
	assert.True(t, got.NearResistance)

	got = Analyze("BTCUSDT", candles, 95, 110)
	assert.False(t, got.NearSupport)
	assert.False(t, got.NearResistance)

	// Zero levels never register as near.
	got = Analyze("BTCUSDT", candles, 0, 0)
	assert.False(t, got.NearSupport)
	assert.False(t, got.NearResistance)
}

func TestProfileZoneFollowsLastClose(t *testing.T) {
	candles := flatCandles(30, 100, 10_000)
	candles[len(candles)-1].Close = 120
	candles[len(candles)-1].High = 122
	got := Analyze("BTCUSDT", candles, 0, 0)
	assert.Equal(t, ZoneAboveValue, got.ProfileZone)

	candles[len(candles)-1].Close = 80
	candles[len(candles)-1].Low = 78
	got = Analyze("BTCUSDT", candles, 0, 0)
	assert.Equal(t, ZoneBelowValue, got.ProfileZone)
}

func TestAvgQuoteVolumeSkipsEmptyBars(t *testing.T) {
	candles := flatCandles(10, 100, 1_000)
	candles[3].Volume = 0
	got := Analyze("BTCUSDT", candles, 0, 0)
	assert.InDelta(t, 100_000, got.AvgQuoteVolume, 0.01)
}
