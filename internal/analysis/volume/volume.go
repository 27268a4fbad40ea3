// Package volume derives liquidity and order-flow context from a candle
// window. Like the indicator engine it is pure: short or empty windows
// degrade to the lowest tier and balanced flow, never an error.
package volume

import (
	"math"

	"marlin/internal/market"
)

// Liquidity tiers, ordered from best to worst.
const (
	TierHigh     = "high"
	TierMedium   = "medium"
	TierLow      = "low"
	TierIlliquid = "illiquid"
)

// Profile zones relative to the window's value area.
const (
	ZoneAboveValue = "above_value"
	ZoneInValue    = "in_value"
	ZoneBelowValue = "below_value"
)

// Order-flow pressure states.
const (
	FlowBuyPressure  = "buy_pressure"
	FlowSellPressure = "sell_pressure"
	FlowBalanced     = "balanced"
)

const (
	flowWindow        = 14
	profileWindow     = 30
	levelProximityPct = 0.01
)

// Quote-volume thresholds per tier, in stake currency.
const (
	tierHighQuoteVolume   = 5_000_000
	tierMediumQuoteVolume = 500_000
	tierLowQuoteVolume    = 50_000
)

type Analysis struct {
	Symbol         string  `json:"symbol"`
	Tier           string  `json:"tier"`
	ProfileZone    string  `json:"profile_zone"`
	OrderFlow      string  `json:"order_flow"`
	NearSupport    bool    `json:"near_support"`
	NearResistance bool    `json:"near_resistance"`
	AvgQuoteVolume float64 `json:"avg_quote_volume"`
}

// Neutral is the degraded analysis used when no candles are available.
func Neutral(symbol string) Analysis {
	return Analysis{
		Symbol:      symbol,
		Tier:        TierIlliquid,
		ProfileZone: ZoneInValue,
		OrderFlow:   FlowBalanced,
	}
}

// Analyze computes liquidity tier, profile zone, order-flow pressure and
// proximity to the given support/resistance levels.
func Analyze(symbol string, candles []market.Candle, support, resistance float64) Analysis {
	out := Neutral(symbol)
	if len(candles) == 0 {
		return out
	}

	out.AvgQuoteVolume = avgQuoteVolume(candles)
	switch {
	case out.AvgQuoteVolume >= tierHighQuoteVolume:
		out.Tier = TierHigh
	case out.AvgQuoteVolume >= tierMediumQuoteVolume:
		out.Tier = TierMedium
	case out.AvgQuoteVolume >= tierLowQuoteVolume:
		out.Tier = TierLow
	}

	out.OrderFlow = orderFlow(market.Tail(candles, flowWindow))
	out.ProfileZone = profileZone(candles)

	last, _ := market.Last(candles)
	if last.Close > 0 {
		if support > 0 && math.Abs(last.Close-support)/last.Close <= levelProximityPct {
			out.NearSupport = true
		}
		if resistance > 0 && math.Abs(resistance-last.Close)/last.Close <= levelProximityPct {
			out.NearResistance = true
		}
	}
	return out
}

func avgQuoteVolume(candles []market.Candle) float64 {
	total := 0.0
	n := 0
	for _, c := range candles {
		if c.Close <= 0 || c.Volume <= 0 {
			continue
		}
		total += c.Close * c.Volume
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// orderFlow weights each bar's close position within its range by volume.
// A close near the high counts as buying, near the low as selling.
func orderFlow(candles []market.Candle) string {
	var weighted, totalVolume float64
	for _, c := range candles {
		span := c.High - c.Low
		if span <= 0 || c.Volume <= 0 {
			continue
		}
		pos := 2*(c.Close-c.Low)/span - 1 // [-1, 1]
		weighted += pos * c.Volume
		totalVolume += c.Volume
	}
	if totalVolume <= 0 {
		return FlowBalanced
	}
	score := weighted / totalVolume
	switch {
	case score >= 0.15:
		return FlowBuyPressure
	case score <= -0.15:
		return FlowSellPressure
	default:
		return FlowBalanced
	}
}

// profileZone places the last close against a one-sigma value area of
// recent closes.
func profileZone(candles []market.Candle) string {
	window := market.Tail(candles, profileWindow)
	if len(window) < 2 {
		return ZoneInValue
	}
	var sum float64
	for _, c := range window {
		sum += c.Close
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, c := range window {
		d := c.Close - mean
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(len(window)))
	last := window[len(window)-1].Close
	switch {
	case last > mean+sigma:
		return ZoneAboveValue
	case last < mean-sigma:
		return ZoneBelowValue
	default:
		return ZoneInValue
	}
}
