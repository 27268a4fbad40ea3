// Package signal turns one instrument's analysis inputs into a trade signal.
// Scoring is additive: every contributing factor pushes points onto a bullish
// or bearish accumulator with a fixed weight, and the decision rule compares
// the winning score against a floor and a margin. The scorer is a pure
// function of its inputs; production scoring carries no randomness.
package signal

import (
	"math"
	"time"

	"marlin/internal/analysis/indicator"
	"marlin/internal/analysis/predict"
	"marlin/internal/analysis/sentiment"
	"marlin/internal/analysis/volume"
)

// Signal directions.
const (
	Buy  = "BUY"
	Sell = "SELL"
	Hold = "HOLD"
)

// Factor weights. Fixed constants per factor class.
const (
	weightTrend          = 3.0
	weightOscillator     = 2.0
	weightMACD           = 2.0
	weightCloud          = 2.0
	weightSentiment      = 4.0
	weightPrediction     = 3.0
	weightOrderFlow      = 2.0
	weightLevels         = 2.0
	weightVolumePressure = 2.0
)

// Decision rule constants.
const (
	minScore  = 8.0
	minMargin = 3.0

	// Confidence assigned when the quality gate rejects the bar.
	gatedHoldConfidence = 10.0
)

// Signal is the scorer's verdict for one instrument on one cycle. Created
// fresh each cycle, never mutated.
type Signal struct {
	Symbol            string             `json:"symbol"`
	Timestamp         time.Time          `json:"timestamp"`
	Direction         string             `json:"direction"`
	Confidence        float64            `json:"confidence"`
	BullishScore      float64            `json:"bullish_score"`
	BearishScore      float64            `json:"bearish_score"`
	Factors           map[string]float64 `json:"factors"`
	SuggestedLeverage int                `json:"suggested_leverage"`
	HoldReason        string             `json:"hold_reason,omitempty"`
	LastPrice         float64            `json:"last_price"`
}

// Inputs bundles everything the scorer reads. All fields are values; the
// scorer cannot reach past them.
type Inputs struct {
	Snapshot   indicator.Snapshot
	Sentiment  sentiment.Score
	Volume     volume.Analysis
	Prediction predict.Prediction
}

// Score evaluates one instrument. The timestamp is passed in so repeated
// invocations with identical inputs produce identical signals.
func Score(symbol string, now time.Time, in Inputs) Signal {
	sig := Signal{
		Symbol:    symbol,
		Timestamp: now,
		Direction: Hold,
		Factors:   make(map[string]float64),
		LastPrice: in.Snapshot.LastClose,
	}

	// Quality gate: no liquidity or no directional edge means the bar is
	// untradeable no matter what the other factors say.
	if in.Volume.Tier == volume.TierLow || in.Volume.Tier == volume.TierIlliquid {
		sig.Confidence = gatedHoldConfidence
		sig.HoldReason = "liquidity below minimum tier"
		return sig
	}
	if in.Snapshot.TrendStrength == indicator.StrengthWeak {
		sig.Confidence = gatedHoldConfidence
		sig.HoldReason = "trend strength weak"
		return sig
	}

	var bullish, bearish float64
	add := func(name string, points float64, toBull bool) {
		if points == 0 {
			return
		}
		if toBull {
			bullish += points
			sig.Factors[name] = points
		} else {
			bearish += points
			sig.Factors[name] = -points
		}
	}

	switch in.Snapshot.Trend {
	case indicator.TrendStrongUp:
		add("trend", weightTrend, true)
	case indicator.TrendUp:
		add("trend", weightTrend/2, true)
	case indicator.TrendStrongDown:
		add("trend", weightTrend, false)
	case indicator.TrendDown:
		add("trend", weightTrend/2, false)
	}

	switch {
	case in.Snapshot.RSI <= 30:
		add("oscillator", weightOscillator, true) // oversold bounce
	case in.Snapshot.RSI >= 70:
		add("oscillator", weightOscillator, false) // overbought
	case in.Snapshot.RSI > 55:
		add("oscillator", weightOscillator/2, true)
	case in.Snapshot.RSI < 45:
		add("oscillator", weightOscillator/2, false)
	}

	switch in.Snapshot.MACDState {
	case "bullish":
		add("macd", weightMACD, true)
	case "bearish":
		add("macd", weightMACD, false)
	}

	switch in.Snapshot.CloudBias {
	case "bullish":
		add("cloud", weightCloud, true)
	case "bearish":
		add("cloud", weightCloud, false)
	}

	sentimentValue := in.Sentiment.Value * clamp01(in.Sentiment.Confidence)
	switch {
	case sentimentValue >= 15:
		add("sentiment", weightSentiment*clamp01(in.Sentiment.Confidence), true)
	case sentimentValue <= -15:
		add("sentiment", weightSentiment*clamp01(in.Sentiment.Confidence), false)
	}

	predPts := weightPrediction * clamp01(in.Prediction.Confidence)
	switch in.Prediction.Direction {
	case predict.DirectionUp:
		add("prediction", predPts, true)
	case predict.DirectionDown:
		add("prediction", predPts, false)
	}

	switch in.Volume.OrderFlow {
	case volume.FlowBuyPressure:
		add("order_flow", weightOrderFlow, true)
	case volume.FlowSellPressure:
		add("order_flow", weightOrderFlow, false)
	}

	if in.Volume.NearSupport {
		add("near_support", weightLevels, true)
	}
	if in.Volume.NearResistance {
		add("near_resistance", weightLevels, false)
	}

	switch in.Snapshot.VolumePressure {
	case indicator.PressureAccumulation:
		add("volume_pressure", weightVolumePressure, true)
	case indicator.PressureDistribution:
		add("volume_pressure", weightVolumePressure, false)
	}

	sig.BullishScore = round2(bullish)
	sig.BearishScore = round2(bearish)

	switch {
	case bullish >= minScore && bullish-bearish >= minMargin:
		sig.Direction = Buy
		sig.Confidence = confidence(bullish, sentimentValue)
	case bearish >= minScore && bearish-bullish >= minMargin:
		sig.Direction = Sell
		sig.Confidence = confidence(bearish, sentimentValue)
	default:
		sig.Direction = Hold
		sig.Confidence = round2(math.Min(49, math.Max(bullish, bearish)*2.5))
		sig.HoldReason = "score below floor or margin"
	}
	sig.SuggestedLeverage = suggestLeverage(sig.Direction, sig.Confidence)
	return sig
}

// confidence maps the winning score monotonically into [0,100], then shifts
// it by the sentiment impact: positive sentiment raises it, negative lowers
// it, regardless of direction.
func confidence(winning, sentimentValue float64) float64 {
	base := 50 + winning*2.5
	impact := sentimentValue / 10 // at most ±10 points
	return round2(math.Min(100, math.Max(0, base+impact)))
}

func suggestLeverage(direction string, conf float64) int {
	if direction == Hold {
		return 0
	}
	switch {
	case conf >= 85:
		return 5
	case conf >= 70:
		return 3
	default:
		return 2
	}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
