// Package predict hosts the heuristic price-direction predictor. The
// Predictor interface is the seam where a learned model could be swapped in
// without touching the signal scorer.
package predict

import (
	"context"
	"math"

	"marlin/internal/market"
)

const (
	DirectionUp   = "up"
	DirectionDown = "down"
	DirectionFlat = "flat"
)

// Prediction is a direction call with a signed score in [-100, 100] and a
// confidence weight in [0, 1].
type Prediction struct {
	Direction  string  `json:"direction"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Neutral is the degraded prediction for insufficient history.
func Neutral() Prediction {
	return Prediction{Direction: DirectionFlat}
}

type Predictor interface {
	Predict(ctx context.Context, symbol string, candles []market.Candle) Prediction
}

const minPredictWindow = 12

// Heuristic is the built-in deterministic predictor: short-horizon momentum
// plus bar-structure (higher highs / lower lows), damped when the recent
// range is wide relative to the move.
type Heuristic struct{}

var _ Predictor = Heuristic{}

func (Heuristic) Predict(_ context.Context, _ string, candles []market.Candle) Prediction {
	if len(candles) < minPredictWindow {
		return Neutral()
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	last := closes[len(closes)-1]
	if last <= 0 {
		return Neutral()
	}

	mom5 := pctChange(closes, 5)
	mom10 := pctChange(closes, 10)
	momentum := (mom5*2 + mom10) / 3 * 100 // percent, short horizon weighted

	structure := barStructure(market.Tail(candles, 6))

	score := momentum*8 + structure*10
	score = clamp(score, -100, 100)

	// Choppy windows cut confidence: a move smaller than the window's
	// high-low range is noise more often than signal.
	rangeFrac := windowRangeFraction(market.Tail(candles, 10))
	moveFrac := math.Abs(mom10)
	confidence := 0.3
	if rangeFrac > 0 {
		confidence = clamp(moveFrac/rangeFrac, 0.1, 0.9)
	}

	direction := DirectionFlat
	switch {
	case score >= 10:
		direction = DirectionUp
	case score <= -10:
		direction = DirectionDown
	default:
		confidence = confidence / 2
	}
	return Prediction{Direction: direction, Score: round2(score), Confidence: round2(confidence)}
}

func pctChange(closes []float64, lag int) float64 {
	if len(closes) <= lag {
		return 0
	}
	prev := closes[len(closes)-1-lag]
	if prev <= 0 {
		return 0
	}
	return (closes[len(closes)-1] - prev) / prev
}

// barStructure counts higher-highs minus lower-lows across consecutive bars,
// normalized to [-1, 1].
func barStructure(candles []market.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	score := 0
	for i := 1; i < len(candles); i++ {
		if candles[i].High > candles[i-1].High && candles[i].Low > candles[i-1].Low {
			score++
		} else if candles[i].High < candles[i-1].High && candles[i].Low < candles[i-1].Low {
			score--
		}
	}
	return float64(score) / float64(len(candles)-1)
}

func windowRangeFraction(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	hi := candles[0].High
	lo := candles[0].Low
	for _, c := range candles[1:] {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
	}
	last := candles[len(candles)-1].Close
	if last <= 0 || hi <= lo {
		return 0
	}
	return (hi - lo) / last
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
