package predict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"marlin/internal/market"
)

func trendCandles(n int, drift float64) []market.Candle {
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		open := price
		price *= 1 + drift
		hi, lo := price, open
		if open > price {
			hi, lo = open, price
		}
		out[i] = market.Candle{
			OpenTime:  int64(i) * 900_000,
			CloseTime: int64(i+1) * 900_000,
			Open:      open,
			High:      hi * 1.0005,
			Low:       lo * 0.9995,
			Close:     price,
			Volume:    1_000,
		}
	}
	return out
}

func TestPredictShortWindowIsNeutral(t *testing.T) {
	h := Heuristic{}
	got := h.Predict(context.Background(), "BTCUSDT", trendCandles(11, 0.01))
	assert.Equal(t, Neutral(), got)
	assert.Equal(t, DirectionFlat, got.Direction)
	assert.Zero(t, got.Score)
	assert.Zero(t, got.Confidence)
}

func TestPredictRisingWindowCallsUp(t *testing.T) {
	h := Heuristic{}
	got := h.Predict(context.Background(), "BTCUSDT", trendCandles(30, 0.01))
	assert.Equal(t, DirectionUp, got.Direction)
	assert.GreaterOrEqual(t, got.Score, 10.0)
	assert.Positive(t, got.Confidence)
}

func TestPredictFallingWindowCallsDown(t *testing.T) {
	h := Heuristic{}
	got := h.Predict(context.Background(), "BTCUSDT", trendCandles(30, -0.01))
	assert.Equal(t, DirectionDown, got.Direction)
	assert.LessOrEqual(t, got.Score, -10.0)
}

func TestPredictFlatWindowHalvesConfidence(t *testing.T) {
	h := Heuristic{}
	got := h.Predict(context.Background(), "BTCUSDT", trendCandles(30, 0))
	assert.Equal(t, DirectionFlat, got.Direction)
	assert.LessOrEqual(t, got.Confidence, 0.45)
}

func TestPredictScoreStaysInBand(t *testing.T) {
	h := Heuristic{}
	got := h.Predict(context.Background(), "BTCUSDT", trendCandles(30, 0.08))
	assert.Equal(t, DirectionUp, got.Direction)
	assert.LessOrEqual(t, got.Score, 100.0)
	assert.GreaterOrEqual(t, got.Confidence, 0.1)
	assert.LessOrEqual(t, got.Confidence, 0.9)
}
