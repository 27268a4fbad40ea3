// Package indicator computes the per-cycle technical snapshot from a candle
// window. All math is deterministic and side-effect-free: the same window
// always yields the same snapshot. Windows shorter than an indicator's
// minimum period produce that indicator's documented neutral default instead
// of an error.
package indicator

import (
	"math"

	"github.com/markcheno/go-talib"

	"marlin/internal/market"
)

// Trend classifications.
const (
	TrendStrongUp   = "strong_up"
	TrendUp         = "up"
	TrendNeutral    = "neutral"
	TrendDown       = "down"
	TrendStrongDown = "strong_down"
)

// Trend strength states (from ADX).
const (
	StrengthStrong   = "strong"
	StrengthModerate = "moderate"
	StrengthWeak     = "weak"
)

// Volume pressure states.
const (
	PressureAccumulation = "accumulation"
	PressureDistribution = "distribution"
	PressureNeutral      = "neutral"
)

// Minimum window lengths. Below these the corresponding field stays at its
// neutral default.
const (
	minOscillatorWindow = 15
	minTrendWindow      = 26
	minStrengthWindow   = 28
	minCloudWindow      = 52
	minLevelsWindow     = 20
)

// Snapshot is the derived, per-instrument, per-cycle indicator state. It is
// an intermediate: recomputed every cycle, never persisted on its own.
type Snapshot struct {
	Symbol string `json:"symbol"`
	Count  int    `json:"count"`

	Trend         string  `json:"trend"`
	TrendStrength string  `json:"trend_strength"`
	ADX           float64 `json:"adx"`

	RSI       float64 `json:"rsi"`
	MACDState string  `json:"macd_state"`
	MACDHist  float64 `json:"macd_hist"`

	ATR        float64 `json:"atr"`
	ATRPercent float64 `json:"atr_percent"`

	VolumePressure string `json:"volume_pressure"`

	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
	CloudBias  string  `json:"cloud_bias"`

	LastClose float64 `json:"last_close"`
}

// Neutral returns the snapshot every field falls back to when history is
// insufficient. Callers treat it as a valid low-confidence state.
func Neutral(symbol string) Snapshot {
	return Snapshot{
		Symbol:         symbol,
		Trend:          TrendNeutral,
		TrendStrength:  StrengthWeak,
		RSI:            50,
		MACDState:      "flat",
		VolumePressure: PressureNeutral,
		CloudBias:      TrendNeutral,
	}
}

// Compute derives the full snapshot for one candle window.
func Compute(symbol string, candles []market.Candle) Snapshot {
	snap := Neutral(symbol)
	snap.Count = len(candles)
	if len(candles) == 0 {
		return snap
	}
	_, highs, lows, closes, volumes := market.Series(candles)
	snap.LastClose = closes[len(closes)-1]

	if len(candles) >= minOscillatorWindow {
		rsi := sanitizeSeries(talib.Rsi(closes, 14))
		if v, ok := lastValid(rsi); ok {
			snap.RSI = v
		}
		atr := sanitizeSeries(talib.Atr(highs, lows, closes, 14))
		if v, ok := lastValid(atr); ok {
			snap.ATR = v
			if snap.LastClose > 0 {
				snap.ATRPercent = round4(v / snap.LastClose * 100)
			}
		}
	}

	if len(candles) >= minTrendWindow {
		snap.Trend = classifyTrend(closes)
		_, _, hist := talib.Macd(closes, 12, 26, 9)
		histSeries := sanitizeSeries(hist)
		if v, ok := lastValid(histSeries); ok {
			snap.MACDHist = v
			switch {
			case v > 0:
				snap.MACDState = "bullish"
			case v < 0:
				snap.MACDState = "bearish"
			}
		}
	}

	if len(candles) >= minStrengthWindow {
		adx := sanitizeSeries(talib.Adx(highs, lows, closes, 14))
		if v, ok := lastValid(adx); ok {
			snap.ADX = v
			switch {
			case v >= 25:
				snap.TrendStrength = StrengthStrong
			case v >= 20:
				snap.TrendStrength = StrengthModerate
			}
		}
	}

	if len(candles) >= minOscillatorWindow {
		snap.VolumePressure = classifyVolumePressure(closes, volumes)
	}

	if len(candles) >= minLevelsWindow {
		snap.Support, snap.Resistance = recentLevels(highs, lows, minLevelsWindow)
	}

	if len(candles) >= minCloudWindow {
		snap.CloudBias = cloudBias(highs, lows, snap.LastClose)
	}

	return snap
}

// classifyTrend uses EMA 9/21/50 alignment against the last close.
func classifyTrend(closes []float64) string {
	emaFast := sanitizeSeries(talib.Ema(closes, 9))
	emaMid := sanitizeSeries(talib.Ema(closes, 21))
	fast, okFast := lastValid(emaFast)
	mid, okMid := lastValid(emaMid)
	if !okFast || !okMid || fast <= 0 || mid <= 0 {
		return TrendNeutral
	}
	price := closes[len(closes)-1]

	slow, okSlow := 0.0, false
	if len(closes) >= 50 {
		emaSlow := sanitizeSeries(talib.Ema(closes, 50))
		slow, okSlow = lastValid(emaSlow)
	}

	switch {
	case price > fast && fast > mid:
		if okSlow && mid > slow {
			return TrendStrongUp
		}
		return TrendUp
	case price < fast && fast < mid:
		if okSlow && mid < slow {
			return TrendStrongDown
		}
		return TrendDown
	case price > mid:
		return TrendUp
	case price < mid:
		return TrendDown
	default:
		return TrendNeutral
	}
}

// classifyVolumePressure reads OBV direction over the last 10 bars.
func classifyVolumePressure(closes, volumes []float64) string {
	obv := sanitizeSeries(talib.Obv(closes, volumes))
	if len(obv) < 10 {
		return PressureNeutral
	}
	recent := obv[len(obv)-1]
	past := obv[len(obv)-10]
	delta := recent - past
	scale := math.Abs(past)
	if scale < 1 {
		scale = 1
	}
	switch {
	case delta > 0.005*scale:
		return PressureAccumulation
	case delta < -0.005*scale:
		return PressureDistribution
	default:
		return PressureNeutral
	}
}

// recentLevels takes the extreme high/low of the trailing window as naive
// resistance/support.
func recentLevels(highs, lows []float64, window int) (support, resistance float64) {
	if len(highs) < window || len(lows) < window {
		return 0, 0
	}
	hi := highs[len(highs)-window:]
	lo := lows[len(lows)-window:]
	resistance = hi[0]
	support = lo[0]
	for i := 1; i < window; i++ {
		if hi[i] > resistance {
			resistance = hi[i]
		}
		if lo[i] < support {
			support = lo[i]
		}
	}
	return round4(support), round4(resistance)
}

// cloudBias is an Ichimoku-style read: price above both span lines is
// bullish, below both bearish. talib has no Ichimoku, so the spans are
// computed directly.
func cloudBias(highs, lows []float64, lastClose float64) string {
	tenkan := midpoint(highs, lows, 9)
	kijun := midpoint(highs, lows, 26)
	if tenkan <= 0 || kijun <= 0 {
		return TrendNeutral
	}
	spanA := (tenkan + kijun) / 2
	spanB := midpoint(highs, lows, 52)
	if spanB <= 0 {
		return TrendNeutral
	}
	upper := math.Max(spanA, spanB)
	lower := math.Min(spanA, spanB)
	switch {
	case lastClose > upper:
		return "bullish"
	case lastClose < lower:
		return "bearish"
	default:
		return TrendNeutral
	}
}

func midpoint(highs, lows []float64, period int) float64 {
	if len(highs) < period || len(lows) < period {
		return 0
	}
	hi := highs[len(highs)-period:]
	lo := lows[len(lows)-period:]
	maxHigh := hi[0]
	minLow := lo[0]
	for i := 1; i < period; i++ {
		if hi[i] > maxHigh {
			maxHigh = hi[i]
		}
		if lo[i] < minLow {
			minLow = lo[i]
		}
	}
	return (maxHigh + minLow) / 2
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, round4(v))
	}
	return out
}

func lastValid(series []float64) (float64, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) && series[i] != 0 {
			return series[i], true
		}
	}
	return 0, false
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
