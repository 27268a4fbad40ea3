package position

import (
	"math"

	"github.com/shopspring/decimal"

	"marlin/internal/gateway/exchange"
)

// Price comparisons around stop levels run through decimal to avoid float
// drift flipping a decision exactly at the level.

var (
	decOne     = decimal.NewFromInt(1)
	decimalEps = decimal.NewFromFloat(1e-8)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// relativeLevel offsets an entry price by pct in the direction that pct's
// sign and the position side imply: positive pct moves toward profit.
func relativeLevel(entry, pct float64, side string) float64 {
	if entry <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	pctDec := decFromFloat(pct)
	var factor decimal.Decimal
	switch side {
	case exchange.SideShort:
		factor = decOne.Sub(pctDec)
	default:
		factor = decOne.Add(pctDec)
	}
	return decToFloat(base.Mul(factor))
}

// stopBreached reports whether price has crossed the stop level against the
// position.
func stopBreached(side string, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	cmp := decFromFloat(price).Cmp(decFromFloat(stop))
	if side == exchange.SideShort {
		return cmp >= 0
	}
	return cmp <= 0
}

// targetReached reports whether price has crossed the take-profit level in
// the position's favor.
func targetReached(side string, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	cmp := decFromFloat(price).Cmp(decFromFloat(target))
	if side == exchange.SideShort {
		return cmp <= 0
	}
	return cmp >= 0
}

// betterAnchor reports whether price improves on the current trailing anchor
// (new peak for longs, new trough for shorts).
func betterAnchor(side string, price, anchor float64) bool {
	if price <= 0 {
		return false
	}
	if anchor <= 0 {
		return true
	}
	cmp := decFromFloat(price).Cmp(decFromFloat(anchor))
	if side == exchange.SideShort {
		return cmp < 0
	}
	return cmp > 0
}

// trailingStopFor derives the stop level a trailing distance below (long) or
// above (short) the anchor.
func trailingStopFor(side string, anchor, distancePct float64) float64 {
	if anchor <= 0 || distancePct <= 0 {
		return 0
	}
	base := decFromFloat(anchor)
	pctDec := decFromFloat(distancePct)
	var factor decimal.Decimal
	if side == exchange.SideShort {
		factor = decOne.Add(pctDec)
	} else {
		factor = decOne.Sub(pctDec)
	}
	return decToFloat(base.Mul(factor))
}

// favorableStopMove only admits candidates that tighten the stop: higher for
// longs, lower for shorts. A trailing stop never loosens.
func favorableStopMove(side string, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	if side == exchange.SideShort {
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	}
	return cand.Cmp(curr.Add(decimalEps)) > 0
}

// pnlRatio is the leveraged unrealized P&L ratio at the given price.
func pnlRatio(side string, entry, price float64, leverage int) float64 {
	if entry <= 0 || price <= 0 {
		return 0
	}
	lev := float64(leverage)
	if lev <= 0 {
		lev = 1
	}
	move := (price - entry) / entry
	if side == exchange.SideShort {
		move = -move
	}
	return move * lev
}
