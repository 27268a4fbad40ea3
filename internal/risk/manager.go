// Package risk sizes and selects executable signals under a portfolio-wide
// budget. Allocation is greedy by descending confidence: each signal is
// sized independently and rejected outright when the remaining budget
// cannot cover it.
package risk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"marlin/internal/learner"
	"marlin/internal/signal"
)

// Allocation band as fractions of equity.
const (
	minFraction = 0.05
	maxFraction = 0.20

	// hardCeiling rejects instruments whose exchange minimum alone would
	// over-concentrate the account.
	hardCeiling = 0.20
)

// defaultMinQty is the fallback exchange minimum for symbols missing from
// the static table.
const defaultMinQty = 0.001

// Order is an accepted signal annotated with concrete execution terms.
type Order struct {
	Signal   signal.Signal
	Quantity float64
	Leverage int
	Capital  float64 // margin committed, in stake currency
	Fraction float64 // Capital / equity at selection time
}

// Rejection records why a signal was not selected this cycle.
type Rejection struct {
	Symbol     string
	Confidence float64
	Reason     string
}

// Manager holds the static per-instrument minimum-quantity table.
type Manager struct {
	minQty map[string]float64
}

func NewManager(minQty map[string]float64) *Manager {
	table := make(map[string]float64, len(minQty))
	for sym, qty := range minQty {
		table[normalizeSymbol(sym)] = qty
	}
	return &Manager{minQty: table}
}

// MinQuantity returns the exchange minimum tradable quantity for a symbol.
func (m *Manager) MinQuantity(symbol string) float64 {
	if q, ok := m.minQty[normalizeSymbol(symbol)]; ok && q > 0 {
		return q
	}
	return defaultMinQty
}

// Allocate selects and sizes signals. Non-HOLD signals below the confidence
// threshold are rejected outright; the rest are taken greedily by descending
// confidence while the running allocated capital stays within equity minus
// existing open exposure. A signal that would exceed the remaining budget is
// skipped, not deferred.
func (m *Manager) Allocate(signals []signal.Signal, equity, openExposure float64, params learner.ParameterSet) ([]Order, []Rejection) {
	if equity <= 0 {
		rejects := make([]Rejection, 0, len(signals))
		for _, s := range signals {
			rejects = append(rejects, Rejection{Symbol: s.Symbol, Confidence: s.Confidence, Reason: "no equity"})
		}
		return nil, rejects
	}

	candidates := make([]signal.Signal, 0, len(signals))
	var rejects []Rejection
	for _, s := range signals {
		if s.Direction == signal.Hold {
			continue
		}
		if s.Confidence < params.ConfidenceThreshold {
			rejects = append(rejects, Rejection{
				Symbol:     s.Symbol,
				Confidence: s.Confidence,
				Reason:     fmt.Sprintf("confidence %.1f below threshold %.1f", s.Confidence, params.ConfidenceThreshold),
			})
			continue
		}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	remaining := equity - openExposure
	var orders []Order
	for _, s := range candidates {
		order, reason := m.size(s, equity, params)
		if reason != "" {
			rejects = append(rejects, Rejection{Symbol: s.Symbol, Confidence: s.Confidence, Reason: reason})
			continue
		}
		if order.Capital > remaining {
			rejects = append(rejects, Rejection{
				Symbol:     s.Symbol,
				Confidence: s.Confidence,
				Reason:     fmt.Sprintf("budget exhausted: need %.2f, remaining %.2f", order.Capital, remaining),
			})
			continue
		}
		remaining -= order.Capital
		orders = append(orders, order)
	}
	return orders, rejects
}

// size computes quantity, leverage and capital for one signal, or a
// rejection reason.
func (m *Manager) size(s signal.Signal, equity float64, params learner.ParameterSet) (Order, string) {
	price := s.LastPrice
	if price <= 0 {
		return Order{}, "no price"
	}
	leverage := s.SuggestedLeverage
	if leverage <= 0 {
		leverage = 1
	}
	minQty := m.MinQuantity(s.Symbol)

	// Minimum equity fraction needed to honor the exchange minimum at this
	// price and leverage.
	minNeeded := minQty * price / float64(leverage) / equity
	if minNeeded > hardCeiling {
		return Order{}, fmt.Sprintf("exchange minimum needs %.1f%% of equity, ceiling is %.0f%%",
			minNeeded*100, hardCeiling*100)
	}

	fraction := params.RiskPerTradePercent / 100
	if fraction < minFraction {
		fraction = minFraction
	}
	if fraction < minNeeded {
		fraction = minNeeded
	}
	if fraction > maxFraction {
		fraction = maxFraction
	}

	capital := fraction * equity
	quantity := quantize(capital*float64(leverage)/price, minQty)
	if quantity < minQty {
		return Order{}, "sized quantity below exchange minimum"
	}
	// Recompute committed margin from the quantized quantity.
	capital = quantity * price / float64(leverage)

	return Order{
		Signal:   s,
		Quantity: quantity,
		Leverage: leverage,
		Capital:  capital,
		Fraction: capital / equity,
	}, ""
}

// quantize floors a quantity to a whole multiple of the exchange step.
// Decimal arithmetic avoids float drift right at the step boundary.
func quantize(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	q := decimal.NewFromFloat(quantity)
	st := decimal.NewFromFloat(step)
	steps := q.Div(st).Floor()
	out, _ := steps.Mul(st).Float64()
	return out
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
