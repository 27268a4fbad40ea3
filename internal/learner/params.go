package learner

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// ParameterSet is the process-wide control-parameter snapshot. It is
// immutable once published: readers get a full pre- or post-mutation copy,
// never a partially updated one. Only the learner publishes new snapshots.
type ParameterSet struct {
	ConfidenceThreshold    float64   `json:"confidence_threshold"`
	StopLossPercent        float64   `json:"stop_loss_percent"`
	TakeProfitPercent      float64   `json:"take_profit_percent"`
	MaxTradesPerDay        int       `json:"max_trades_per_day"`
	RiskPerTradePercent    float64   `json:"risk_per_trade_percent"`
	DisabledInstruments    []string  `json:"disabled_instruments"`
	PrioritizedInstruments []string  `json:"prioritized_instruments"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Bounds are the valid ranges a learner mutation may never leave. Values
// outside the range are clamped, not applied.
type Bounds struct {
	ConfidenceThresholdMin float64
	ConfidenceThresholdMax float64
	MaxTradesPerDayMin     int
	MaxTradesPerDayMax     int
}

func DefaultBounds() Bounds {
	return Bounds{
		ConfidenceThresholdMin: 50,
		ConfidenceThresholdMax: 90,
		MaxTradesPerDayMin:     2,
		MaxTradesPerDayMax:     50,
	}
}

// Clamped returns a copy with out-of-range values pulled back inside bounds.
func (p ParameterSet) Clamped(b Bounds) ParameterSet {
	out := p
	if out.ConfidenceThreshold < b.ConfidenceThresholdMin {
		out.ConfidenceThreshold = b.ConfidenceThresholdMin
	}
	if out.ConfidenceThreshold > b.ConfidenceThresholdMax {
		out.ConfidenceThreshold = b.ConfidenceThresholdMax
	}
	if out.MaxTradesPerDay < b.MaxTradesPerDayMin {
		out.MaxTradesPerDay = b.MaxTradesPerDayMin
	}
	if out.MaxTradesPerDay > b.MaxTradesPerDayMax {
		out.MaxTradesPerDay = b.MaxTradesPerDayMax
	}
	return out
}

// Disabled reports whether an instrument is on the disabled list.
func (p ParameterSet) Disabled(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return slices.Contains(p.DisabledInstruments, symbol)
}

// Prioritized reports whether an instrument is on the prioritized list.
func (p ParameterSet) Prioritized(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return slices.Contains(p.PrioritizedInstruments, symbol)
}

func (p ParameterSet) clone() ParameterSet {
	out := p
	out.DisabledInstruments = slices.Clone(p.DisabledInstruments)
	out.PrioritizedInstruments = slices.Clone(p.PrioritizedInstruments)
	return out
}

// ParamStore publishes ParameterSet snapshots with an atomic pointer swap.
type ParamStore struct {
	ptr atomic.Pointer[ParameterSet]
}

func NewParamStore(initial ParameterSet) *ParamStore {
	s := &ParamStore{}
	s.Replace(initial)
	return s
}

// Snapshot returns a copy of the current parameters.
func (s *ParamStore) Snapshot() ParameterSet {
	p := s.ptr.Load()
	if p == nil {
		return ParameterSet{}
	}
	return p.clone()
}

// Replace atomically publishes a new snapshot.
func (s *ParamStore) Replace(p ParameterSet) {
	next := p.clone()
	s.ptr.Store(&next)
}
