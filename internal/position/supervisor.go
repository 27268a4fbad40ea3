// Package position owns the lifecycle of open positions: entry recording,
// per-cycle exit evaluation (stop-loss, take-profit, trailing stop), and
// reconciliation against the exchange, which is the source of truth for
// fills. State lives in memory for the process lifetime and is mirrored to
// the trade store.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marlin/internal/analysis/indicator"
	"marlin/internal/gateway/exchange"
	"marlin/internal/logger"
	"marlin/internal/market"
	"marlin/internal/store"
)

var (
	ErrAlreadyOpen = errors.New("position already open for instrument and side")
	ErrNotFound    = errors.New("no such open position")
	// ErrOutcomeUnknown marks an order write whose result could not be
	// observed. The position stays in the opening state and only
	// reconciliation may resolve it; callers must not treat it as failed.
	ErrOutcomeUnknown = errors.New("order outcome unknown, awaiting reconciliation")
)

// Options tune supervisor behavior.
type Options struct {
	// TrailTrigger is the leveraged unrealized P&L ratio that activates the
	// trailing stop (e.g. 0.10 = +10%).
	TrailTrigger float64
	// TrailDistance is the stop's distance from the trailing anchor.
	TrailDistance float64
	// CallTimeout bounds every exchange/store call made by the supervisor.
	CallTimeout time.Duration
	// HistoryCap bounds the in-memory closed-position history.
	HistoryCap int
}

func (o Options) withDefaults() Options {
	out := o
	if out.TrailTrigger <= 0 {
		out.TrailTrigger = 0.10
	}
	if out.TrailDistance <= 0 {
		out.TrailDistance = 0.02
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 10 * time.Second
	}
	if out.HistoryCap <= 0 {
		out.HistoryCap = 200
	}
	return out
}

// OpenIntent is everything needed to record and place a new position.
type OpenIntent struct {
	Symbol        string
	Side          string
	Quantity      float64
	Leverage      int
	Price         float64
	Confidence    float64
	Snapshot      indicator.Snapshot
	StopLossPct   float64
	TakeProfitPct float64
}

// Supervisor is the single writer for position state. Exchange order
// execution and state mutation are serialized behind its mutex.
type Supervisor struct {
	ex   exchange.Exchange
	st   *store.Store
	opts Options

	mu      sync.Mutex
	open    map[string]*Position
	pending map[string]string // key -> requested exit reason while closing
	closed  []Position
}

func NewSupervisor(ex exchange.Exchange, st *store.Store, opts Options) *Supervisor {
	return &Supervisor{
		ex:      ex,
		st:      st,
		opts:    opts.withDefaults(),
		open:    make(map[string]*Position),
		pending: make(map[string]string),
	}
}

// Open places a market order and records the resulting position. Stop-loss
// and take-profit levels are derived before the order goes out; a position
// is never considered open without them. A timeout leaves the position in
// the opening state: the outcome is unknown and only reconciliation may
// resolve it.
func (s *Supervisor) Open(ctx context.Context, intent OpenIntent) (Position, error) {
	if intent.Price <= 0 || intent.Quantity <= 0 {
		return Position{}, fmt.Errorf("open %s: invalid price/quantity", intent.Symbol)
	}
	k := key(intent.Symbol, intent.Side)

	s.mu.Lock()
	if _, exists := s.open[k]; exists {
		s.mu.Unlock()
		return Position{}, fmt.Errorf("open %s %s: %w", intent.Symbol, intent.Side, ErrAlreadyOpen)
	}
	pos := &Position{
		ID:            uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		EntryPrice:    intent.Price,
		Quantity:      intent.Quantity,
		Leverage:      intent.Leverage,
		StopLoss:      relativeLevel(intent.Price, -intent.StopLossPct/100, intent.Side),
		TakeProfit:    relativeLevel(intent.Price, intent.TakeProfitPct/100, intent.Side),
		Confidence:    intent.Confidence,
		EntrySnapshot: intent.Snapshot,
		Status:        StatusOpening,
		OpenedAt:      time.Now().UTC(),
	}
	s.open[k] = pos
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	result, err := s.ex.OpenPosition(callCtx, exchange.OpenRequest{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Quantity:   intent.Quantity,
		Leverage:   intent.Leverage,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Unknown outcome: keep the opening marker for reconciliation.
			logger.Warnf("supervisor: open %s %s outcome unknown, awaiting reconciliation: %v", intent.Symbol, intent.Side, err)
			return *pos, fmt.Errorf("open %s %s: %w: %w", intent.Symbol, intent.Side, ErrOutcomeUnknown, err)
		}
		delete(s.open, k)
		return Position{}, fmt.Errorf("open %s %s: %w", intent.Symbol, intent.Side, err)
	}

	if result.EntryPrice > 0 {
		pos.EntryPrice = result.EntryPrice
		pos.StopLoss = relativeLevel(result.EntryPrice, -intent.StopLossPct/100, intent.Side)
		pos.TakeProfit = relativeLevel(result.EntryPrice, intent.TakeProfitPct/100, intent.Side)
	}
	pos.Status = StatusOpen
	s.mirrorOpen(ctx, *pos)
	logger.Infof("supervisor: opened %s %s qty=%.6f entry=%.4f sl=%.4f tp=%.4f lev=x%d",
		pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.StopLoss, pos.TakeProfit, pos.Leverage)
	return *pos, nil
}

// Evaluate runs the per-cycle exit checks for one instrument against its
// latest candle: stop-loss and take-profit against the bar's extremes (the
// recorded exit price is the level, not the wick), then the trailing-stop
// ratchet at the close. Returns the positions closed by this evaluation.
func (s *Supervisor) Evaluate(ctx context.Context, symbol string, candle market.Candle) []Position {
	s.mu.Lock()
	targets := make([]*Position, 0, 2)
	for _, side := range []string{exchange.SideLong, exchange.SideShort} {
		if pos, ok := s.open[key(symbol, side)]; ok && pos.Status == StatusOpen {
			targets = append(targets, pos)
		}
	}
	s.mu.Unlock()

	var closedNow []Position
	for _, pos := range targets {
		adversePrice := candle.Low
		favorablePrice := candle.High
		if pos.Side == exchange.SideShort {
			adversePrice = candle.High
			favorablePrice = candle.Low
		}

		switch {
		case stopBreached(pos.Side, adversePrice, pos.StopLoss):
			if done, ok := s.requestClose(ctx, pos, pos.StopLoss, ReasonStopLoss); ok {
				closedNow = append(closedNow, done)
			}
			continue
		case targetReached(pos.Side, favorablePrice, pos.TakeProfit):
			if done, ok := s.requestClose(ctx, pos, pos.TakeProfit, ReasonTakeProfit); ok {
				closedNow = append(closedNow, done)
			}
			continue
		}
		s.updateTrailing(pos, candle.Close)
	}
	return closedNow
}

// updateTrailing activates the trailing stop once unrealized profit crosses
// the trigger and then ratchets it; the stop only ever moves in the
// favorable direction.
func (s *Supervisor) updateTrailing(pos *Position, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.Status != StatusOpen {
		return
	}
	if !pos.TrailingActive {
		if pnlRatio(pos.Side, pos.EntryPrice, price, pos.Leverage) < s.opts.TrailTrigger {
			return
		}
		pos.TrailingActive = true
		pos.TrailingAnchor = price
		if stop := trailingStopFor(pos.Side, price, s.opts.TrailDistance); favorableStopMove(pos.Side, stop, pos.StopLoss) {
			pos.StopLoss = stop
		}
		logger.Infof("supervisor: trailing activated %s %s anchor=%.4f stop=%.4f", pos.Symbol, pos.Side, pos.TrailingAnchor, pos.StopLoss)
		return
	}
	if !betterAnchor(pos.Side, price, pos.TrailingAnchor) {
		return
	}
	pos.TrailingAnchor = price
	if stop := trailingStopFor(pos.Side, price, s.opts.TrailDistance); favorableStopMove(pos.Side, stop, pos.StopLoss) {
		pos.StopLoss = stop
		logger.Debugf("supervisor: trailing adjusted %s %s anchor=%.4f stop=%.4f", pos.Symbol, pos.Side, pos.TrailingAnchor, pos.StopLoss)
	}
}

// CloseManual closes a position at the operator's request.
func (s *Supervisor) CloseManual(ctx context.Context, symbol, side string, price float64) (Position, error) {
	s.mu.Lock()
	pos, ok := s.open[key(symbol, side)]
	s.mu.Unlock()
	if !ok || pos.Status != StatusOpen {
		return Position{}, fmt.Errorf("close %s %s: %w", symbol, side, ErrNotFound)
	}
	if price <= 0 {
		price = pos.EntryPrice
	}
	done, closedOK := s.requestClose(ctx, pos, price, ReasonManual)
	if !closedOK {
		return Position{}, fmt.Errorf("close %s %s: outcome unknown, awaiting reconciliation", symbol, side)
	}
	return done, nil
}

// requestClose drives open → closing → closed. A failed or timed-out
// exchange call leaves the position in closing; the outcome is unknown and
// reconciliation resolves it on a later cycle.
func (s *Supervisor) requestClose(ctx context.Context, pos *Position, exitPrice float64, reason string) (Position, bool) {
	s.mu.Lock()
	if pos.Status != StatusOpen {
		s.mu.Unlock()
		return Position{}, false
	}
	pos.Status = StatusClosing
	s.pending[key(pos.Symbol, pos.Side)] = reason
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	if err := s.ex.ClosePosition(callCtx, pos.Symbol, pos.Side); err != nil {
		logger.Warnf("supervisor: close %s %s failed (reason=%s), awaiting reconciliation: %v", pos.Symbol, pos.Side, reason, err)
		return Position{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked(ctx, pos, exitPrice, reason, time.Now().UTC())
	return *pos, true
}

// Reconcile re-derives local state from the exchange. It runs every cycle
// before new positions are opened so the loop never acts on stale state.
// Opening markers are confirmed or discarded; open/closing positions the
// exchange no longer reports are closed with the exchange's fill data.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	remote, err := s.ex.GetOpenPositions(callCtx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	byKey := make(map[string]exchange.Position, len(remote))
	for _, p := range remote {
		byKey[key(p.Symbol, p.Side)] = p
	}

	s.mu.Lock()
	locals := make([]*Position, 0, len(s.open))
	for _, pos := range s.open {
		locals = append(locals, pos)
	}
	s.mu.Unlock()

	for _, pos := range locals {
		k := key(pos.Symbol, pos.Side)
		remotePos, onExchange := byKey[k]

		switch pos.Status {
		case StatusOpening:
			s.mu.Lock()
			if onExchange {
				pos.EntryPrice = remotePos.EntryPrice
				if remotePos.Amount > 0 {
					pos.Quantity = remotePos.Amount
				}
				pos.Status = StatusOpen
				snapshot := *pos
				s.mu.Unlock()
				logger.Infof("supervisor: reconciliation confirmed open %s %s entry=%.4f", pos.Symbol, pos.Side, pos.EntryPrice)
				s.mirrorOpen(ctx, snapshot)
			} else {
				delete(s.open, k)
				s.mu.Unlock()
				logger.Warnf("supervisor: reconciliation cleared unfilled order %s %s", pos.Symbol, pos.Side)
			}
		case StatusOpen, StatusClosing:
			if onExchange {
				continue
			}
			// Exchange closed it: liquidation, manual intervention, or our
			// own in-flight close completing.
			exitPrice, realized := s.lookupExitFill(ctx, pos)
			reason := ReasonReconciled
			s.mu.Lock()
			if pending, ok := s.pending[k]; ok && pos.Status == StatusClosing {
				reason = pending
			}
			s.finalizeWithRealized(ctx, pos, exitPrice, reason, time.Now().UTC(), realized)
			s.mu.Unlock()
			logger.Infof("supervisor: reconciled close %s %s exit=%.4f reason=%s", pos.Symbol, pos.Side, exitPrice, reason)
		}
	}
	return nil
}

// lookupExitFill recovers the exit price from the most recent fill on the
// closing order side. When no fill can be found it falls back to the current
// price, then the entry price; multi-lot matching is out of scope (one
// position per instrument+side).
func (s *Supervisor) lookupExitFill(ctx context.Context, pos *Position) (price, realized float64) {
	closingSide := exchange.ClosingOrderSide(pos.Side)
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	fills, err := s.ex.GetTradeHistory(callCtx, pos.Symbol, 20)
	if err != nil {
		logger.Warnf("supervisor: fill lookup failed %s: %v", pos.Symbol, err)
		return s.fallbackExitPrice(ctx, pos), 0
	}
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		if f.Side == closingSide && !f.Time.Before(pos.OpenedAt) && f.Price > 0 {
			return f.Price, f.Realized
		}
	}
	return s.fallbackExitPrice(ctx, pos), 0
}

func (s *Supervisor) fallbackExitPrice(ctx context.Context, pos *Position) float64 {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	quote, err := s.ex.GetPrice(callCtx, pos.Symbol)
	if err != nil || quote.Last <= 0 {
		return pos.EntryPrice
	}
	return quote.Last
}

// finalizeLocked transitions to closed exactly once and records the exit.
// Calling it on an already-closed position is a no-op.
func (s *Supervisor) finalizeLocked(ctx context.Context, pos *Position, exitPrice float64, reason string, at time.Time) {
	s.finalizeWithRealized(ctx, pos, exitPrice, reason, at, 0)
}

// finalizeWithRealized is finalizeLocked with an exchange-reported realized
// P&L; zero means derive it from the exit price.
func (s *Supervisor) finalizeWithRealized(ctx context.Context, pos *Position, exitPrice float64, reason string, at time.Time, realized float64) {
	if pos.Status == StatusClosed {
		return
	}
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}
	pos.Status = StatusClosed
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.ClosedAt = at

	move := exitPrice - pos.EntryPrice
	if pos.Side == exchange.SideShort {
		move = -move
	}
	pos.RealizedPnL = move * pos.Quantity
	if realized != 0 {
		pos.RealizedPnL = realized
	}
	if pos.EntryPrice > 0 {
		pos.RealizedPnLPct = pnlRatio(pos.Side, pos.EntryPrice, exitPrice, pos.Leverage) * 100
	}

	k := key(pos.Symbol, pos.Side)
	delete(s.open, k)
	delete(s.pending, k)
	s.closed = append(s.closed, *pos)
	if len(s.closed) > s.opts.HistoryCap {
		s.closed = s.closed[len(s.closed)-s.opts.HistoryCap:]
	}
	s.mirrorExit(ctx, *pos)
}

// mirrorOpen persists the newly opened trade. A store failure is logged and
// otherwise ignored: in-memory state stays authoritative.
func (s *Supervisor) mirrorOpen(ctx context.Context, pos Position) {
	if s.st == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	_, err := s.st.InsertTrade(callCtx, store.TradeRecord{
		TradeID:       pos.ID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		StopLoss:      pos.StopLoss,
		TakeProfit:    pos.TakeProfit,
		Confidence:    pos.Confidence,
		EntrySnapshot: pos.EntrySnapshot,
		Status:        store.StatusOpen,
		OpenedAt:      pos.OpenedAt,
	})
	if err != nil {
		logger.Errorf("supervisor: trade mirror write failed %s %s: %v", pos.Symbol, pos.Side, err)
	}
}

func (s *Supervisor) mirrorExit(ctx context.Context, pos Position) {
	if s.st == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	err := s.st.UpdateTradeExit(callCtx, pos.Symbol, pos.OpenedAt, store.ExitFields{
		ExitPrice:      pos.ExitPrice,
		ExitReason:     pos.ExitReason,
		RealizedPnL:    pos.RealizedPnL,
		RealizedPnLPct: pos.RealizedPnLPct,
		ClosedAt:       pos.ClosedAt,
	})
	if err != nil {
		logger.Errorf("supervisor: trade exit write failed %s %s: %v", pos.Symbol, pos.Side, err)
	}
}

// Rehydrate rebuilds open-position state after a restart: store rows still
// marked open are re-adopted when the exchange confirms them, otherwise
// closed as reconciled.
func (s *Supervisor) Rehydrate(ctx context.Context) error {
	if s.st == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	rows, err := s.st.OpenTrades(callCtx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	remoteCtx, cancelRemote := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancelRemote()
	remote, err := s.ex.GetOpenPositions(remoteCtx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	byKey := make(map[string]exchange.Position, len(remote))
	for _, p := range remote {
		byKey[key(p.Symbol, p.Side)] = p
	}

	for _, rec := range rows {
		k := key(rec.Symbol, rec.Side)
		if _, onExchange := byKey[k]; onExchange {
			pos := &Position{
				ID:            rec.TradeID,
				Symbol:        rec.Symbol,
				Side:          rec.Side,
				EntryPrice:    rec.EntryPrice,
				Quantity:      rec.Quantity,
				Leverage:      rec.Leverage,
				StopLoss:      rec.StopLoss,
				TakeProfit:    rec.TakeProfit,
				Confidence:    rec.Confidence,
				EntrySnapshot: rec.EntrySnapshot,
				Status:        StatusOpen,
				OpenedAt:      rec.OpenedAt,
			}
			s.mu.Lock()
			s.open[k] = pos
			s.mu.Unlock()
			logger.Infof("supervisor: rehydrated %s %s entry=%.4f", rec.Symbol, rec.Side, rec.EntryPrice)
			continue
		}
		// The exchange no longer has it; close the record.
		pos := &Position{
			ID:         rec.TradeID,
			Symbol:     rec.Symbol,
			Side:       rec.Side,
			EntryPrice: rec.EntryPrice,
			Quantity:   rec.Quantity,
			Leverage:   rec.Leverage,
			Status:     StatusOpen,
			OpenedAt:   rec.OpenedAt,
		}
		exitPrice, _ := s.lookupExitFill(ctx, pos)
		s.mu.Lock()
		s.open[k] = pos
		s.finalizeLocked(ctx, pos, exitPrice, ReasonReconciled, time.Now().UTC())
		s.mu.Unlock()
		logger.Infof("supervisor: rehydration closed stale trade %s %s exit=%.4f", rec.Symbol, rec.Side, exitPrice)
	}
	return nil
}

// OpenPositions returns copies of the currently tracked open/opening/closing
// positions, oldest first.
func (s *Supervisor) OpenPositions() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.open))
	for _, pos := range s.open {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ClosedPositions returns up to limit most recent closed positions, newest
// first.
func (s *Supervisor) ClosedPositions(limit int) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.closed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Position, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.closed[i])
	}
	return out
}

// HasOpen reports whether a position is tracked for (symbol, side) in any
// non-closed state.
func (s *Supervisor) HasOpen(symbol, side string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[key(symbol, side)]
	return ok
}

// RealizedSince sums realized P&L across positions closed at or after t.
func (s *Supervisor) RealizedSince(t time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, pos := range s.closed {
		if !pos.ClosedAt.Before(t) {
			total += pos.RealizedPnL
		}
	}
	return total
}

// TotalExposure sums the margin committed across tracked positions.
func (s *Supervisor) TotalExposure() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, pos := range s.open {
		total += pos.Stake()
	}
	return total
}
