// Package store persists closed-trade records to sqlite through gorm. The
// trading loop stays correct on in-memory state even when these writes fail;
// failures are surfaced to the caller so the orchestrator can raise them.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"marlin/internal/analysis/indicator"
	"marlin/internal/store/model"
)

// Trade statuses on the record level.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// TradeRecord is the persisted unit: a position plus its entry-time
// indicator snapshot and, once closed, the realized outcome. Closed records
// are never mutated again.
type TradeRecord struct {
	ID      int64
	TradeID string
	Symbol  string
	Side    string

	EntryPrice float64
	Quantity   float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
	Confidence float64

	EntrySnapshot indicator.Snapshot

	Status   string
	OpenedAt time.Time

	ExitPrice      float64
	ExitReason     string
	RealizedPnL    float64
	RealizedPnLPct float64
	ClosedAt       time.Time
	Duration       time.Duration
}

// ExitFields is everything UpdateTradeExit stamps onto an open record.
type ExitFields struct {
	ExitPrice      float64
	ExitReason     string
	RealizedPnL    float64
	RealizedPnLPct float64
	ClosedAt       time.Time
}

// Filter narrows QueryTrades.
type Filter struct {
	Symbol string
	Status string
	Since  time.Time
	Limit  int
}

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&model.TradeModel{}); err != nil {
		return nil, fmt.Errorf("migrate trades: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertTrade stores a freshly opened trade and returns its row id.
func (s *Store) InsertTrade(ctx context.Context, rec TradeRecord) (int64, error) {
	m, err := toModel(rec)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	m.CreatedAtUnix = now
	m.UpdatedAtUnix = now
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, fmt.Errorf("insert trade %s: %w", rec.TradeID, err)
	}
	return m.ID, nil
}

// UpdateTradeExit closes the open record identified by (symbol, openedAt).
// Applying exit fields to an already-closed record is a no-op, which keeps
// close idempotent at the persistence layer too.
func (s *Store) UpdateTradeExit(ctx context.Context, symbol string, openedAt time.Time, exit ExitFields) error {
	duration := exit.ClosedAt.Sub(openedAt)
	res := s.db.WithContext(ctx).Model(&model.TradeModel{}).
		Where("symbol = ? AND opened_at = ? AND status = ?", normalizeSymbol(symbol), openedAt.UnixMilli(), model.TradeStatusOpen).
		Updates(map[string]any{
			"status":           model.TradeStatusClosed,
			"exit_price":       exit.ExitPrice,
			"exit_reason":      exit.ExitReason,
			"realized_pnl":     exit.RealizedPnL,
			"realized_pnl_pct": exit.RealizedPnLPct,
			"closed_at":        exit.ClosedAt.UnixMilli(),
			"duration_ms":      duration.Milliseconds(),
			"updated_at":       time.Now().Unix(),
		})
	if res.Error != nil {
		return fmt.Errorf("update trade exit %s: %w", symbol, res.Error)
	}
	return nil
}

// QueryTrades returns records matching the filter, newest first.
func (s *Store) QueryTrades(ctx context.Context, f Filter) ([]TradeRecord, error) {
	q := s.db.WithContext(ctx).Model(&model.TradeModel{}).Order("opened_at DESC")
	if sym := normalizeSymbol(f.Symbol); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	switch f.Status {
	case StatusOpen:
		q = q.Where("status = ?", model.TradeStatusOpen)
	case StatusClosed:
		q = q.Where("status = ?", model.TradeStatusClosed)
	}
	if !f.Since.IsZero() {
		q = q.Where("opened_at >= ?", f.Since.UnixMilli())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []model.TradeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	out := make([]TradeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

// OpenTrades returns every record still marked open, oldest first. Used for
// crash-recovery rehydration at startup.
func (s *Store) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	var rows []model.TradeModel
	err := s.db.WithContext(ctx).Model(&model.TradeModel{}).
		Where("status = ?", model.TradeStatusOpen).
		Order("opened_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	out := make([]TradeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

func toModel(rec TradeRecord) (model.TradeModel, error) {
	snap, err := json.Marshal(rec.EntrySnapshot)
	if err != nil {
		return model.TradeModel{}, fmt.Errorf("marshal entry snapshot: %w", err)
	}
	status := model.TradeStatusOpen
	if rec.Status == StatusClosed {
		status = model.TradeStatusClosed
	}
	return model.TradeModel{
		TradeID:        rec.TradeID,
		Symbol:         normalizeSymbol(rec.Symbol),
		Side:           rec.Side,
		EntryPrice:     rec.EntryPrice,
		Quantity:       rec.Quantity,
		Leverage:       rec.Leverage,
		StopLoss:       rec.StopLoss,
		TakeProfit:     rec.TakeProfit,
		Confidence:     rec.Confidence,
		EntrySnapshot:  snap,
		Status:         status,
		OpenedAtUnix:   rec.OpenedAt.UnixMilli(),
		ExitPrice:      rec.ExitPrice,
		ExitReason:     rec.ExitReason,
		RealizedPnL:    rec.RealizedPnL,
		RealizedPnLPct: rec.RealizedPnLPct,
		ClosedAtUnix:   unixMilliOrZero(rec.ClosedAt),
		DurationMs:     rec.Duration.Milliseconds(),
	}, nil
}

func fromModel(m model.TradeModel) TradeRecord {
	rec := TradeRecord{
		ID:             m.ID,
		TradeID:        m.TradeID,
		Symbol:         m.Symbol,
		Side:           m.Side,
		EntryPrice:     m.EntryPrice,
		Quantity:       m.Quantity,
		Leverage:       m.Leverage,
		StopLoss:       m.StopLoss,
		TakeProfit:     m.TakeProfit,
		Confidence:     m.Confidence,
		Status:         StatusOpen,
		OpenedAt:       time.UnixMilli(m.OpenedAtUnix),
		ExitPrice:      m.ExitPrice,
		ExitReason:     m.ExitReason,
		RealizedPnL:    m.RealizedPnL,
		RealizedPnLPct: m.RealizedPnLPct,
		Duration:       time.Duration(m.DurationMs) * time.Millisecond,
	}
	if m.Status == model.TradeStatusClosed {
		rec.Status = StatusClosed
	}
	if m.ClosedAtUnix > 0 {
		rec.ClosedAt = time.UnixMilli(m.ClosedAtUnix)
	}
	if len(m.EntrySnapshot) > 0 {
		_ = json.Unmarshal(m.EntrySnapshot, &rec.EntrySnapshot)
	}
	return rec
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
