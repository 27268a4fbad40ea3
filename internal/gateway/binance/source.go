// Package binance implements the exchange collaborator on top of the
// go-binance futures SDK.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"marlin/internal/gateway/exchange"
	"marlin/internal/logger"
	"marlin/internal/market"
)

const maxHistoryLimit = 1500

type Gateway struct {
	cfg    Config
	client *futures.Client
}

var _ exchange.Exchange = (*Gateway)(nil)

func New(cfg Config) *Gateway {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Gateway{cfg: final, client: client}
}

func (g *Gateway) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := g.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (exchange.PriceQuote, error) {
	symbol = cleanSymbol(symbol)
	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return exchange.PriceQuote{}, fmt.Errorf("fetch price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p == nil || p.Symbol != symbol {
			continue
		}
		return exchange.PriceQuote{
			Symbol:    symbol,
			Last:      parseFloat(p.Price),
			UpdatedAt: time.Now().UTC(),
		}, nil
	}
	return exchange.PriceQuote{}, fmt.Errorf("no price returned for %s", symbol)
}

func (g *Gateway) GetBalance(ctx context.Context) (exchange.Balance, error) {
	acct, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, fmt.Errorf("fetch account: %w", err)
	}
	total := parseFloat(acct.TotalWalletBalance)
	available := parseFloat(acct.AvailableBalance)
	return exchange.Balance{
		StakeCurrency: "USDT",
		Total:         total,
		Available:     available,
		Used:          total - available,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (g *Gateway) OpenPosition(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error) {
	symbol := cleanSymbol(req.Symbol)
	if symbol == "" || req.Quantity <= 0 {
		return exchange.OpenResult{}, fmt.Errorf("invalid open request: symbol=%q quantity=%.8f", req.Symbol, req.Quantity)
	}
	if req.StopLoss <= 0 || req.TakeProfit <= 0 {
		return exchange.OpenResult{}, fmt.Errorf("open %s: stop levels are required", symbol)
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if _, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return exchange.OpenResult{}, fmt.Errorf("set leverage %s x%d: %w", symbol, leverage, err)
	}

	entrySide := futures.SideTypeBuy
	exitSide := futures.SideTypeSell
	if req.Side == exchange.SideShort {
		entrySide = futures.SideTypeSell
		exitSide = futures.SideTypeBuy
	}
	qty := formatQuantity(req.Quantity)
	order, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(entrySide).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return exchange.OpenResult{}, fmt.Errorf("open %s %s qty=%s: %w", symbol, req.Side, qty, err)
	}

	// Exchange-side protective orders. Failure here is logged, not fatal:
	// the supervisor enforces the same levels on every cycle.
	if _, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(formatPrice(req.StopLoss)).
		ClosePosition(true).
		Do(ctx); err != nil {
		logger.Warnf("binance: place stop-loss failed symbol=%s stop=%.6f err=%v", symbol, req.StopLoss, err)
	}
	if _, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide).
		Type(futures.OrderTypeTakeProfitMarket).
		StopPrice(formatPrice(req.TakeProfit)).
		ClosePosition(true).
		Do(ctx); err != nil {
		logger.Warnf("binance: place take-profit failed symbol=%s target=%.6f err=%v", symbol, req.TakeProfit, err)
	}

	entry := parseFloat(order.AvgPrice)
	return exchange.OpenResult{
		OrderID:    strconv.FormatInt(order.OrderID, 10),
		EntryPrice: entry,
	}, nil
}

func (g *Gateway) ClosePosition(ctx context.Context, symbol, side string) error {
	symbol = cleanSymbol(symbol)
	positions, err := g.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("close %s: %w", symbol, err)
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Side != side {
			continue
		}
		exitSide := futures.SideTypeSell
		if side == exchange.SideShort {
			exitSide = futures.SideTypeBuy
		}
		_, err := g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(exitSide).
			Type(futures.OrderTypeMarket).
			Quantity(formatQuantity(p.Amount)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("close %s %s: %w", symbol, side, err)
		}
		return nil
	}
	return fmt.Errorf("close %s %s: no open position on exchange", symbol, side)
}

func (g *Gateway) GetOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	risks, err := g.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	out := make([]exchange.Position, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := exchange.SideLong
		if amt < 0 {
			side = exchange.SideShort
			amt = -amt
		}
		entry := parseFloat(r.EntryPrice)
		leverage := parseFloat(r.Leverage)
		if leverage <= 0 {
			leverage = 1
		}
		pnl := parseFloat(r.UnRealizedProfit)
		stake := amt * entry / leverage
		ratio := 0.0
		if stake > 0 {
			ratio = pnl / stake
		}
		out = append(out, exchange.Position{
			Symbol:             r.Symbol,
			Side:               side,
			Amount:             amt,
			EntryPrice:         entry,
			Leverage:           leverage,
			StakeAmount:        stake,
			UnrealizedPnL:      pnl,
			UnrealizedPnLRatio: ratio,
			CurrentPrice:       parseFloat(r.MarkPrice),
		})
	}
	return out, nil
}

func (g *Gateway) GetTradeHistory(ctx context.Context, symbol string, limit int) ([]exchange.Fill, error) {
	symbol = cleanSymbol(symbol)
	if limit <= 0 {
		limit = 50
	}
	trades, err := g.client.NewListAccountTradeService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch trade history %s: %w", symbol, err)
	}
	out := make([]exchange.Fill, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		out = append(out, exchange.Fill{
			Symbol:   t.Symbol,
			Side:     strings.ToLower(string(t.Side)),
			Price:    parseFloat(t.Price),
			Quantity: parseFloat(t.Quantity),
			Realized: parseFloat(t.RealizedPnl),
			Time:     time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// cleanSymbol strips separators: binance wants ETHUSDT, not ETH/USDT.
func cleanSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "/", "")
	return strings.ReplaceAll(symbol, "-", "")
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
