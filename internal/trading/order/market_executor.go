package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// MarketExecutor synthesizes marketable limit orders from the current book
type MarketExecutor struct {
	*Executor

	mu       sync.RWMutex
	tickSize decimal.Decimal
	cache    map[string]core.MarketData
}

// NewMarketExecutor wraps an executor. tickSize may be zero, in which
// case computed prices are not snapped to a grid.
func NewMarketExecutor(exec *Executor, tickSize decimal.Decimal) *MarketExecutor {
	return &MarketExecutor{
		Executor: exec,
		tickSize: tickSize,
		cache:    make(map[string]core.MarketData),
	}
}

// SetTickSize updates the grid prices are snapped to
func (m *MarketExecutor) SetTickSize(tick decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickSize = tick
}

// PlaceMarketOrder fetches the book and places a limit order priced
// through the touch by slippage
func (m *MarketExecutor) PlaceMarketOrder(ctx context.Context, tokenID string, size decimal.Decimal, side core.Side, slippage decimal.Decimal) (core.PlaceResult, error) {
	md, err := m.fetchMarketData(ctx, tokenID)
	if err != nil {
		m.logger.Warn("No market data for market order", "token_id", tokenID, "error", err)
		return core.PlaceResult{Outcome: core.PlaceRejected, Reason: err.Error()}, nil
	}

	price := m.marketPrice(md, side, slippage)
	m.logger.Info("Placing market order",
		"token_id", tokenID,
		"side", side,
		"size", size,
		"price", price,
		"bid", md.TopBid,
		"ask", md.TopAsk,
	)
	return m.PlaceOrder(ctx, tokenID, price, size, side)
}

// PlaceAggressiveOrder rests an order that improves the same-side touch
// by improvementPct of its price
func (m *MarketExecutor) PlaceAggressiveOrder(ctx context.Context, tokenID string, size decimal.Decimal, side core.Side, improvementPct decimal.Decimal) (core.PlaceResult, error) {
	md, err := m.fetchMarketData(ctx, tokenID)
	if err != nil {
		m.logger.Warn("No market data for aggressive order", "token_id", tokenID, "error", err)
		return core.PlaceResult{Outcome: core.PlaceRejected, Reason: err.Error()}, nil
	}

	tick := m.currentTick()
	var price decimal.Decimal
	if side == core.SideBuy {
		price = md.TopBid.Mul(decimal.NewFromInt(1).Add(improvementPct))
		price = decimal.Min(tradingutils.CeilToTick(price, tick), tradingutils.MaxPrice)
	} else {
		price = md.TopAsk.Mul(decimal.NewFromInt(1).Sub(improvementPct))
		price = decimal.Max(tradingutils.FloorToTick(price, tick), m.priceFloor(tick))
	}

	m.logger.Info("Placing aggressive order", "token_id", tokenID, "side", side, "size", size, "price", price)
	return m.PlaceOrder(ctx, tokenID, price, size, side)
}

// Spread returns the last fetched bid/ask spread for tokenID
func (m *MarketExecutor) Spread(tokenID string) (decimal.Decimal, bool) {
	md, ok := m.CachedMarketData(tokenID)
	if !ok {
		return decimal.Zero, false
	}
	return md.Spread(), true
}

// CachedMarketData returns the last snapshot fetched for tokenID
func (m *MarketExecutor) CachedMarketData(tokenID string) (core.MarketData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.cache[tokenID]
	return md, ok
}

func (m *MarketExecutor) marketPrice(md core.MarketData, side core.Side, slippage decimal.Decimal) decimal.Decimal {
	tick := m.currentTick()
	one := decimal.NewFromInt(1)
	if side == core.SideBuy {
		price := md.TopAsk.Mul(one.Add(slippage))
		return decimal.Min(tradingutils.CeilToTick(price, tick), tradingutils.MaxPrice)
	}
	price := md.TopBid.Mul(one.Sub(slippage))
	return decimal.Max(tradingutils.FloorToTick(price, tick), m.priceFloor(tick))
}

func (m *MarketExecutor) priceFloor(tick decimal.Decimal) decimal.Decimal {
	if tick.IsPositive() {
		return tick
	}
	return tradingutils.MinMarketPrice
}

func (m *MarketExecutor) currentTick() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tickSize
}

func (m *MarketExecutor) fetchMarketData(ctx context.Context, tokenID string) (core.MarketData, error) {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	book, err := m.venue.GetOrderBook(callCtx, tokenID)
	if err != nil {
		return core.MarketData{}, fmt.Errorf("failed to fetch order book: %w", err)
	}
	if book == nil {
		return core.MarketData{}, apperrors.ErrEmptyBook
	}

	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk {
		return core.MarketData{}, fmt.Errorf("%w: token %s", apperrors.ErrEmptyBook, tokenID)
	}

	ts := book.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	md := core.MarketData{
		TokenID:   tokenID,
		TopBid:    bid.Price,
		TopAsk:    ask.Price,
		BidSize:   bid.Size,
		AskSize:   ask.Size,
		Timestamp: ts,
	}

	m.mu.Lock()
	m.cache[tokenID] = md
	m.mu.Unlock()

	return md, nil
}
