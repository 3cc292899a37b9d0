// Package mock provides an in-memory venue with market and user feeds,
// used by tests and by paper trading
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/marketdata"
	apperrors "order_orchestrator/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	reasonAlreadyCanceled = "order already canceled or matched"
	reasonNotFound        = "order not found"
)

var defaultTickSize = decimal.RequireFromString("0.01")

type mockOrder struct {
	core.OpenOrder
	status core.OrderStatus
}

func (o *mockOrder) remaining() decimal.Decimal {
	return o.OriginalSize.Sub(o.SizeMatched)
}

// Venue implements core.IVenue and core.IMetadataProvider in memory. Its
// book is driven by PushBook and Observe; orders only fill through Fill,
// TakerFill or, with auto matching, when they cross the book.
type Venue struct {
	logger core.ILogger
	books  *marketdata.Maintainer
	market *MarketFeed
	user   *UserFeed
	now    func() time.Time

	mu           sync.Mutex
	ticks        map[string]decimal.Decimal
	orders       map[string]*mockOrder
	sequence     []string
	submitted    []core.OrderRequest
	cancelCalls  int
	submitErr    error
	rejectReason string
	cancelErr    error
	cancelReason map[string]string
	autoMatch    bool
}

// NewVenue creates a venue that lists tokenIDs
func NewVenue(tokenIDs []string, logger core.ILogger) *Venue {
	logger = logger.WithField("component", "mock_venue")
	v := &Venue{
		logger:       logger,
		books:        marketdata.NewMaintainer(tokenIDs, logger),
		now:          time.Now,
		ticks:        make(map[string]decimal.Decimal, len(tokenIDs)),
		orders:       make(map[string]*mockOrder),
		cancelReason: make(map[string]string),
	}
	for _, id := range tokenIDs {
		v.ticks[id] = defaultTickSize
	}
	v.market = &MarketFeed{venue: v, dispatcher: newDispatcher[core.MarketMessage]("mock_market_feed", logger)}
	v.user = &UserFeed{dispatcher: newDispatcher[core.OrderEvent]("mock_user_feed", logger)}
	return v
}

// MarketFeed returns the venue's market channel
func (v *Venue) MarketFeed() *MarketFeed { return v.market }

// UserFeed returns the venue's user channel
func (v *Venue) UserFeed() *UserFeed { return v.user }

// SetTickSize changes the tick size and announces it on the market feed
func (v *Venue) SetTickSize(tokenID string, tick decimal.Decimal) {
	v.mu.Lock()
	v.ticks[tokenID] = tick
	v.mu.Unlock()
	v.market.emit(core.MarketMessage{
		Kind:      core.MarketMessageTickSizeChange,
		TokenID:   tokenID,
		TickSize:  tick,
		Timestamp: v.now(),
	})
}

// SetSubmitError makes every submission fail with err; nil clears it
func (v *Venue) SetSubmitError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitErr = err
}

// SetRejectReason makes every submission come back unsuccessful with
// reason; "" clears it
func (v *Venue) SetRejectReason(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectReason = reason
}

// SetCancelError makes every cancel request fail with err; nil clears it
func (v *Venue) SetCancelError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelErr = err
}

// SetCancelReason makes cancels of orderID report reason as not canceled
func (v *Venue) SetCancelReason(orderID, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reason == "" {
		delete(v.cancelReason, orderID)
		return
	}
	v.cancelReason[orderID] = reason
}

// SetAutoMatch fills orders that cross the book against the displayed
// opposite touch
func (v *Venue) SetAutoMatch(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.autoMatch = enabled
}

// PushBook replaces the book of tokenID and publishes it
func (v *Venue) PushBook(tokenID string, bids, asks []core.PriceLevel) {
	v.Observe(core.MarketMessage{
		Kind:      core.MarketMessageBook,
		TokenID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: v.now(),
	})
}

// PushPriceChange sets one level of tokenID and publishes the diff
func (v *Venue) PushPriceChange(tokenID string, side core.Side, price, size decimal.Decimal) {
	v.Observe(core.MarketMessage{
		Kind:      core.MarketMessagePriceChange,
		TokenID:   tokenID,
		Changes:   []core.LevelChange{{TokenID: tokenID, Side: side, Price: price, Size: size}},
		Timestamp: v.now(),
	})
}

// Observe applies a market message to the venue book and republishes it.
// Paper trading feeds live market data through here.
func (v *Venue) Observe(msg core.MarketMessage) {
	v.books.Handle(msg)
	if msg.Kind == core.MarketMessageTickSizeChange && msg.TickSize.IsPositive() {
		v.mu.Lock()
		v.ticks[msg.TokenID] = msg.TickSize
		v.mu.Unlock()
	}
	v.market.emit(msg)

	v.mu.Lock()
	var events []core.OrderEvent
	if v.autoMatch {
		for _, id := range v.sequence {
			if o := v.orders[id]; o.status == core.OrderStatusLive {
				events = append(events, v.matchLocked(o, false)...)
			}
		}
	}
	v.mu.Unlock()
	v.user.emitAll(events)
}

// SubmitOrder rests a new order, matching it first when auto matching is on
func (v *Venue) SubmitOrder(ctx context.Context, req core.OrderRequest) (*core.SubmitResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.submitted = append(v.submitted, req)
	if v.submitErr != nil {
		err := v.submitErr
		v.mu.Unlock()
		return nil, err
	}
	if v.rejectReason != "" {
		reason := v.rejectReason
		v.mu.Unlock()
		return &core.SubmitResponse{Success: false, ErrorMsg: reason}, nil
	}
	if _, ok := v.ticks[req.TokenID]; !ok {
		v.mu.Unlock()
		return &core.SubmitResponse{Success: false, ErrorMsg: fmt.Sprintf("market not found: %s", req.TokenID)}, nil
	}

	o := &mockOrder{
		OpenOrder: core.OpenOrder{
			OrderID:      "0x" + uuid.NewString(),
			TokenID:      req.TokenID,
			Side:         req.Side,
			Price:        req.Price,
			OriginalSize: req.Size,
			SizeMatched:  decimal.Zero,
		},
		status: core.OrderStatusLive,
	}
	v.orders[o.OrderID] = o
	v.sequence = append(v.sequence, o.OrderID)

	events := []core.OrderEvent{v.orderEventLocked(o, core.OrderEventPlacement)}
	if v.autoMatch {
		events = append(events, v.matchLocked(o, true)...)
	}
	status := "live"
	if o.status == core.OrderStatusMatched {
		status = "matched"
	}
	v.mu.Unlock()

	v.logger.Debug("Order accepted", "order_id", o.OrderID, "side", req.Side, "price", req.Price, "size", req.Size)
	v.user.emitAll(events)
	return &core.SubmitResponse{Success: true, OrderID: o.OrderID, Status: status}, nil
}

// CancelOrders cancels every live order in ids
func (v *Venue) CancelOrders(ctx context.Context, ids []string) (*core.CancelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cancelCalls++
	if v.cancelErr != nil {
		err := v.cancelErr
		v.mu.Unlock()
		return nil, err
	}

	resp := &core.CancelResponse{NotCanceled: make(map[string]string)}
	var events []core.OrderEvent
	for _, id := range ids {
		if reason, ok := v.cancelReason[id]; ok {
			resp.NotCanceled[id] = reason
			continue
		}
		o, ok := v.orders[id]
		switch {
		case !ok:
			resp.NotCanceled[id] = reasonNotFound
		case o.status != core.OrderStatusLive:
			resp.NotCanceled[id] = reasonAlreadyCanceled
		default:
			o.status = core.OrderStatusCanceled
			resp.Canceled = append(resp.Canceled, id)
			events = append(events, v.orderEventLocked(o, core.OrderEventCancellation))
		}
	}
	v.mu.Unlock()

	v.user.emitAll(events)
	return resp, nil
}

// ListOpenOrders returns live orders on tokenID in placement order
func (v *Venue) ListOpenOrders(ctx context.Context, tokenID string) ([]core.OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.OpenOrders(tokenID), nil
}

// GetOrderBook returns the venue book of tokenID
func (v *Venue) GetOrderBook(ctx context.Context, tokenID string) (*core.BookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bids, asks, ok := v.books.Levels(tokenID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownInstrument, tokenID)
	}

	v.mu.Lock()
	tick := v.ticks[tokenID]
	v.mu.Unlock()
	return &core.BookSnapshot{
		TokenID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		TickSize:  tick,
		Timestamp: v.now(),
	}, nil
}

// GetTickSize returns the tick size of a listed token
func (v *Venue) GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tick, ok := v.ticks[tokenID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrUnknownInstrument, tokenID)
	}
	return tick, nil
}

// Fill matches size of a resting order against an outside taker and
// publishes the trade with the order as the maker leg
func (v *Venue) Fill(orderID string, size decimal.Decimal) error {
	return v.fill(orderID, size, false)
}

// TakerFill matches size of an order as the taker leg of a trade
func (v *Venue) TakerFill(orderID string, size decimal.Decimal) error {
	return v.fill(orderID, size, true)
}

func (v *Venue) fill(orderID string, size decimal.Decimal, taker bool) error {
	v.mu.Lock()
	o, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if o.status != core.OrderStatusLive {
		v.mu.Unlock()
		return fmt.Errorf("order %s is %s", orderID, o.status)
	}
	if size.GreaterThan(o.remaining()) {
		size = o.remaining()
	}
	ev := v.tradeLocked(o, size, o.Price, taker)
	v.mu.Unlock()

	v.user.emit(ev)
	return nil
}

// Publish sends a raw user event, for trade shapes Fill does not cover
func (v *Venue) Publish(ev core.OrderEvent) {
	v.user.emit(ev)
}

// OpenOrders returns the live orders on tokenID
func (v *Venue) OpenOrders(tokenID string) []core.OpenOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]core.OpenOrder, 0)
	for _, id := range v.sequence {
		o := v.orders[id]
		if o.status == core.OrderStatusLive && (tokenID == "" || o.TokenID == tokenID) {
			out = append(out, o.OpenOrder)
		}
	}
	return out
}

// Order returns an order in any status
func (v *Venue) Order(orderID string) (core.OpenOrder, core.OrderStatus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return core.OpenOrder{}, "", false
	}
	return o.OpenOrder, o.status, true
}

// Submitted returns every submission attempt in order
func (v *Venue) Submitted() []core.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]core.OrderRequest(nil), v.submitted...)
}

// CancelCalls returns the number of cancel requests received
func (v *Venue) CancelCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelCalls
}

// matchLocked fills o against the displayed opposite touch when it
// crosses. Fresh orders trade as taker at the touch price; resting orders
// trade as maker at their own price.
func (v *Venue) matchLocked(o *mockOrder, fresh bool) []core.OrderEvent {
	top, ok := v.books.Top(o.TokenID)
	if !ok {
		return nil
	}
	price, displayed := top.Touch(o.Side)
	crosses := o.Side == core.SideBuy && o.Price.GreaterThanOrEqual(price) ||
		o.Side == core.SideSell && o.Price.LessThanOrEqual(price)
	if !crosses || !displayed.IsPositive() {
		return nil
	}

	size := decimal.Min(o.remaining(), displayed)
	if !fresh {
		price = o.Price
	}
	return []core.OrderEvent{v.tradeLocked(o, size, price, fresh)}
}

func (v *Venue) tradeLocked(o *mockOrder, size, price decimal.Decimal, taker bool) core.OrderEvent {
	o.SizeMatched = o.SizeMatched.Add(size)
	if !o.remaining().IsPositive() {
		o.status = core.OrderStatusMatched
	}

	ev := core.OrderEvent{
		Type:        core.OrderEventTrade,
		TokenID:     o.TokenID,
		OrderID:     uuid.NewString(),
		Side:        o.Side,
		Price:       price,
		Size:        size,
		TradeStatus: "MATCHED",
		Timestamp:   v.now(),
	}
	if taker {
		ev.TakerOrderID = o.OrderID
	} else {
		ev.TakerOrderID = "0x" + uuid.NewString()
		ev.Makers = []core.MakerMatch{{OrderID: o.OrderID, MatchedAmount: size, Price: price}}
	}
	return ev
}

func (v *Venue) orderEventLocked(o *mockOrder, typ core.OrderEventType) core.OrderEvent {
	return core.OrderEvent{
		Type:        typ,
		TokenID:     o.TokenID,
		OrderID:     o.OrderID,
		Side:        o.Side,
		Price:       o.Price,
		Size:        o.OriginalSize,
		SizeMatched: o.SizeMatched,
		Timestamp:   v.now(),
	}
}

var (
	_ core.IVenue            = (*Venue)(nil)
	_ core.IMetadataProvider = (*Venue)(nil)
)
