package strategy

import (
	"context"
	"fmt"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/trading/position"
	"order_orchestrator/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// TopOfBookMaker keeps resting child orders at (or one improvement ahead
// of) the same-side touch until the target quantity is filled
type TopOfBookMaker struct {
	status

	cfg      core.StrategyConfig
	executor core.IOrderExecutor
	tracker  *position.Tracker
	logger   core.ILogger

	lastMarket core.MarketData
	hasMarket  bool
	failures   int
}

// NewTopOfBookMaker creates a maker strategy
func NewTopOfBookMaker(cfg core.StrategyConfig, executor core.IOrderExecutor, tracker *position.Tracker, logger core.ILogger) *TopOfBookMaker {
	if cfg.MaxPendingOrders <= 0 {
		cfg.MaxPendingOrders = 3
	}
	if cfg.MinOrderSize.IsZero() {
		cfg.MinOrderSize = core.DefaultMinOrderSize
	}
	return &TopOfBookMaker{
		status:   status{tokenID: cfg.TokenID, state: StateIdle},
		cfg:      cfg,
		executor: executor,
		tracker:  tracker,
		logger: logger.WithFields(map[string]interface{}{
			"component": "top_of_book_maker",
			"token_id":  cfg.TokenID,
			"side":      cfg.Side,
		}),
	}
}

func (m *TopOfBookMaker) Name() string { return "top_of_book" }

// SetLimitPrice changes the limit. Resting orders are repriced on the next
// market update.
func (m *TopOfBookMaker) SetLimitPrice(price decimal.Decimal) {
	m.cfg.LimitPrice = price
}

// SetTickSize switches the price grid after a venue tick size change
func (m *TopOfBookMaker) SetTickSize(tick decimal.Decimal) {
	if !tick.IsPositive() {
		return
	}
	m.logger.Info("Tick size changed", "old", m.cfg.TickSize, "new", tick)
	m.cfg.TickSize = tick
}

// ProcessMarketUpdate reprices or places orders for a new top of book
func (m *TopOfBookMaker) ProcessMarketUpdate(ctx context.Context, md core.MarketData) error {
	m.lastMarket = md
	m.hasMarket = true
	return m.evaluate(ctx, md)
}

// ProcessOrderUpdate applies user feed events for our orders
func (m *TopOfBookMaker) ProcessOrderUpdate(ctx context.Context, ev core.OrderEvent) error {
	switch ev.Type {
	case core.OrderEventTrade:
		return m.handleTrade(ctx, ev)
	case core.OrderEventCancellation:
		if m.tracker.UpdateOrderStatus(ev.OrderID, core.OrderStatusCanceled, ev.SizeMatched) {
			m.logger.Info("Order cancellation confirmed", "order_id", ev.OrderID)
		}
	case core.OrderEventPlacement, core.OrderEventUpdate:
		m.tracker.UpdateOrderStatus(ev.OrderID, core.OrderStatusLive, ev.SizeMatched)
	}
	m.refreshState()
	return nil
}

// TargetPrice computes where our best order should rest given the current
// same-side top price and our live orders
func (m *TopOfBookMaker) TargetPrice(top decimal.Decimal, pending []core.OrderState) decimal.Decimal {
	buy := m.cfg.Side == core.SideBuy
	tick := m.cfg.TickSize

	// The touch within a tick of our own best is our own quote.
	if len(pending) > 0 {
		own := ownBestPrice(pending, buy)
		if tradingutils.WithinTicks(top, own, tick, 1) {
			return own
		}
	}

	target := top
	if !m.cfg.MatchTopOfBook {
		target = tradingutils.ImprovePrice(top, tick, m.cfg.PriceImprovementTicks, buy)
	}
	target = tradingutils.ClampToLimit(target, m.cfg.LimitPrice, buy)
	return tradingutils.RoundPrice(target, tick)
}

func ownBestPrice(pending []core.OrderState, buy bool) decimal.Decimal {
	best := pending[0].Price
	for _, o := range pending[1:] {
		if buy && o.Price.GreaterThan(best) || !buy && o.Price.LessThan(best) {
			best = o.Price
		}
	}
	return best
}

func (m *TopOfBookMaker) evaluate(ctx context.Context, md core.MarketData) error {
	if m.HasCriticalError() {
		return nil
	}
	if m.tracker.IsTargetReached() {
		m.setState(StateDone)
		return nil
	}

	top, _ := md.SameSide(m.cfg.Side)
	if !top.IsPositive() {
		return nil
	}

	pending := m.tracker.PendingOrders()
	target := m.TargetPrice(top, pending)

	stale := make([]core.OrderState, 0, len(pending))
	for _, o := range pending {
		if !tradingutils.WithinTicks(o.Price, target, m.cfg.TickSize, 1) {
			stale = append(stale, o)
		}
	}
	if len(pending) > 0 && len(stale) == 0 {
		m.setState(StateQuoting)
		return nil
	}

	blocked := false
	for _, o := range stale {
		m.setState(StateAdjusting)
		m.logger.Info("Repricing order",
			"order_id", o.OrderID,
			"price", o.Price,
			"target", target,
			"top", top,
		)
		if err := m.executor.CancelOrder(ctx, o.OrderID, m.cfg.CancelMaxRetries); err != nil {
			// Order state is unknown; keep it tracked so it is not double-counted.
			m.logger.Warn("Cancel failed, keeping order tracked", "order_id", o.OrderID, "error", err)
			blocked = true
			continue
		}
		m.tracker.RemovePendingOrder(o.OrderID)
	}
	if blocked {
		m.refreshState()
		return nil
	}

	err := m.placeAt(ctx, target)
	m.refreshState()
	return err
}

func (m *TopOfBookMaker) placeAt(ctx context.Context, price decimal.Decimal) error {
	buy := m.cfg.Side == core.SideBuy
	if !tradingutils.ValidPrice(price) || !tradingutils.RespectsLimit(price, m.cfg.LimitPrice, buy) {
		m.logger.Debug("Target price outside limit, not placing", "price", price, "limit", m.cfg.LimitPrice)
		return nil
	}
	if m.tracker.PendingCount() >= m.cfg.MaxPendingOrders {
		m.logger.Debug("Pending order limit reached", "pending", m.tracker.PendingCount())
		return nil
	}

	open := m.tracker.UncommittedQuantity()
	if !open.IsPositive() {
		return nil
	}
	size := OptimalOrderSize(open, m.cfg.ChildOrderSize, m.cfg.MinOrderSize)
	if size.IsZero() {
		m.logger.Debug("Remaining quantity below minimum order size", "remaining", open, "min", m.cfg.MinOrderSize)
		return nil
	}

	res, err := m.executor.PlaceOrder(ctx, m.cfg.TokenID, price, size, m.cfg.Side)
	if err != nil {
		m.failures++
		m.setCritical(fmt.Sprintf("fatal account error: %v", err))
		m.logger.Error("Critical error, strategy halted", "error", err)
		return err
	}

	switch {
	case res.Accepted():
		m.failures = 0
		if err := m.tracker.AddPendingOrder(res.OrderID, price, size); err != nil {
			m.logger.Warn("Could not track placed order", "order_id", res.OrderID, "error", err)
		}
	case res.Failed():
		m.failures++
		m.logger.Warn("Order placement failed",
			"reason", res.Reason,
			"outcome", res.Outcome,
			"consecutive_failures", m.failures,
		)
		if m.failures >= maxConsecutiveFailures {
			m.setCritical(fmt.Sprintf("failed to place orders %d consecutive times: %s", m.failures, res.Reason))
			m.logger.Error("Critical error, strategy halted", "reason", m.CriticalErrorMessage())
		}
	default:
		m.logger.Debug("Placement deferred", "outcome", res.Outcome)
	}
	return nil
}

func (m *TopOfBookMaker) handleTrade(ctx context.Context, ev core.OrderEvent) error {
	if !isMatchedTrade(ev) {
		m.logger.Debug("Ignoring trade lifecycle update", "status", ev.TradeStatus)
		return nil
	}

	order, live, size, price, ok := matchOwnTrade(m.tracker, ev)
	if !ok {
		m.logger.Debug("Ignoring trade for foreign order", "taker_order_id", ev.TakerOrderID)
		return nil
	}
	if size.GreaterThan(order.Size) {
		m.logger.Warn("Fill exceeds order size, capping", "order_id", order.OrderID, "reported", size, "order_size", order.Size)
		size = order.Size
	}
	if !size.IsPositive() {
		return nil
	}

	m.tracker.ApplyTrade(order.OrderID, size, price)
	if !live {
		// A cancel raced the match; the order is already gone from the book.
		m.logger.Info("Late fill for removed order", "order_id", order.OrderID, "size", size, "price", price)
		m.refreshState()
		return nil
	}

	after, _ := m.tracker.PendingOrder(order.OrderID)
	m.tracker.RemovePendingOrder(order.OrderID)

	if after.FilledSize.LessThan(order.Size) {
		// The rest of the order would keep resting untracked.
		if err := m.executor.CancelOrder(ctx, order.OrderID, m.cfg.CancelMaxRetries); err != nil {
			m.logger.Warn("Could not cancel remainder of partially filled order", "order_id", order.OrderID, "error", err)
		}
	}

	if !m.tracker.IsTargetReached() && m.hasMarket {
		return m.evaluate(ctx, m.lastMarket)
	}
	m.refreshState()
	return nil
}

func (m *TopOfBookMaker) refreshState() {
	switch {
	case m.tracker.IsTargetReached():
		m.setState(StateDone)
	case m.tracker.PendingCount() > 0:
		m.setState(StateQuoting)
	default:
		m.setState(StateIdle)
	}
}

var _ core.IStrategy = (*TopOfBookMaker)(nil)
