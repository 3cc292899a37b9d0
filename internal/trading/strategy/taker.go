package strategy

import (
	"context"
	"fmt"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/trading/position"
	"order_orchestrator/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// InsideLiquidityTaker never rests orders. It takes displayed liquidity
// whenever the touch is inside the limit and deep enough for a child order,
// and cancels any order still unfilled after TakerOrderTTL.
type InsideLiquidityTaker struct {
	status

	cfg      core.StrategyConfig
	executor core.IMarketExecutor
	tracker  *position.Tracker
	logger   core.ILogger
}

// NewInsideLiquidityTaker creates a taker strategy
func NewInsideLiquidityTaker(cfg core.StrategyConfig, executor core.IMarketExecutor, tracker *position.Tracker, logger core.ILogger) *InsideLiquidityTaker {
	if cfg.MinOrderSize.IsZero() {
		cfg.MinOrderSize = core.DefaultMinOrderSize
	}
	return &InsideLiquidityTaker{
		status:   status{tokenID: cfg.TokenID, state: StateIdle},
		cfg:      cfg,
		executor: executor,
		tracker:  tracker,
		logger: logger.WithFields(map[string]interface{}{
			"component": "inside_liquidity_taker",
			"token_id":  cfg.TokenID,
			"side":      cfg.Side,
		}),
	}
}

func (t *InsideLiquidityTaker) Name() string { return "inside_liquidity" }

func (t *InsideLiquidityTaker) SetLimitPrice(price decimal.Decimal) {
	t.cfg.LimitPrice = price
}

func (t *InsideLiquidityTaker) SetTickSize(tick decimal.Decimal) {
	if tick.IsPositive() {
		t.cfg.TickSize = tick
	}
}

// ProcessMarketUpdate takes liquidity when the touch qualifies
func (t *InsideLiquidityTaker) ProcessMarketUpdate(ctx context.Context, md core.MarketData) error {
	if t.HasCriticalError() {
		return nil
	}
	if t.tracker.IsTargetReached() {
		t.setState(StateDone)
		return nil
	}
	if t.expireOrders(ctx) {
		// Take again on a later update, once the cancels have settled.
		t.refreshState()
		return nil
	}

	price, displayed := md.Touch(t.cfg.Side)
	if !price.IsPositive() || !tradingutils.RespectsLimit(price, t.cfg.LimitPrice, t.cfg.Side == core.SideBuy) {
		return nil
	}
	if displayed.LessThan(t.cfg.ChildOrderSize) {
		return nil
	}

	size := decimal.Min(t.cfg.ChildOrderSize, t.tracker.UncommittedQuantity())
	if size.LessThan(t.cfg.MinOrderSize) {
		t.logger.Debug("Order size below minimum, skipping", "size", size, "min", t.cfg.MinOrderSize)
		return nil
	}

	t.logger.Info("Liquidity opportunity",
		"price", price,
		"displayed", displayed,
		"limit", t.cfg.LimitPrice,
		"size", size,
	)
	t.setState(StateTaking)

	res, err := t.executor.PlaceMarketOrder(ctx, t.cfg.TokenID, size, t.cfg.Side, t.cfg.MaxSlippage)
	if err != nil {
		t.setCritical(fmt.Sprintf("fatal account error: %v", err))
		t.logger.Error("Critical error, strategy halted", "error", err)
		return err
	}

	switch {
	case res.Accepted():
		// Tracked until its trade arrives so repeated updates do not overshoot.
		if err := t.tracker.AddPendingOrder(res.OrderID, price, size); err != nil {
			t.logger.Warn("Could not track market order", "order_id", res.OrderID, "error", err)
		}
	case res.Failed():
		t.logger.Warn("Market order failed", "reason", res.Reason, "outcome", res.Outcome)
	}
	t.refreshState()
	return nil
}

// ProcessOrderUpdate applies fills. Trades for our orders are credited
// against them; any other matched trade with a taker order id is
// attributed to this strategy as well.
func (t *InsideLiquidityTaker) ProcessOrderUpdate(ctx context.Context, ev core.OrderEvent) error {
	switch ev.Type {
	case core.OrderEventTrade:
		t.handleTrade(ctx, ev)
	case core.OrderEventCancellation:
		t.tracker.UpdateOrderStatus(ev.OrderID, core.OrderStatusCanceled, ev.SizeMatched)
	}
	t.refreshState()
	return nil
}

func (t *InsideLiquidityTaker) handleTrade(ctx context.Context, ev core.OrderEvent) {
	if !isMatchedTrade(ev) || !ev.Size.IsPositive() {
		return
	}

	order, live, size, price, ok := matchOwnTrade(t.tracker, ev)
	if !ok {
		if ev.TakerOrderID != "" {
			t.tracker.UpdateFilledQuantity(ev.TakerOrderID, ev.Size, ev.Price)
		}
		return
	}
	if size.GreaterThan(order.Size) {
		t.logger.Warn("Fill exceeds order size, capping", "order_id", order.OrderID, "reported", size, "order_size", order.Size)
		size = order.Size
	}

	t.tracker.ApplyTrade(order.OrderID, size, price)
	if !live {
		return
	}
	after, _ := t.tracker.PendingOrder(order.OrderID)
	t.tracker.RemovePendingOrder(order.OrderID)

	if after.FilledSize.LessThan(order.Size) {
		if err := t.executor.CancelOrder(ctx, order.OrderID, t.cfg.CancelMaxRetries); err != nil {
			t.logger.Warn("Could not cancel unfilled part of market order", "order_id", order.OrderID, "error", err)
		}
	}
}

// expireOrders cancels taker orders that have gone unfilled for the order
// time-to-live. An unfilled marketable order means the touch moved before
// it crossed, and it must not be left resting. A zero time-to-live
// disables expiry. It reports whether any order was due.
func (t *InsideLiquidityTaker) expireOrders(ctx context.Context) bool {
	if t.cfg.TakerOrderTTL <= 0 {
		return false
	}
	now := t.tracker.Now()
	due := false
	for _, o := range t.tracker.PendingOrders() {
		if now.Sub(o.CreatedAt) < t.cfg.TakerOrderTTL {
			continue
		}
		due = true
		t.logger.Info("Cancelling unfilled taker order", "order_id", o.OrderID, "age", now.Sub(o.CreatedAt).String())
		if err := t.executor.CancelOrder(ctx, o.OrderID, t.cfg.CancelMaxRetries); err != nil {
			// Order state is unknown; keep it tracked so it is not double-counted.
			t.logger.Warn("Cancel failed, keeping order tracked", "order_id", o.OrderID, "error", err)
			continue
		}
		t.tracker.RemovePendingOrder(o.OrderID)
	}
	return due
}

func (t *InsideLiquidityTaker) refreshState() {
	switch {
	case t.tracker.IsTargetReached():
		t.setState(StateDone)
	case t.tracker.PendingCount() > 0:
		t.setState(StateTaking)
	default:
		t.setState(StateIdle)
	}
}

var _ core.IStrategy = (*InsideLiquidityTaker)(nil)
