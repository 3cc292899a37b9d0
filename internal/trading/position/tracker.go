// Package position tracks progress toward a target quantity for one instrument
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// retiredOrderLimit bounds how many orders that left the pending set are
// remembered for late trade attribution
const retiredOrderLimit = 256

// orderFills reconciles the two views the venue gives of one order's
// progress: individual trades and the cumulative size_matched on order
// events. Either may arrive first, so the order is credited up to the
// larger of the two.
type orderFills struct {
	size     decimal.Decimal
	traded   decimal.Decimal
	reported decimal.Decimal
	credited decimal.Decimal
}

func (f *orderFills) matched() decimal.Decimal {
	return decimal.Min(decimal.Max(f.traded, f.reported), f.size)
}

type retiredOrder struct {
	state     core.OrderState
	retiredAt time.Time
}

// Tracker is the single-instrument ledger of target, fills and live child
// orders. Filled quantity never decreases and never exceeds the target.
type Tracker struct {
	tokenID string
	side    core.Side
	logger  core.ILogger
	now     func() time.Time

	mu             sync.RWMutex
	targetQuantity decimal.Decimal
	filledQuantity decimal.Decimal
	fillNotional   decimal.Decimal
	fills          []core.Fill
	pending        map[string]*core.OrderState
	clampCount     int

	ledger  map[string]*orderFills
	retired map[string]*retiredOrder
	retireQ []string
}

// NewTracker creates a tracker for tokenID working toward target
func NewTracker(tokenID string, side core.Side, target decimal.Decimal, logger core.ILogger) *Tracker {
	return NewTrackerWithClock(tokenID, side, target, logger, time.Now)
}

// NewTrackerWithClock is NewTracker with an injected clock
func NewTrackerWithClock(tokenID string, side core.Side, target decimal.Decimal, logger core.ILogger, now func() time.Time) *Tracker {
	return &Tracker{
		tokenID:        tokenID,
		side:           side,
		logger:         logger.WithField("component", "position_tracker").WithField("token_id", tokenID),
		now:            now,
		targetQuantity: target,
		pending:        make(map[string]*core.OrderState),
		ledger:         make(map[string]*orderFills),
		retired:        make(map[string]*retiredOrder),
	}
}

// AddPendingOrder starts tracking a LIVE order the venue accepted
func (t *Tracker) AddPendingOrder(orderID string, price, size decimal.Decimal) error {
	if orderID == "" {
		return fmt.Errorf("%w: empty order id", apperrors.ErrInvalidOrderParameter)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[orderID]; exists {
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, orderID)
	}
	if _, exists := t.retired[orderID]; exists {
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, orderID)
	}

	ts := t.now()
	t.pending[orderID] = &core.OrderState{
		OrderID:    orderID,
		Price:      price,
		Size:       size,
		Side:       t.side,
		Status:     core.OrderStatusLive,
		FilledSize: decimal.Zero,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	t.ledger[orderID] = &orderFills{size: size}
	t.publishPendingLocked()

	t.logger.Debug("Tracking pending order", "order_id", orderID, "price", price, "size", size)
	return nil
}

// RemovePendingOrder stops tracking an order as live. Unknown ids are
// ignored. The order stays known so trades reported after its removal are
// still credited.
func (t *Tracker) RemovePendingOrder(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[orderID]; !exists {
		return
	}
	t.retireLocked(orderID)
	t.publishPendingLocked()
}

// UpdateOrderStatus records a status change for a tracked order. Terminal
// statuses remove the order from the pending set. A size_matched beyond
// what the order's trades already credited is applied as a fill at the
// order price, also for orders removed earlier. It returns false unless
// the order was pending.
func (t *Tracker) UpdateOrderStatus(orderID string, status core.OrderStatus, filled decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, exists := t.pending[orderID]
	if !exists {
		if r, ok := t.retired[orderID]; ok {
			t.reportMatchedLocked(orderID, r.state.Price, filled)
		}
		return false
	}

	if filled.GreaterThan(order.FilledSize) {
		order.FilledSize = decimal.Min(filled, order.Size)
	}
	order.Status = status
	order.UpdatedAt = t.now()
	t.reportMatchedLocked(orderID, order.Price, filled)

	if status == core.OrderStatusCanceled || status == core.OrderStatusMatched {
		t.retireLocked(orderID)
		t.publishPendingLocked()
	}
	return true
}

// KnownOrder returns a pending order, or one removed recently enough to
// still be attributed trades. The bool reports whether it is still pending.
func (t *Tracker) KnownOrder(orderID string) (core.OrderState, bool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if o, ok := t.pending[orderID]; ok {
		return *o, true, true
	}
	if r, ok := t.retired[orderID]; ok {
		return r.state, false, true
	}
	return core.OrderState{}, false, false
}

// ApplyTrade credits a trade to one of our orders. The order's credited
// quantity never exceeds its size, and a trade already covered by the
// order's reported size_matched is not counted twice. It returns the
// quantity added to the filled total and false for unknown orders.
func (t *Tracker) ApplyTrade(orderID string, size, price decimal.Decimal) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.ledger[orderID]
	if !ok {
		return decimal.Zero, false
	}
	if !size.IsPositive() {
		return decimal.Zero, true
	}
	f.traded = f.traded.Add(size)
	if o, live := t.pending[orderID]; live {
		o.FilledSize = decimal.Max(o.FilledSize, f.matched())
		o.UpdatedAt = t.now()
	}
	return t.creditLocked(orderID, f, price), true
}

// RestingSizeAt sums the size of our orders at price that were live at any
// point since the given time, including ones removed since then
func (t *Tracker) RestingSizeAt(price decimal.Decimal, since time.Time) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for _, o := range t.pending {
		if o.Price.Equal(price) {
			total = total.Add(o.Size.Sub(o.FilledSize))
		}
	}
	for _, r := range t.retired {
		if r.state.Price.Equal(price) && !r.retiredAt.Before(since) {
			total = total.Add(r.state.Size)
		}
	}
	return total
}

func (t *Tracker) reportMatchedLocked(orderID string, price, reported decimal.Decimal) {
	f, ok := t.ledger[orderID]
	if !ok || !reported.GreaterThan(f.reported) {
		return
	}
	f.reported = reported
	t.creditLocked(orderID, f, price)
}

func (t *Tracker) creditLocked(orderID string, f *orderFills, price decimal.Decimal) decimal.Decimal {
	delta := f.matched().Sub(f.credited)
	if !delta.IsPositive() {
		return decimal.Zero
	}
	f.credited = f.credited.Add(delta)
	return t.applyFillLocked(orderID, delta, price)
}

func (t *Tracker) retireLocked(orderID string) {
	order := t.pending[orderID]
	delete(t.pending, orderID)
	t.retired[orderID] = &retiredOrder{state: *order, retiredAt: t.now()}
	t.retireQ = append(t.retireQ, orderID)

	for len(t.retireQ) > retiredOrderLimit {
		oldest := t.retireQ[0]
		t.retireQ = t.retireQ[1:]
		delete(t.retired, oldest)
		delete(t.ledger, oldest)
	}
}

// UpdateFilledQuantity applies a fill that is not attributed to a tracked
// order, clamped to the remaining target. It returns the quantity actually
// applied.
func (t *Tracker) UpdateFilledQuantity(orderID string, fillSize, fillPrice decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyFillLocked(orderID, fillSize, fillPrice)
}

func (t *Tracker) applyFillLocked(orderID string, fillSize, fillPrice decimal.Decimal) decimal.Decimal {
	remaining := t.remainingLocked()
	applied := decimal.Min(fillSize, remaining)

	if fillSize.GreaterThan(remaining) {
		t.clampCount++
		t.logger.Warn("Fill exceeds remaining target, clamping",
			"order_id", orderID,
			"reported", fillSize,
			"applied", applied,
			"remaining", remaining,
		)
		telemetry.GetGlobalMetrics().RecordOverfillClamp(context.Background(), t.tokenID)
	}

	if !applied.IsPositive() {
		return decimal.Zero
	}

	t.filledQuantity = t.filledQuantity.Add(applied)
	t.fillNotional = t.fillNotional.Add(applied.Mul(fillPrice))
	t.fills = append(t.fills, core.Fill{
		OrderID:   orderID,
		Size:      applied,
		Price:     fillPrice,
		Requested: fillSize,
		Timestamp: t.now(),
	})

	metrics := telemetry.GetGlobalMetrics()
	metrics.RecordFill(context.Background(), t.tokenID, applied.InexactFloat64())
	metrics.SetFilledQuantity(t.tokenID, t.filledQuantity.InexactFloat64())

	t.logger.Info("Fill applied",
		"order_id", orderID,
		"size", applied,
		"price", fillPrice,
		"filled", t.filledQuantity,
		"target", t.targetQuantity,
	)
	return applied
}

// SetTargetQuantity changes the target. A target below the filled
// quantity is raised to it so filled never exceeds target.
func (t *Tracker) SetTargetQuantity(target decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	if target.LessThan(t.filledQuantity) {
		t.logger.Warn("Target below filled quantity, using filled quantity",
			"requested", target, "filled", t.filledQuantity)
		target = t.filledQuantity
	}
	t.targetQuantity = target
	return target
}

// Now returns the tracker's clock reading
func (t *Tracker) Now() time.Time {
	return t.now()
}

// RemainingQuantity returns max(0, target - filled)
func (t *Tracker) RemainingQuantity() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remainingLocked()
}

func (t *Tracker) remainingLocked() decimal.Decimal {
	remaining := t.targetQuantity.Sub(t.filledQuantity)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// UncommittedQuantity is the remaining target not already covered by the
// unfilled part of live orders
func (t *Tracker) UncommittedQuantity() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	open := t.remainingLocked()
	for _, o := range t.pending {
		open = open.Sub(o.Size.Sub(o.FilledSize))
	}
	if open.IsNegative() {
		return decimal.Zero
	}
	return open
}

// IsTargetReached reports whether filled >= target
func (t *Tracker) IsTargetReached() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filledQuantity.GreaterThanOrEqual(t.targetQuantity)
}

// FilledQuantity returns the filled quantity
func (t *Tracker) FilledQuantity() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filledQuantity
}

// TargetQuantity returns the current target
func (t *Tracker) TargetQuantity() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.targetQuantity
}

// PendingOrder returns a copy of a tracked order
func (t *Tracker) PendingOrder(orderID string) (core.OrderState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.pending[orderID]
	if !ok {
		return core.OrderState{}, false
	}
	return *order, true
}

// PendingOrders returns copies of the live orders sorted by creation time
func (t *Tracker) PendingOrders() []core.OrderState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	orders := make([]core.OrderState, 0, len(t.pending))
	for _, o := range t.pending {
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// PendingCount returns the number of live orders
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Fills returns a copy of the fill history
func (t *Tracker) Fills() []core.Fill {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.Fill, len(t.fills))
	copy(out, t.fills)
	return out
}

// ClampCount returns how many fills were clamped
func (t *Tracker) ClampCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clampCount
}

// PositionSummary derives the current position state
func (t *Tracker) PositionSummary() core.PositionState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pendingQty := decimal.Zero
	for _, o := range t.pending {
		pendingQty = pendingQty.Add(o.Size.Sub(o.FilledSize))
	}

	avg := decimal.Zero
	if t.filledQuantity.IsPositive() {
		avg = t.fillNotional.Div(t.filledQuantity)
	}

	return core.PositionState{
		TokenID:           t.tokenID,
		TargetQuantity:    t.targetQuantity,
		FilledQuantity:    t.filledQuantity,
		PendingQuantity:   pendingQty,
		RemainingQuantity: t.remainingLocked(),
		AveragePrice:      avg,
		UnrealizedPnL:     decimal.Zero,
		FillCount:         len(t.fills),
	}
}

func (t *Tracker) publishPendingLocked() {
	telemetry.GetGlobalMetrics().SetPendingOrders(t.tokenID, int64(len(t.pending)))
}
