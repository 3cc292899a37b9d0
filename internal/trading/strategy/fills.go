package strategy

import (
	"strings"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/trading/position"

	"github.com/shopspring/decimal"
)

// isMatchedTrade filters out the later lifecycle updates of a trade
// (MINED, CONFIRMED) so a fill is only counted once
func isMatchedTrade(ev core.OrderEvent) bool {
	return ev.TradeStatus == "" || strings.EqualFold(ev.TradeStatus, "MATCHED")
}

// matchOwnTrade finds which of our orders a trade filled, whether that
// order is still pending, and the size and price of our leg. Orders removed
// recently still match: a cancel can race the match on the venue.
func matchOwnTrade(tracker *position.Tracker, ev core.OrderEvent) (core.OrderState, bool, decimal.Decimal, decimal.Decimal, bool) {
	if ev.TakerOrderID != "" {
		if o, live, ok := tracker.KnownOrder(ev.TakerOrderID); ok {
			return o, live, ev.Size, ev.Price, true
		}
	}
	for _, mk := range ev.Makers {
		o, live, ok := tracker.KnownOrder(mk.OrderID)
		if !ok {
			continue
		}
		size := mk.MatchedAmount
		if !size.IsPositive() {
			size = ev.Size
		}
		price := mk.Price
		if !price.IsPositive() {
			price = ev.Price
		}
		return o, live, size, price, true
	}
	return core.OrderState{}, false, decimal.Zero, decimal.Zero, false
}
