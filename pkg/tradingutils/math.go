package tradingutils

import (
	"github.com/shopspring/decimal"
)

var (
	one            = decimal.NewFromInt(1)
	MaxPrice       = one
	MinMarketPrice = decimal.New(1, -3)
)

// TickDecimals returns the number of decimals a tick size implies:
// 3 for 0.001, otherwise 2
func TickDecimals(tick decimal.Decimal) int32 {
	if tick.Equal(decimal.New(1, -3)) {
		return 3
	}
	return 2
}

// RoundPrice rounds a price to the tick's decimal precision
func RoundPrice(price, tick decimal.Decimal) decimal.Decimal {
	return price.Round(TickDecimals(tick))
}

// CeilToTick rounds a price up onto the tick grid
func CeilToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// FloorToTick rounds a price down onto the tick grid
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// ImprovePrice moves price by ticks in the direction that makes a resting
// order more competitive: up for bids, down for asks
func ImprovePrice(price, tick decimal.Decimal, ticks int, buy bool) decimal.Decimal {
	step := tick.Mul(decimal.NewFromInt(int64(ticks)))
	if buy {
		return price.Add(step)
	}
	return price.Sub(step)
}

// ClampToLimit keeps price on the acceptable side of limit
func ClampToLimit(price, limit decimal.Decimal, buy bool) decimal.Decimal {
	if buy {
		return decimal.Min(price, limit)
	}
	return decimal.Max(price, limit)
}

// WithinTicks reports whether |a-b| <= ticks*tick
func WithinTicks(a, b, tick decimal.Decimal, ticks int) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tick.Mul(decimal.NewFromInt(int64(ticks))))
}

// RespectsLimit reports whether price is acceptable under limit
func RespectsLimit(price, limit decimal.Decimal, buy bool) bool {
	if buy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// ValidPrice reports whether price lies in (0, 1]
func ValidPrice(price decimal.Decimal) bool {
	return price.IsPositive() && price.LessThanOrEqual(MaxPrice)
}
