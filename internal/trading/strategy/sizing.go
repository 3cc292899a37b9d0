// Package strategy contains the execution strategies that work a parent
// order down to its target quantity
package strategy

import (
	"github.com/shopspring/decimal"
)

// OptimalOrderSize sizes the next child order so the run never strands
// an unfillable remainder:
//   - remaining below minSize places nothing
//   - remaining up to childSize is placed in full
//   - a child order that would leave dust below minSize absorbs the dust
//   - otherwise a regular child order
func OptimalOrderSize(remaining, childSize, minSize decimal.Decimal) decimal.Decimal {
	if remaining.LessThan(minSize) {
		return decimal.Zero
	}
	if remaining.LessThanOrEqual(childSize) {
		return remaining
	}
	leftover := remaining.Sub(childSize)
	if leftover.IsPositive() && leftover.LessThan(minSize) {
		return remaining
	}
	return childSize
}
