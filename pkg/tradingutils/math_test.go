package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTickDecimals(t *testing.T) {
	assert.Equal(t, int32(3), TickDecimals(d("0.001")))
	assert.Equal(t, int32(2), TickDecimals(d("0.01")))
	assert.Equal(t, int32(2), TickDecimals(decimal.Zero))
}

func TestRounding(t *testing.T) {
	assert.Equal(t, "0.51", RoundPrice(d("0.5099999"), d("0.01")).String())
	assert.Equal(t, "0.506", RoundPrice(d("0.5055"), d("0.001")).String())
	assert.Equal(t, "0.52", CeilToTick(d("0.5101"), d("0.01")).String())
	assert.Equal(t, "0.51", FloorToTick(d("0.5199"), d("0.01")).String())
	assert.Equal(t, "0.51", CeilToTick(d("0.51"), d("0.01")).String())
}

func TestImproveAndClamp(t *testing.T) {
	assert.True(t, ImprovePrice(d("0.50"), d("0.01"), 1, true).Equal(d("0.51")))
	assert.True(t, ImprovePrice(d("0.50"), d("0.01"), 2, false).Equal(d("0.48")))
	assert.True(t, ClampToLimit(d("0.56"), d("0.55"), true).Equal(d("0.55")))
	assert.True(t, ClampToLimit(d("0.40"), d("0.45"), false).Equal(d("0.45")))
}

func TestWithinTicks(t *testing.T) {
	assert.True(t, WithinTicks(d("0.51"), d("0.50"), d("0.01"), 1))
	assert.False(t, WithinTicks(d("0.52"), d("0.50"), d("0.01"), 1))
}

func TestValidPrice(t *testing.T) {
	assert.True(t, ValidPrice(d("1")))
	assert.True(t, ValidPrice(d("0.001")))
	assert.False(t, ValidPrice(d("0")))
	assert.False(t, ValidPrice(d("1.01")))
}
