package position

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"order_orchestrator/internal/core"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestTracker(target string) *Tracker {
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	return NewTrackerWithClock("tok", core.SideBuy, d(target), logging.NewNopLogger(), func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	})
}

func TestOverfillClamp(t *testing.T) {
	tr := newTestTracker("10")

	applied := tr.UpdateFilledQuantity("o1", d("15"), d("0.5"))

	assert.True(t, applied.Equal(d("10")))
	assert.True(t, tr.FilledQuantity().Equal(d("10")), "filled should be clamped to 10, got %s", tr.FilledQuantity())
	assert.True(t, tr.IsTargetReached())
	assert.True(t, tr.RemainingQuantity().IsZero())
	assert.Equal(t, 1, tr.ClampCount())

	fills := tr.Fills()
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Requested.Equal(d("15")))
	assert.True(t, fills[0].Size.Equal(d("10")))
}

func TestFillAfterTargetIsNoop(t *testing.T) {
	tr := newTestTracker("10")
	tr.UpdateFilledQuantity("o1", d("10"), d("0.5"))

	applied := tr.UpdateFilledQuantity("o2", d("3"), d("0.5"))
	assert.True(t, applied.IsZero())
	assert.Len(t, tr.Fills(), 1)
	assert.True(t, tr.FilledQuantity().Equal(d("10")))
}

func TestNonPositiveFillIsNoop(t *testing.T) {
	tr := newTestTracker("10")
	assert.True(t, tr.UpdateFilledQuantity("o1", d("0"), d("0.5")).IsZero())
	assert.True(t, tr.UpdateFilledQuantity("o1", d("-2"), d("0.5")).IsZero())
	assert.Empty(t, tr.Fills())
}

func TestMonotonicFill(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := newTestTracker("100")

	prev := decimal.Zero
	for i := 0; i < 500; i++ {
		size := decimal.NewFromInt(int64(rng.Intn(40) - 5))
		tr.UpdateFilledQuantity("o", size, d("0.4"))

		filled := tr.FilledQuantity()
		if filled.LessThan(prev) {
			t.Fatalf("filled decreased from %s to %s", prev, filled)
		}
		if filled.GreaterThan(d("100")) {
			t.Fatalf("filled %s exceeds target", filled)
		}
		prev = filled
	}
}

func TestVWAP(t *testing.T) {
	tr := newTestTracker("20")
	tr.UpdateFilledQuantity("o1", d("10"), d("0.50"))
	tr.UpdateFilledQuantity("o2", d("10"), d("0.52"))

	summary := tr.PositionSummary()
	assert.True(t, summary.AveragePrice.Equal(d("0.51")), "vwap %s", summary.AveragePrice)
	assert.Equal(t, 2, summary.FillCount)
	assert.True(t, summary.UnrealizedPnL.IsZero())
}

func TestSummaryWithoutFills(t *testing.T) {
	tr := newTestTracker("20")
	require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))

	summary := tr.PositionSummary()
	assert.True(t, summary.AveragePrice.IsZero())
	assert.True(t, summary.PendingQuantity.Equal(d("10")))
	assert.True(t, summary.RemainingQuantity.Equal(d("20")))
}

func TestPendingOrders(t *testing.T) {
	tr := newTestTracker("20")

	require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))
	require.NoError(t, tr.AddPendingOrder("o2", d("0.50"), d("5")))

	err := tr.AddPendingOrder("o1", d("0.52"), d("10"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)

	orders := tr.PendingOrders()
	require.Len(t, orders, 2)
	assert.Equal(t, "o1", orders[0].OrderID)
	assert.Equal(t, core.OrderStatusLive, orders[0].Status)

	tr.RemovePendingOrder("o1")
	tr.RemovePendingOrder("o1")
	tr.RemovePendingOrder("missing")
	assert.Equal(t, 1, tr.PendingCount())
}

func TestUpdateOrderStatus(t *testing.T) {
	tr := newTestTracker("20")
	require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))

	assert.True(t, tr.UpdateOrderStatus("o1", core.OrderStatusLive, d("4")))
	o, ok := tr.PendingOrder("o1")
	require.True(t, ok)
	assert.True(t, o.FilledSize.Equal(d("4")))

	assert.True(t, tr.UpdateOrderStatus("o1", core.OrderStatusCanceled, d("4")))
	_, ok = tr.PendingOrder("o1")
	assert.False(t, ok)

	assert.False(t, tr.UpdateOrderStatus("o1", core.OrderStatusCanceled, decimal.Zero))
}

func TestSetTargetQuantity(t *testing.T) {
	tr := newTestTracker("20")
	tr.UpdateFilledQuantity("o1", d("12"), d("0.5"))

	assert.True(t, tr.SetTargetQuantity(d("30")).Equal(d("30")))
	assert.True(t, tr.RemainingQuantity().Equal(d("18")))

	got := tr.SetTargetQuantity(d("5"))
	assert.True(t, got.Equal(d("12")))
	assert.True(t, tr.IsTargetReached())
}

func TestApplyTradeCapsAtOrderSize(t *testing.T) {
	tr := newTestTracker("50")
	require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))

	applied, ok := tr.ApplyTrade("o1", d("6"), d("0.51"))
	require.True(t, ok)
	assert.True(t, applied.Equal(d("6")))

	applied, _ = tr.ApplyTrade("o1", d("6"), d("0.51"))
	assert.True(t, applied.Equal(d("4")), "credited only up to the order size, got %s", applied)
	assert.True(t, tr.FilledQuantity().Equal(d("10")))

	o, _ := tr.PendingOrder("o1")
	assert.True(t, o.FilledSize.Equal(d("10")))

	applied, ok = tr.ApplyTrade("unknown", d("5"), d("0.51"))
	assert.False(t, ok)
	assert.True(t, applied.IsZero())
}

func TestTradeAndSizeMatchedCountedOnce(t *testing.T) {
	t.Run("trade first", func(t *testing.T) {
		tr := newTestTracker("50")
		require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))

		tr.ApplyTrade("o1", d("4"), d("0.51"))
		tr.UpdateOrderStatus("o1", core.OrderStatusLive, d("4"))
		assert.True(t, tr.FilledQuantity().Equal(d("4")))

		tr.UpdateOrderStatus("o1", core.OrderStatusCanceled, d("7"))
		assert.True(t, tr.FilledQuantity().Equal(d("7")))

		// the trade behind the last 3 arrives after the cancellation
		tr.ApplyTrade("o1", d("3"), d("0.51"))
		assert.True(t, tr.FilledQuantity().Equal(d("7")))
		assert.Len(t, tr.Fills(), 2)
	})

	t.Run("size matched first", func(t *testing.T) {
		tr := newTestTracker("50")
		require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))

		tr.UpdateOrderStatus("o1", core.OrderStatusLive, d("5"))
		applied, _ := tr.ApplyTrade("o1", d("5"), d("0.51"))
		assert.True(t, applied.IsZero())
		assert.True(t, tr.FilledQuantity().Equal(d("5")))
	})
}

func TestLateTradeForRemovedOrder(t *testing.T) {
	tr := newTestTracker("20")
	require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))
	tr.RemovePendingOrder("o1")

	st, live, ok := tr.KnownOrder("o1")
	require.True(t, ok)
	assert.False(t, live)
	assert.True(t, st.Size.Equal(d("10")))

	applied, ok := tr.ApplyTrade("o1", d("10"), d("0.51"))
	require.True(t, ok)
	assert.True(t, applied.Equal(d("10")))
	assert.True(t, tr.FilledQuantity().Equal(d("10")))
	assert.Equal(t, 0, tr.PendingCount())

	err := tr.AddPendingOrder("o1", d("0.51"), d("10"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)

	_, _, ok = tr.KnownOrder("never-placed")
	assert.False(t, ok)
}

func TestCancellationSizeMatchedAfterRemoval(t *testing.T) {
	tr := newTestTracker("20")
	require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))
	tr.RemovePendingOrder("o1")

	assert.False(t, tr.UpdateOrderStatus("o1", core.OrderStatusCanceled, d("6")))
	assert.True(t, tr.FilledQuantity().Equal(d("6")))

	tr.ApplyTrade("o1", d("6"), d("0.51"))
	assert.True(t, tr.FilledQuantity().Equal(d("6")))
}

func TestRetiredOrdersAreBounded(t *testing.T) {
	tr := newTestTracker("100000")
	for i := 0; i <= retiredOrderLimit; i++ {
		id := fmt.Sprintf("o%d", i)
		require.NoError(t, tr.AddPendingOrder(id, d("0.5"), d("1")))
		tr.RemovePendingOrder(id)
	}

	_, _, ok := tr.KnownOrder("o0")
	assert.False(t, ok, "oldest removed order is forgotten")
	_, _, ok = tr.KnownOrder(fmt.Sprintf("o%d", retiredOrderLimit))
	assert.True(t, ok)
}

func TestRestingSizeAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewTrackerWithClock("tok", core.SideBuy, d("100"), logging.NewNopLogger(), func() time.Time { return now })

	require.NoError(t, tr.AddPendingOrder("o1", d("0.51"), d("10")))
	require.NoError(t, tr.AddPendingOrder("o2", d("0.51"), d("5")))
	require.NoError(t, tr.AddPendingOrder("o3", d("0.50"), d("7")))
	tr.ApplyTrade("o2", d("2"), d("0.51"))

	assert.True(t, tr.RestingSizeAt(d("0.51"), now).Equal(d("13")))

	now = now.Add(time.Second)
	snapshotAt := now
	now = now.Add(time.Second)
	tr.RemovePendingOrder("o1")
	assert.True(t, tr.RestingSizeAt(d("0.51"), snapshotAt).Equal(d("13")), "removed after the snapshot still counts")
	assert.True(t, tr.RestingSizeAt(d("0.51"), now.Add(time.Second)).Equal(d("3")))
	assert.True(t, tr.RestingSizeAt(d("0.49"), snapshotAt).IsZero())
}
