package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/trading/position"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placedOrder struct {
	Price  decimal.Decimal
	Size   decimal.Decimal
	Side   core.Side
	Market bool
}

type placeReply struct {
	result core.PlaceResult
	err    error
}

// fakeExecutor accepts every order unless replies are queued
type fakeExecutor struct {
	replies   []placeReply
	placed    []placedOrder
	canceled  []string
	cancelErr map[string]error
	nextID    int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{cancelErr: make(map[string]error)}
}

func (f *fakeExecutor) reply() (core.PlaceResult, error) {
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		return r.result, r.err
	}
	f.nextID++
	return core.PlaceResult{Outcome: core.PlaceAccepted, OrderID: fmt.Sprintf("o-%d", f.nextID)}, nil
}

func (f *fakeExecutor) PlaceOrder(ctx context.Context, tokenID string, price, size decimal.Decimal, side core.Side) (core.PlaceResult, error) {
	f.placed = append(f.placed, placedOrder{Price: price, Size: size, Side: side})
	return f.reply()
}

func (f *fakeExecutor) PlaceMarketOrder(ctx context.Context, tokenID string, size decimal.Decimal, side core.Side, slippage decimal.Decimal) (core.PlaceResult, error) {
	f.placed = append(f.placed, placedOrder{Size: size, Side: side, Market: true})
	return f.reply()
}

func (f *fakeExecutor) CancelOrder(ctx context.Context, orderID string, maxRetries int) error {
	if err, ok := f.cancelErr[orderID]; ok {
		return err
	}
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExecutor) CancelAllOrders(ctx context.Context, tokenID string, tracked []string) ([]string, error) {
	return nil, nil
}

func testConfig(side core.Side, limit string) core.StrategyConfig {
	cfg := core.DefaultStrategyConfig()
	cfg.TokenID = "tok"
	cfg.Side = side
	cfg.LimitPrice = d(limit)
	cfg.TotalQuantity = d("100")
	cfg.ChildOrderSize = d("10")
	cfg.TickSize = d("0.01")
	return cfg
}

func newMaker(cfg core.StrategyConfig) (*TopOfBookMaker, *fakeExecutor, *position.Tracker) {
	logger := logging.NewNopLogger()
	exec := newFakeExecutor()
	tracker := position.NewTracker(cfg.TokenID, cfg.Side, cfg.TotalQuantity, logger)
	return NewTopOfBookMaker(cfg, exec, tracker, logger), exec, tracker
}

func market(bid, ask string) core.MarketData {
	return core.MarketData{
		TokenID:   "tok",
		TopBid:    d(bid),
		TopAsk:    d(ask),
		BidSize:   d("100"),
		AskSize:   d("100"),
		Timestamp: time.Now(),
	}
}

func TestMakerPlacesImprovedQuote(t *testing.T) {
	maker, exec, tracker := newMaker(testConfig(core.SideBuy, "0.55"))

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.50", "0.52")))

	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Price.Equal(d("0.51")))
	assert.True(t, exec.placed[0].Size.Equal(d("10")))
	assert.Equal(t, 1, tracker.PendingCount())
	assert.Equal(t, StateQuoting, maker.State())
}

func TestMakerSellSideImprovesDownward(t *testing.T) {
	maker, exec, _ := newMaker(testConfig(core.SideSell, "0.40"))

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.50", "0.60")))

	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Price.Equal(d("0.59")))
	assert.Equal(t, core.SideSell, exec.placed[0].Side)
}

func TestMakerMatchMode(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.MatchTopOfBook = true
	maker, exec, _ := newMaker(cfg)

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.50", "0.52")))

	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Price.Equal(d("0.50")))
}

func TestMakerClampsToLimit(t *testing.T) {
	maker, exec, _ := newMaker(testConfig(core.SideBuy, "0.55"))

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.60", "0.62")))

	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Price.Equal(d("0.55")))
}

func TestMakerDoesNotCompeteWithItself(t *testing.T) {
	maker, exec, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.52")))
	require.Len(t, exec.placed, 1)

	// Our 0.51 bid is now the top of book
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.51", "0.52")))

	assert.Len(t, exec.placed, 1, "no new order")
	assert.Empty(t, exec.canceled, "no cancel")
	assert.Equal(t, 1, tracker.PendingCount())
}

func TestMakerRepricesWhenOutbid(t *testing.T) {
	maker, exec, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.Len(t, exec.placed, 1)

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.53", "0.56")))

	assert.Equal(t, []string{"o-1"}, exec.canceled)
	require.Len(t, exec.placed, 2)
	assert.True(t, exec.placed[1].Price.Equal(d("0.54")))

	pending := tracker.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, "o-2", pending[0].OrderID)
}

func TestMakerCancelFailureKeepsOrder(t *testing.T) {
	maker, exec, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	exec.cancelErr["o-1"] = apperrors.ErrCancelRetriesExhausted

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.53", "0.56")))

	assert.Len(t, exec.placed, 1, "replacement suppressed")
	_, ok := tracker.PendingOrder("o-1")
	assert.True(t, ok, "order state unknown, still tracked")
}

func TestMakerSellClampsUpToLimit(t *testing.T) {
	maker, exec, _ := newMaker(testConfig(core.SideSell, "0.70"))

	// Improved ask 0.59 is below the sell limit
	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.50", "0.60")))
	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Price.Equal(d("0.70")))
}

func TestMakerRespectsMaxPendingOrders(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.MaxPendingOrders = 1
	maker, exec, tracker := newMaker(cfg)
	require.NoError(t, tracker.AddPendingOrder("a", d("0.51"), d("10")))
	require.NoError(t, tracker.AddPendingOrder("b", d("0.45"), d("10")))

	// a is the touch; b is stale and gets cancelled, but a alone fills the limit
	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.51", "0.56")))

	assert.Equal(t, []string{"b"}, exec.canceled)
	assert.Empty(t, exec.placed)
	assert.Equal(t, 1, tracker.PendingCount())
}

func TestMakerCombinesDustIntoLastOrder(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.TotalQuantity = d("12")
	maker, exec, _ := newMaker(cfg)

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.50", "0.56")))

	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Size.Equal(d("12")))
}

func TestMakerSkipsBelowMinimum(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.TotalQuantity = d("4")
	maker, exec, _ := newMaker(cfg)

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.50", "0.56")))
	assert.Empty(t, exec.placed)
}

func TestMakerFillTriggersReplacement(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.TotalQuantity = d("20")
	maker, exec, tracker := newMaker(cfg)
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.Len(t, exec.placed, 1)

	err := maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:         core.OrderEventTrade,
		TakerOrderID: "someone-else",
		Makers:       []core.MakerMatch{{OrderID: "o-1", MatchedAmount: d("10"), Price: d("0.51")}},
		Size:         d("10"),
		Price:        d("0.51"),
		TradeStatus:  "MATCHED",
	})
	require.NoError(t, err)

	assert.True(t, tracker.FilledQuantity().Equal(d("10")))
	require.Len(t, exec.placed, 2, "re-evaluated with the last snapshot")
	assert.True(t, exec.placed[1].Size.Equal(d("10")))
	_, stillTracked := tracker.PendingOrder("o-1")
	assert.False(t, stillTracked)
	assert.Empty(t, exec.canceled, "fully filled order needs no cancel")
}

func TestMakerCapsFillAtOrderSize(t *testing.T) {
	maker, _, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))

	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:         core.OrderEventTrade,
		TakerOrderID: "o-1",
		Size:         d("25"),
		Price:        d("0.51"),
	}))

	assert.True(t, tracker.FilledQuantity().Equal(d("10")))
}

func TestMakerPartialFillCancelsRemainder(t *testing.T) {
	maker, exec, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))

	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:        core.OrderEventTrade,
		Makers:      []core.MakerMatch{{OrderID: "o-1", MatchedAmount: d("4")}},
		Size:        d("4"),
		Price:       d("0.51"),
		TradeStatus: "MATCHED",
	}))

	assert.True(t, tracker.FilledQuantity().Equal(d("4")))
	assert.Contains(t, exec.canceled, "o-1")
}

func TestMakerCreditsFillForCancelledOrder(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.TotalQuantity = d("20")
	maker, exec, tracker := newMaker(cfg)
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	// o-1 is repriced away; the venue matched it before the cancel landed
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.47", "0.56")))
	require.Equal(t, []string{"o-1"}, exec.canceled)
	require.Len(t, exec.placed, 2)
	assert.True(t, exec.placed[1].Price.Equal(d("0.48")))

	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:         core.OrderEventTrade,
		TakerOrderID: "someone-else",
		Makers:       []core.MakerMatch{{OrderID: "o-1", MatchedAmount: d("10"), Price: d("0.51")}},
		Size:         d("10"),
		Price:        d("0.51"),
		TradeStatus:  "MATCHED",
	}))
	assert.True(t, tracker.FilledQuantity().Equal(d("10")))
	assert.Len(t, exec.placed, 2, "late fill does not trigger another order")

	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:         core.OrderEventTrade,
		TakerOrderID: "someone-else",
		Makers:       []core.MakerMatch{{OrderID: "o-2", MatchedAmount: d("10"), Price: d("0.48")}},
		Size:         d("10"),
		Price:        d("0.48"),
		TradeStatus:  "MATCHED",
	}))

	assert.True(t, tracker.FilledQuantity().Equal(d("20")))
	assert.True(t, tracker.IsTargetReached())
	assert.Len(t, exec.placed, 2)
	assert.Equal(t, StateDone, maker.State())
}

func TestMakerCreditsSizeMatchedOnCancellation(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.TotalQuantity = d("20")
	maker, exec, tracker := newMaker(cfg)
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.47", "0.56")))
	require.Len(t, exec.placed, 2)

	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:        core.OrderEventCancellation,
		OrderID:     "o-1",
		SizeMatched: d("6"),
	}))
	assert.True(t, tracker.FilledQuantity().Equal(d("6")))

	// the trade behind that size_matched is not counted again
	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:        core.OrderEventTrade,
		Makers:      []core.MakerMatch{{OrderID: "o-1", MatchedAmount: d("6"), Price: d("0.51")}},
		Size:        d("6"),
		Price:       d("0.51"),
		TradeStatus: "MATCHED",
	}))
	assert.True(t, tracker.FilledQuantity().Equal(d("6")))
	assert.Len(t, tracker.Fills(), 1)
}

func TestMakerIgnoresForeignAndLifecycleTrades(t *testing.T) {
	maker, _, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))

	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:         core.OrderEventTrade,
		TakerOrderID: "x",
		Makers:       []core.MakerMatch{{OrderID: "y", MatchedAmount: d("10")}},
		Size:         d("10"),
		Price:        d("0.51"),
	}))
	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:         core.OrderEventTrade,
		TakerOrderID: "o-1",
		Size:         d("10"),
		Price:        d("0.51"),
		TradeStatus:  "CONFIRMED",
	}))

	assert.True(t, tracker.FilledQuantity().IsZero())
	assert.Equal(t, 1, tracker.PendingCount())
}

func TestMakerCancellationEventDropsOrder(t *testing.T) {
	maker, _, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:    core.OrderEventCancellation,
		OrderID: "o-1",
	}))

	assert.Equal(t, 0, tracker.PendingCount())
	assert.Equal(t, StateIdle, maker.State())
}

func TestMakerCriticalAfterConsecutiveFailures(t *testing.T) {
	maker, exec, _ := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()
	rejected := placeReply{result: core.PlaceResult{Outcome: core.PlaceRejected, Reason: "bad"}}
	limited := placeReply{result: core.PlaceResult{Outcome: core.PlaceRateLimited}}
	exec.replies = []placeReply{rejected, limited, rejected, rejected}

	for i := 0; i < 3; i++ {
		require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
		assert.False(t, maker.HasCriticalError(), "rate limit denials do not count")
	}
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))

	assert.True(t, maker.HasCriticalError())
	assert.Contains(t, maker.CriticalErrorMessage(), "3 consecutive")
	assert.Equal(t, StateDone, maker.State())

	// Halted strategies place nothing
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	assert.Len(t, exec.placed, 4)
}

func TestMakerAcceptResetsFailureCount(t *testing.T) {
	maker, exec, tracker := newMaker(testConfig(core.SideBuy, "0.55"))
	ctx := context.Background()
	rejected := placeReply{result: core.PlaceResult{Outcome: core.PlaceRejected, Reason: "bad"}}
	exec.replies = []placeReply{rejected, rejected}

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.Equal(t, 1, tracker.PendingCount())

	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{Type: core.OrderEventCancellation, OrderID: "o-1"}))
	exec.replies = []placeReply{rejected, rejected}
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))

	assert.False(t, maker.HasCriticalError())
}

func TestMakerFatalErrorIsCritical(t *testing.T) {
	maker, exec, _ := newMaker(testConfig(core.SideBuy, "0.55"))
	exec.replies = []placeReply{{
		result: core.PlaceResult{Outcome: core.PlaceFatal, Reason: "not enough balance"},
		err:    fmt.Errorf("%w: not enough balance", apperrors.ErrInsufficientBalance),
	}}

	err := maker.ProcessMarketUpdate(context.Background(), market("0.50", "0.56"))

	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	assert.True(t, maker.HasCriticalError())
	assert.Contains(t, maker.CriticalErrorMessage(), "balance")
}

func TestMakerTickSizeChange(t *testing.T) {
	maker, exec, _ := newMaker(testConfig(core.SideBuy, "0.55"))
	maker.SetTickSize(d("0.001"))

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.500", "0.560")))

	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Price.Equal(d("0.501")))
}

func TestMakerLimitPriceUpdate(t *testing.T) {
	maker, exec, _ := newMaker(testConfig(core.SideBuy, "0.55"))
	maker.SetLimitPrice(d("0.52"))

	require.NoError(t, maker.ProcessMarketUpdate(context.Background(), market("0.53", "0.56")))

	require.Len(t, exec.placed, 1)
	assert.True(t, exec.placed[0].Price.Equal(d("0.52")))
}

func TestMakerDoneWhenTargetReached(t *testing.T) {
	cfg := testConfig(core.SideBuy, "0.55")
	cfg.TotalQuantity = d("10")
	maker, exec, tracker := newMaker(cfg)
	ctx := context.Background()

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.50", "0.56")))
	require.NoError(t, maker.ProcessOrderUpdate(ctx, core.OrderEvent{
		Type:         core.OrderEventTrade,
		TakerOrderID: "o-1",
		Size:         d("10"),
		Price:        d("0.51"),
	}))

	assert.True(t, tracker.IsTargetReached())
	assert.Equal(t, StateDone, maker.State())

	require.NoError(t, maker.ProcessMarketUpdate(ctx, market("0.40", "0.56")))
	assert.Len(t, exec.placed, 1)
}
