package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/mock"
	"order_orchestrator/internal/store"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "tok"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type countingPositions struct {
	refreshes atomic.Int32
}

func (c *countingPositions) Get(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (c *countingPositions) ForceRefresh(ctx context.Context) error {
	c.refreshes.Add(1)
	return nil
}

type harness struct {
	venue     *mock.Venue
	journal   *store.MemoryJournal
	positions *countingPositions
	manager   *Manager
}

func testConfig() core.StrategyConfig {
	cfg := core.DefaultStrategyConfig()
	cfg.TokenID = token
	cfg.Side = core.SideBuy
	cfg.LimitPrice = d("0.55")
	cfg.TotalQuantity = d("20")
	cfg.ChildOrderSize = d("10")
	cfg.TickSize = d("0.01")
	cfg.RateLimit = 1000
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.QuiescenceGrace = 0
	cfg.CancelMaxRetries = 2
	cfg.CancelBackoff = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg core.StrategyConfig) *harness {
	t.Helper()
	logger := logging.NewNopLogger()
	v := mock.NewVenue([]string{token}, logger)
	v.PushBook(token,
		[]core.PriceLevel{{Price: d("0.50"), Size: d("100")}},
		[]core.PriceLevel{{Price: d("0.60"), Size: d("100")}},
	)

	h := &harness{
		venue:     v,
		journal:   store.NewMemoryJournal(),
		positions: &countingPositions{},
	}
	m, err := NewManager(cfg, Deps{
		Venue:      v,
		Metadata:   v,
		MarketFeed: v.MarketFeed(),
		UserFeed:   v.UserFeed(),
		Positions:  h.positions,
		Journal:    h.journal,
	}, logger)
	require.NoError(t, err)
	h.manager = m

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return h
}

func (h *harness) waitStopped(t *testing.T) Status {
	t.Helper()
	select {
	case <-h.manager.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	return h.manager.Status()
}

func (h *harness) waitPending(t *testing.T, n int) []core.OrderState {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.manager.Status().PendingOrders) == n
	}, 2*time.Second, 5*time.Millisecond)
	return h.manager.Status().PendingOrders
}

func TestNewManagerValidatesConfig(t *testing.T) {
	logger := logging.NewNopLogger()
	v := mock.NewVenue([]string{token}, logger)
	deps := Deps{Venue: v, MarketFeed: v.MarketFeed(), UserFeed: v.UserFeed()}

	bad := testConfig()
	bad.LimitPrice = d("1.5")
	_, err := NewManager(bad, deps, logger)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)

	bad = testConfig()
	bad.TotalQuantity = decimal.Zero
	_, err = NewManager(bad, deps, logger)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)

	bad = testConfig()
	bad.Side = "HOLD"
	_, err = NewManager(bad, deps, logger)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)

	_, err = NewManager(testConfig(), Deps{Venue: v}, logger)
	assert.Error(t, err)
}

func TestMakerRunReachesTarget(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.manager.Start(context.Background()))

	first := h.waitPending(t, 1)[0]
	assert.True(t, first.Price.Equal(d("0.51")), "one tick inside the best bid, got %s", first.Price)
	assert.True(t, first.Size.Equal(d("10")))

	require.NoError(t, h.venue.Fill(first.OrderID, d("10")))

	require.Eventually(t, func() bool {
		pending := h.manager.Status().PendingOrders
		return len(pending) == 1 && pending[0].OrderID != first.OrderID
	}, 2*time.Second, 5*time.Millisecond)
	second := h.manager.Status().PendingOrders[0]
	assert.True(t, second.Price.Equal(d("0.51")))

	require.NoError(t, h.venue.Fill(second.OrderID, d("10")))

	st := h.waitStopped(t)
	assert.Equal(t, core.StopReasonTargetReached, st.StopReason)
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Running)
	assert.True(t, st.Position.FilledQuantity.Equal(d("20")))
	assert.True(t, st.Position.AveragePrice.Equal(d("0.51")))
	assert.Equal(t, 2, st.Fills)
	assert.Empty(t, st.PendingOrders)
	assert.Empty(t, st.CancelErrors)
	require.NotNil(t, st.LastMarket)
	assert.True(t, st.LastMarket.TopBid.Equal(d("0.50")))

	fills, err := h.journal.LoadFills(context.Background(), h.manager.RunID())
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	saved, err := h.journal.LoadStatus(context.Background(), h.manager.RunID())
	require.NoError(t, err)
	assert.Contains(t, string(saved), core.StopReasonTargetReached)
	assert.Equal(t, int32(1), h.positions.refreshes.Load())
	assert.Len(t, h.venue.Submitted(), 2)
}

func TestStartTwiceAndRestart(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx))
	assert.ErrorIs(t, h.manager.Start(ctx), apperrors.ErrAlreadyRunning)

	require.NoError(t, h.manager.Stop(ctx))
	assert.ErrorIs(t, h.manager.Start(ctx), apperrors.ErrAlreadyStopped)
}

func TestStopCancelsOpenOrdersAndIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.manager.Start(ctx))
	h.waitPending(t, 1)

	require.NoError(t, h.manager.Stop(ctx))
	require.NoError(t, h.manager.Stop(ctx))

	st := h.manager.Status()
	assert.Equal(t, core.StopReasonManual, st.StopReason)
	assert.Empty(t, st.PendingOrders)
	assert.Empty(t, h.venue.OpenOrders(token))
	assert.False(t, h.venue.MarketFeed().Connected())
	assert.False(t, h.venue.UserFeed().Connected())
}

func TestStopReportsOrdersThatCouldNotBeCanceled(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.manager.Start(ctx))
	h.waitPending(t, 1)

	h.venue.SetCancelError(errors.New("matching engine unavailable"))
	require.NoError(t, h.manager.Stop(ctx))

	st := h.manager.Status()
	require.Len(t, st.CancelErrors, 1)
	assert.Contains(t, st.CancelErrors[0], "matching engine unavailable")
	assert.Len(t, h.venue.OpenOrders(token), 1)
}

// staleListing hides every order from the open order listing, like a venue
// whose listing lags behind its acceptances.
type staleListing struct {
	*mock.Venue
}

func (s staleListing) ListOpenOrders(ctx context.Context, tokenID string) ([]core.OpenOrder, error) {
	return nil, nil
}

func TestStopCancelsTrackedOrdersTheVenueDidNotList(t *testing.T) {
	h := newHarness(t, testConfig())
	logger := logging.NewNopLogger()
	m, err := NewManager(testConfig(), Deps{
		Venue:      staleListing{h.venue},
		Metadata:   h.venue,
		MarketFeed: h.venue.MarketFeed(),
		UserFeed:   h.venue.UserFeed(),
		Journal:    store.NewMemoryJournal(),
	}, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool {
		return len(m.Status().PendingOrders) == 1
	}, 2*time.Second, 5*time.Millisecond)
	id := m.Status().PendingOrders[0].OrderID

	require.NoError(t, m.Stop(ctx))

	st := m.Status()
	assert.Empty(t, st.CancelErrors)
	assert.Empty(t, st.PendingOrders)
	assert.Empty(t, h.venue.OpenOrders(token))
	_, status, ok := h.venue.Order(id)
	require.True(t, ok)
	assert.Equal(t, core.OrderStatusCanceled, status)
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.manager.Stop(context.Background()))

	st := h.waitStopped(t)
	assert.Equal(t, core.StopReasonManual, st.StopReason)
	assert.Empty(t, h.venue.Submitted())
}

func TestContextCancellationStopsRun(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.manager.Start(ctx))
	h.waitPending(t, 1)

	cancel()
	st := h.waitStopped(t)
	assert.Equal(t, core.StopReasonManual, st.StopReason)
	assert.Empty(t, h.venue.OpenOrders(token))
}

func TestBalanceRejectionStopsWithCriticalError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.venue.SetRejectReason("not enough balance / allowance")
	require.NoError(t, h.manager.Start(context.Background()))

	st := h.waitStopped(t)
	assert.Equal(t, core.StopReasonCritical, st.StopReason)
	assert.Contains(t, st.CriticalError, "balance")
	assert.Len(t, h.venue.Submitted(), 1)
}

func TestTimeoutStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.manager.Start(context.Background()))

	st := h.waitStopped(t)
	assert.Equal(t, core.StopReasonTimeout, st.StopReason)
	assert.Empty(t, h.venue.OpenOrders(token))
	assert.Zero(t, st.RemainingSeconds)
}

func TestQuiescentRunStops(t *testing.T) {
	cfg := testConfig()
	cfg.QuiescenceGrace = 30 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.manager.Start(context.Background()))
	order := h.waitPending(t, 1)[0]

	// Canceled out from under us; no market update follows to re-quote.
	h.venue.Publish(core.OrderEvent{
		Type:    core.OrderEventCancellation,
		TokenID: token,
		OrderID: order.OrderID,
	})

	st := h.waitStopped(t)
	assert.Equal(t, core.StopReasonQuiescent, st.StopReason)
}

func TestUpdateParameters(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	price := d("0.45")
	assert.ErrorIs(t, h.manager.UpdateParameters(ctx, Params{LimitPrice: &price}), apperrors.ErrNotRunning)
	assert.ErrorIs(t, h.manager.ExtendTimeout(time.Minute), apperrors.ErrNotRunning)

	require.NoError(t, h.manager.Start(ctx))
	h.waitPending(t, 1)

	invalid := d("1.2")
	assert.ErrorIs(t, h.manager.UpdateParameters(ctx, Params{LimitPrice: &invalid}), apperrors.ErrInvalidOrderParameter)
	zero := decimal.Zero
	assert.ErrorIs(t, h.manager.UpdateParameters(ctx, Params{TotalQuantity: &zero}), apperrors.ErrInvalidOrderParameter)

	qty := d("30")
	require.NoError(t, h.manager.UpdateParameters(ctx, Params{LimitPrice: &price, TotalQuantity: &qty}))

	st := h.manager.Status()
	assert.True(t, st.LimitPrice.Equal(price))
	assert.True(t, st.Position.TargetQuantity.Equal(qty))

	before := st.RemainingSeconds
	require.NoError(t, h.manager.ExtendTimeout(time.Hour))
	assert.Greater(t, h.manager.Status().RemainingSeconds, before)
	assert.Error(t, h.manager.ExtendTimeout(0))
}

func TestTakerRunUsesInsideLiquidity(t *testing.T) {
	cfg := testConfig()
	cfg.InsideLiquidity = true
	cfg.LimitPrice = d("0.62")
	h := newHarness(t, cfg)
	h.venue.SetAutoMatch(true)
	require.NoError(t, h.manager.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.manager.Status().Fills == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.venue.PushPriceChange(token, core.SideSell, d("0.60"), d("90"))

	st := h.waitStopped(t)
	assert.Equal(t, "inside_liquidity", st.Strategy)
	assert.Equal(t, core.StopReasonTargetReached, st.StopReason)
	assert.True(t, st.Position.FilledQuantity.Equal(d("20")))
}
