package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/trading/ratelimit"
	"order_orchestrator/pkg/concurrency"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptedVenue answers each call with a programmable function
type scriptedVenue struct {
	mu          sync.Mutex
	submitFn    func(req core.OrderRequest) (*core.SubmitResponse, error)
	cancelFn    func(ids []string) (*core.CancelResponse, error)
	openOrders  []core.OpenOrder
	listErr     error
	book        *core.BookSnapshot
	submitted   []core.OrderRequest
	cancelCalls int
}

func (v *scriptedVenue) SubmitOrder(ctx context.Context, req core.OrderRequest) (*core.SubmitResponse, error) {
	v.mu.Lock()
	v.submitted = append(v.submitted, req)
	fn := v.submitFn
	v.mu.Unlock()
	if fn == nil {
		return &core.SubmitResponse{Success: true, OrderID: "order-1", Status: "live"}, nil
	}
	return fn(req)
}

func (v *scriptedVenue) CancelOrders(ctx context.Context, ids []string) (*core.CancelResponse, error) {
	v.mu.Lock()
	v.cancelCalls++
	fn := v.cancelFn
	v.mu.Unlock()
	if fn == nil {
		return &core.CancelResponse{Canceled: ids}, nil
	}
	return fn(ids)
}

func (v *scriptedVenue) ListOpenOrders(ctx context.Context, tokenID string) ([]core.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listErr != nil {
		return nil, v.listErr
	}
	return v.openOrders, nil
}

func (v *scriptedVenue) GetOrderBook(ctx context.Context, tokenID string) (*core.BookSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.book == nil {
		return nil, errors.New("no book")
	}
	return v.book, nil
}

func (v *scriptedVenue) submissions() []core.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]core.OrderRequest(nil), v.submitted...)
}

func (v *scriptedVenue) cancels() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelCalls
}

func newTestExecutor(t *testing.T, venue core.IVenue, rate float64) *Executor {
	t.Helper()
	limiter, err := ratelimit.NewRateLimiter(rate)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.CancelBackoff = time.Millisecond
	return NewExecutor(venue, limiter, nil, cfg, logging.NewNopLogger())
}

func TestPlaceOrderAccepted(t *testing.T) {
	venue := &scriptedVenue{}
	exec := newTestExecutor(t, venue, 100)

	res, err := exec.PlaceOrder(context.Background(), "tok", d("0.51"), d("10"), core.SideBuy)
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, "order-1", res.OrderID)
	require.Len(t, venue.submissions(), 1)
	assert.True(t, venue.submissions()[0].Price.Equal(d("0.51")))
}

func TestPlaceOrderLocalValidation(t *testing.T) {
	tests := []struct {
		name  string
		price string
		size  string
		side  core.Side
	}{
		{"zero price", "0", "10", core.SideBuy},
		{"price above one", "1.01", "10", core.SideBuy},
		{"size below minimum", "0.5", "4.99", core.SideBuy},
		{"bad side", "0.5", "10", core.Side("HOLD")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := &scriptedVenue{}
			exec := newTestExecutor(t, venue, 100)

			res, err := exec.PlaceOrder(context.Background(), "tok", d(tt.price), d(tt.size), tt.side)
			require.NoError(t, err)
			assert.Equal(t, core.PlaceInvalid, res.Outcome)
			assert.True(t, res.Failed())
			assert.Empty(t, venue.submissions(), "no network call expected")
		})
	}
}

func TestPlaceOrderPriceOneIsValid(t *testing.T) {
	venue := &scriptedVenue{}
	exec := newTestExecutor(t, venue, 100)

	res, err := exec.PlaceOrder(context.Background(), "tok", d("1"), d("5"), core.SideBuy)
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

func TestPlaceOrderRateLimited(t *testing.T) {
	venue := &scriptedVenue{}
	exec := newTestExecutor(t, venue, 1)

	first, err := exec.PlaceOrder(context.Background(), "tok", d("0.5"), d("10"), core.SideBuy)
	require.NoError(t, err)
	assert.True(t, first.Accepted())

	second, err := exec.PlaceOrder(context.Background(), "tok", d("0.5"), d("10"), core.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, core.PlaceRateLimited, second.Outcome)
	assert.False(t, second.Failed(), "rate limiting is not a failure")
	assert.Len(t, venue.submissions(), 1)
}

func TestPlaceOrderBalanceErrorIsFatal(t *testing.T) {
	t.Run("in response", func(t *testing.T) {
		venue := &scriptedVenue{submitFn: func(core.OrderRequest) (*core.SubmitResponse, error) {
			return &core.SubmitResponse{Success: false, ErrorMsg: "not enough balance / allowance"}, nil
		}}
		exec := newTestExecutor(t, venue, 100)

		res, err := exec.PlaceOrder(context.Background(), "tok", d("0.5"), d("10"), core.SideBuy)
		assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
		assert.Equal(t, core.PlaceFatal, res.Outcome)
	})

	t.Run("as transport error", func(t *testing.T) {
		venue := &scriptedVenue{submitFn: func(core.OrderRequest) (*core.SubmitResponse, error) {
			return nil, errors.New("PolyApiException: not enough balance / allowance")
		}}
		exec := newTestExecutor(t, venue, 100)

		res, err := exec.PlaceOrder(context.Background(), "tok", d("0.5"), d("10"), core.SideBuy)
		assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
		assert.Equal(t, core.PlaceFatal, res.Outcome)
	})
}

func TestPlaceOrderOtherRejectionIsNonFatal(t *testing.T) {
	venue := &scriptedVenue{submitFn: func(core.OrderRequest) (*core.SubmitResponse, error) {
		return &core.SubmitResponse{Success: false, ErrorMsg: "invalid tick size"}, nil
	}}
	exec := newTestExecutor(t, venue, 100)

	res, err := exec.PlaceOrder(context.Background(), "tok", d("0.5"), d("10"), core.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, core.PlaceRejected, res.Outcome)
	assert.Equal(t, "invalid tick size", res.Reason)

	venue.submitFn = func(core.OrderRequest) (*core.SubmitResponse, error) {
		return nil, errors.New("connection reset")
	}
	res, err = exec.PlaceOrder(context.Background(), "tok", d("0.5"), d("10"), core.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, core.PlaceRejected, res.Outcome)
}

func TestCancelOrderSuccess(t *testing.T) {
	venue := &scriptedVenue{}
	exec := newTestExecutor(t, venue, 100)

	require.NoError(t, exec.CancelOrder(context.Background(), "o1", 3))
	assert.Equal(t, 1, venue.cancels())
}

func TestCancelOrderAlreadyCanceledIsSuccess(t *testing.T) {
	venue := &scriptedVenue{cancelFn: func(ids []string) (*core.CancelResponse, error) {
		return &core.CancelResponse{NotCanceled: map[string]string{ids[0]: "order already canceled"}}, nil
	}}
	exec := newTestExecutor(t, venue, 100)

	assert.NoError(t, exec.CancelOrder(context.Background(), "o1", 3))
	assert.NoError(t, exec.CancelOrder(context.Background(), "o1", 3))
	assert.Equal(t, 2, venue.cancels())
}

func TestCancelOrderRetriesThenSucceeds(t *testing.T) {
	calls := 0
	venue := &scriptedVenue{cancelFn: func(ids []string) (*core.CancelResponse, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("502 bad gateway")
		}
		return &core.CancelResponse{Canceled: ids}, nil
	}}
	exec := newTestExecutor(t, venue, 100)

	require.NoError(t, exec.CancelOrder(context.Background(), "o1", 3))
	assert.Equal(t, 3, venue.cancels())
}

func TestCancelOrderExhaustsRetries(t *testing.T) {
	venue := &scriptedVenue{cancelFn: func(ids []string) (*core.CancelResponse, error) {
		return &core.CancelResponse{NotCanceled: map[string]string{ids[0]: "matching engine busy"}}, nil
	}}
	exec := newTestExecutor(t, venue, 100)

	err := exec.CancelOrder(context.Background(), "o1", 3)
	assert.ErrorIs(t, err, apperrors.ErrCancelRetriesExhausted)
	assert.Equal(t, 3, venue.cancels())
}

func TestCancelOrderRateLimitConsumesAttempt(t *testing.T) {
	venue := &scriptedVenue{}
	clock := time.Unix(1_700_000_000, 0)
	limiter, err := ratelimit.NewRateLimiterWithClock(1, func() time.Time { return clock })
	require.NoError(t, err)
	require.True(t, limiter.Acquire())

	cfg := DefaultConfig()
	cfg.CancelBackoff = time.Millisecond
	exec := NewExecutor(venue, limiter, nil, cfg, logging.NewNopLogger())

	start := time.Now()
	err = exec.CancelOrder(context.Background(), "o1", 2)
	assert.ErrorIs(t, err, apperrors.ErrCancelRetriesExhausted)
	assert.Equal(t, 0, venue.cancels(), "denied attempts never reach the venue")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelAllOrdersPartialFailure(t *testing.T) {
	venue := &scriptedVenue{
		openOrders: []core.OpenOrder{{OrderID: "a"}, {OrderID: "b"}, {OrderID: "c"}},
		cancelFn: func(ids []string) (*core.CancelResponse, error) {
			if ids[0] == "b" {
				return nil, errors.New("timeout")
			}
			return &core.CancelResponse{Canceled: ids}, nil
		},
	}
	limiter, err := ratelimit.NewRateLimiter(1000)
	require.NoError(t, err)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "cancel", MaxWorkers: 2}, logging.NewNopLogger())
	defer pool.Stop()

	cfg := DefaultConfig()
	cfg.CancelBackoff = time.Millisecond
	exec := NewExecutor(venue, limiter, pool, cfg, logging.NewNopLogger())

	canceled, err := exec.CancelAllOrders(context.Background(), "tok", nil)
	assert.ErrorIs(t, err, apperrors.ErrCancelRetriesExhausted)
	assert.ElementsMatch(t, []string{"a", "c"}, canceled)
}

func TestCancelAllOrdersNothingOpen(t *testing.T) {
	venue := &scriptedVenue{}
	exec := newTestExecutor(t, venue, 100)

	canceled, err := exec.CancelAllOrders(context.Background(), "tok", nil)
	assert.NoError(t, err)
	assert.Empty(t, canceled)
	assert.Equal(t, 0, venue.cancels())
}

func TestCancelAllOrdersIncludesUnlistedTrackedOrders(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	venue := &scriptedVenue{
		openOrders: []core.OpenOrder{{OrderID: "a"}},
		cancelFn: func(batch []string) (*core.CancelResponse, error) {
			mu.Lock()
			ids = append(ids, batch...)
			mu.Unlock()
			return &core.CancelResponse{Canceled: batch}, nil
		},
	}
	exec := newTestExecutor(t, venue, 100)

	// "b" was accepted but the venue has not listed it yet
	canceled, err := exec.CancelAllOrders(context.Background(), "tok", []string{"a", "b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, canceled)
	assert.ElementsMatch(t, []string{"a", "b"}, ids, "each id is canceled once")
	assert.Equal(t, 2, venue.cancels())
}

func TestCancelAllOrdersListFailureStillCancelsTracked(t *testing.T) {
	venue := &scriptedVenue{listErr: errors.New("503 service unavailable")}
	exec := newTestExecutor(t, venue, 100)

	canceled, err := exec.CancelAllOrders(context.Background(), "tok", []string{"o-1", "o-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list open orders")
	assert.ElementsMatch(t, []string{"o-1", "o-2"}, canceled)
	assert.Equal(t, 2, venue.cancels())
}
