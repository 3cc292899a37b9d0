// Package order places and cancels orders against a venue under a shared rate budget
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/trading/ratelimit"
	"order_orchestrator/pkg/concurrency"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/telemetry"
	"order_orchestrator/pkg/tradingutils"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the executor
type Config struct {
	MinOrderSize     decimal.Decimal
	CancelMaxRetries int
	CancelBackoff    time.Duration
	// CallTimeout bounds every venue call; zero disables it
	CallTimeout time.Duration
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		MinOrderSize:     core.DefaultMinOrderSize,
		CancelMaxRetries: 3,
		CancelBackoff:    time.Second,
		CallTimeout:      10 * time.Second,
	}
}

// Executor normalizes venue responses into core.PlaceResult and enforces
// the rate limiter on every place and cancel
type Executor struct {
	venue   core.IVenue
	limiter *ratelimit.RateLimiter
	pool    *concurrency.WorkerPool
	cfg     Config
	logger  core.ILogger
	tracer  trace.Tracer
	metrics *telemetry.MetricsHolder
}

// NewExecutor creates an executor. pool may be nil, in which case
// CancelAllOrders cancels sequentially.
func NewExecutor(venue core.IVenue, limiter *ratelimit.RateLimiter, pool *concurrency.WorkerPool, cfg Config, logger core.ILogger) *Executor {
	if cfg.MinOrderSize.IsZero() {
		cfg.MinOrderSize = core.DefaultMinOrderSize
	}
	if cfg.CancelMaxRetries <= 0 {
		cfg.CancelMaxRetries = 3
	}
	return &Executor{
		venue:   venue,
		limiter: limiter,
		pool:    pool,
		cfg:     cfg,
		logger:  logger.WithField("component", "order_executor"),
		tracer:  telemetry.GetTracer("order-executor"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// PlaceOrder validates, rate-limits and submits one limit order. The error
// is non-nil only for fatal account failures, which wrap
// apperrors.ErrInsufficientBalance.
func (e *Executor) PlaceOrder(ctx context.Context, tokenID string, price, size decimal.Decimal, side core.Side) (core.PlaceResult, error) {
	ctx, span := e.tracer.Start(ctx, "PlaceOrder",
		trace.WithAttributes(
			attribute.String("token_id", tokenID),
			attribute.String("side", string(side)),
			attribute.String("price", price.String()),
			attribute.String("size", size.String()),
		),
	)
	defer span.End()

	result, err := e.placeOrder(ctx, tokenID, price, size, side)
	span.SetAttributes(attribute.String("outcome", result.Outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.RecordPlacement(ctx, tokenID, string(side), result.Outcome.String())
	return result, err
}

func (e *Executor) placeOrder(ctx context.Context, tokenID string, price, size decimal.Decimal, side core.Side) (core.PlaceResult, error) {
	if err := e.validate(tokenID, price, size, side); err != nil {
		e.logger.Warn("Order rejected locally", "token_id", tokenID, "price", price, "size", size, "error", err)
		return core.PlaceResult{Outcome: core.PlaceInvalid, Reason: err.Error()}, nil
	}

	if !e.limiter.Acquire() {
		e.metrics.RecordRateLimitDenial(ctx, "place")
		e.logger.Debug("Rate limited, skipping placement", "token_id", tokenID, "price", price)
		return core.PlaceResult{Outcome: core.PlaceRateLimited, Reason: apperrors.ErrRateLimited.Error()}, nil
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	start := time.Now()
	resp, err := e.venue.SubmitOrder(callCtx, core.OrderRequest{
		TokenID: tokenID,
		Price:   price,
		Size:    size,
		Side:    side,
	})
	e.metrics.RecordVenueLatency(ctx, "submit_order", float64(time.Since(start).Milliseconds()))

	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientBalance) || apperrors.IsBalanceMessage(err.Error()) {
			return e.fatal(tokenID, price, size, err.Error())
		}
		e.logger.Error("Order submission failed", "token_id", tokenID, "price", price, "size", size, "error", err)
		return core.PlaceResult{Outcome: core.PlaceRejected, Reason: err.Error()}, nil
	}

	if resp == nil {
		e.logger.Error("Empty order response", "token_id", tokenID)
		return core.PlaceResult{Outcome: core.PlaceRejected, Reason: "empty response"}, nil
	}

	if !resp.Success || resp.OrderID == "" {
		reason := resp.ErrorMsg
		if reason == "" {
			reason = fmt.Sprintf("order not accepted (status %q)", resp.Status)
		}
		if apperrors.IsBalanceMessage(reason) {
			return e.fatal(tokenID, price, size, reason)
		}
		e.logger.Warn("Order rejected by venue", "token_id", tokenID, "price", price, "size", size, "reason", reason)
		return core.PlaceResult{Outcome: core.PlaceRejected, Reason: reason}, nil
	}

	e.logger.Info("Order placed",
		"order_id", resp.OrderID,
		"token_id", tokenID,
		"side", side,
		"price", price,
		"size", size,
	)
	return core.PlaceResult{Outcome: core.PlaceAccepted, OrderID: resp.OrderID}, nil
}

func (e *Executor) fatal(tokenID string, price, size decimal.Decimal, reason string) (core.PlaceResult, error) {
	e.logger.Error("Balance or allowance shortfall", "token_id", tokenID, "price", price, "size", size, "reason", reason)
	return core.PlaceResult{Outcome: core.PlaceFatal, Reason: reason},
		fmt.Errorf("%w: %s", apperrors.ErrInsufficientBalance, reason)
}

func (e *Executor) validate(tokenID string, price, size decimal.Decimal, side core.Side) error {
	if tokenID == "" {
		return fmt.Errorf("%w: missing token id", apperrors.ErrInvalidOrderParameter)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, side)
	}
	if !tradingutils.ValidPrice(price) {
		return fmt.Errorf("%w: price %s outside (0, 1]", apperrors.ErrInvalidOrderParameter, price)
	}
	if size.LessThan(e.cfg.MinOrderSize) {
		return fmt.Errorf("%w: size %s below minimum %s", apperrors.ErrInvalidOrderParameter, size, e.cfg.MinOrderSize)
	}
	return nil
}

// CancelOrder cancels one order, retrying up to maxRetries attempts with a
// fixed backoff. A rate limit denial consumes an attempt. An order the
// venue reports as already canceled counts as canceled.
func (e *Executor) CancelOrder(ctx context.Context, orderID string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = e.cfg.CancelMaxRetries
	}

	ctx, span := e.tracer.Start(ctx, "CancelOrder",
		trace.WithAttributes(
			attribute.String("order_id", orderID),
			attribute.Int("max_retries", maxRetries),
		),
	)
	defer span.End()

	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil }).
		WithMaxAttempts(maxRetries).
		WithDelay(e.cfg.CancelBackoff).
		ReturnLastFailure().
		Build()

	err := failsafe.With[any](policy).WithContext(ctx).RunWithExecution(func(exec failsafe.Execution[any]) error {
		attemptErr := e.cancelAttempt(ctx, orderID)
		if attemptErr != nil {
			e.logger.Warn("Cancel attempt failed",
				"order_id", orderID,
				"attempt", exec.Attempts(),
				"max_retries", maxRetries,
				"error", attemptErr,
			)
		}
		return attemptErr
	})

	if err != nil {
		e.metrics.RecordCancel(ctx, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Cancel failed, order state unknown", "order_id", orderID, "error", err)
		return fmt.Errorf("%w: order %s after %d attempts: %v", apperrors.ErrCancelRetriesExhausted, orderID, maxRetries, err)
	}

	e.metrics.RecordCancel(ctx, true)
	e.logger.Info("Order canceled", "order_id", orderID)
	return nil
}

func (e *Executor) cancelAttempt(ctx context.Context, orderID string) error {
	if !e.limiter.Acquire() {
		e.metrics.RecordRateLimitDenial(ctx, "cancel")
		return apperrors.ErrRateLimited
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	start := time.Now()
	resp, err := e.venue.CancelOrders(callCtx, []string{orderID})
	e.metrics.RecordVenueLatency(ctx, "cancel_orders", float64(time.Since(start).Milliseconds()))
	if err != nil {
		if apperrors.IsAlreadyCanceledMessage(err.Error()) {
			return nil
		}
		return err
	}
	if resp == nil {
		return fmt.Errorf("empty cancel response for %s", orderID)
	}

	for _, id := range resp.Canceled {
		if id == orderID {
			return nil
		}
	}
	if reason, ok := resp.NotCanceled[orderID]; ok {
		if apperrors.IsAlreadyCanceledMessage(reason) {
			e.logger.Debug("Order already canceled", "order_id", orderID)
			return nil
		}
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, reason)
	}
	return fmt.Errorf("cancel of %s not acknowledged", orderID)
}

// CancelAllOrders cancels every open order the venue reports for tokenID
// together with the tracked ids, which the venue may not list yet. A
// failed listing still cancels the tracked ids. It returns the ids that
// were canceled and an error joining the failures.
func (e *Executor) CancelAllOrders(ctx context.Context, tokenID string, tracked []string) ([]string, error) {
	var failures []error

	callCtx, cancel := e.callContext(ctx)
	open, err := e.venue.ListOpenOrders(callCtx, tokenID)
	cancel()
	if err != nil {
		failures = append(failures, fmt.Errorf("failed to list open orders: %w", err))
	}

	seen := make(map[string]bool, len(open)+len(tracked))
	ids := make([]string, 0, len(open)+len(tracked))
	for _, o := range open {
		if !seen[o.OrderID] {
			seen[o.OrderID] = true
			ids = append(ids, o.OrderID)
		}
	}
	for _, id := range tracked {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.Join(failures...)
	}

	e.logger.Info("Cancelling open orders", "token_id", tokenID, "count", len(ids), "listed", len(open))

	var (
		mu        sync.Mutex
		succeeded []string
	)
	tasks := make([]func(), 0, len(ids))
	for _, id := range ids {
		orderID := id
		tasks = append(tasks, func() {
			err := e.CancelOrder(ctx, orderID, e.cfg.CancelMaxRetries)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			succeeded = append(succeeded, orderID)
		})
	}

	if e.pool != nil {
		e.pool.RunAll(tasks)
	} else {
		for _, task := range tasks {
			task()
		}
	}

	if len(failures) > 0 {
		e.logger.Warn("Some orders could not be canceled",
			"token_id", tokenID,
			"canceled", len(succeeded),
			"failed", len(failures),
		)
	}
	return succeeded, errors.Join(failures...)
}

// Limiter returns the shared rate limiter
func (e *Executor) Limiter() *ratelimit.RateLimiter {
	return e.limiter
}

func (e *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}
