// Package core defines the shared types and interfaces of the order orchestrator
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logger used across the module
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IVenue is the authenticated trading client. Every call may fail with a
// transport error.
type IVenue interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResponse, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*CancelResponse, error)
	ListOpenOrders(ctx context.Context, tokenID string) ([]OpenOrder, error)
	GetOrderBook(ctx context.Context, tokenID string) (*BookSnapshot, error)
}

// IMetadataProvider resolves reference data once at setup
type IMetadataProvider interface {
	GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// IMarketFeed streams book snapshots and diffs for the subscribed tokens.
// The handler is called from the feed's receive goroutine in arrival order.
type IMarketFeed interface {
	Start(ctx context.Context, tokenIDs []string, handler func(MarketMessage)) error
	Stop() error
	Connected() bool
}

// IUserFeed streams order and trade events for the authenticated account
type IUserFeed interface {
	Start(ctx context.Context, tokenIDs []string, handler func(OrderEvent)) error
	Stop() error
	Connected() bool
}

// IOrderExecutor places and cancels orders under the shared rate budget
type IOrderExecutor interface {
	PlaceOrder(ctx context.Context, tokenID string, price, size decimal.Decimal, side Side) (PlaceResult, error)
	CancelOrder(ctx context.Context, orderID string, maxRetries int) error
	CancelAllOrders(ctx context.Context, tokenID string, tracked []string) ([]string, error)
}

// IMarketExecutor adds marketable order synthesis on top of IOrderExecutor
type IMarketExecutor interface {
	IOrderExecutor
	PlaceMarketOrder(ctx context.Context, tokenID string, size decimal.Decimal, side Side, slippage decimal.Decimal) (PlaceResult, error)
}

// IStrategy is implemented by the maker and taker strategies. All methods
// except the critical error accessors are called from a single goroutine.
type IStrategy interface {
	Name() string
	State() string
	ProcessMarketUpdate(ctx context.Context, md MarketData) error
	ProcessOrderUpdate(ctx context.Context, ev OrderEvent) error
	HasCriticalError() bool
	CriticalErrorMessage() string
	SetLimitPrice(price decimal.Decimal)
	SetTickSize(tick decimal.Decimal)
}

// IPositionCache is a read-through cache of account positions owned by
// an external collaborator
type IPositionCache interface {
	Get(ctx context.Context, tokenID string) (decimal.Decimal, error)
	ForceRefresh(ctx context.Context) error
}

// IRunJournal persists fills and the final status of each run
type IRunJournal interface {
	RecordFill(ctx context.Context, runID string, fill Fill) error
	SaveStatus(ctx context.Context, runID string, status []byte) error
	LoadFills(ctx context.Context, runID string) ([]Fill, error)
	Close() error
}
