package orchestrator

import (
	"time"

	"order_orchestrator/internal/core"

	"github.com/shopspring/decimal"
)

// Lifecycle states of a Manager
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Status is a read-only snapshot of a run
type Status struct {
	RunID            string             `json:"run_id"`
	TokenID          string             `json:"token_id"`
	Side             core.Side          `json:"side"`
	Running          bool               `json:"running"`
	State            string             `json:"state"`
	Strategy         string             `json:"strategy"`
	StrategyState    string             `json:"strategy_state"`
	LimitPrice       decimal.Decimal    `json:"limit_price"`
	TickSize         decimal.Decimal    `json:"tick_size"`
	StopReason       string             `json:"stop_reason,omitempty"`
	CriticalError    string             `json:"critical_error,omitempty"`
	Position         core.PositionState `json:"position"`
	PendingOrders    []core.OrderState  `json:"pending_orders"`
	RemainingSeconds float64            `json:"remaining_seconds"`
	LastMarket       *core.MarketData   `json:"last_market,omitempty"`
	CancelErrors     []string           `json:"cancel_errors,omitempty"`
	Fills            int                `json:"fills"`
	StartedAt        time.Time          `json:"started_at"`
	StoppedAt        time.Time          `json:"stopped_at"`
}

// Params holds the runtime-mutable strategy parameters. Nil fields are
// left unchanged.
type Params struct {
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	TotalQuantity *decimal.Decimal `json:"total_quantity,omitempty"`
}
