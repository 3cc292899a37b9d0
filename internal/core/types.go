package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle status of a tracked child order
type OrderStatus string

const (
	OrderStatusLive     OrderStatus = "LIVE"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusMatched  OrderStatus = "MATCHED"
)

// Stop reasons reported by the stop condition manager and the order manager
const (
	StopReasonManual        = "manual_stop"
	StopReasonTimeout       = "timeout"
	StopReasonMarketImpact  = "market_impact"
	StopReasonCritical      = "critical_error"
	StopReasonTargetReached = "target_reached"
	StopReasonExhausted     = "no_remaining_quantity"
	StopReasonQuiescent     = "quiescent"
)

// DefaultMinOrderSize is the smallest size the venue accepts. The same
// value is used as the dust threshold when sizing the last child order.
var DefaultMinOrderSize = decimal.NewFromInt(5)

// StrategyConfig is the full parameter set for one run. Only LimitPrice and
// TotalQuantity may change while a run is active.
type StrategyConfig struct {
	TokenID               string
	LimitPrice            decimal.Decimal
	TotalQuantity         decimal.Decimal
	ChildOrderSize        decimal.Decimal
	TickSize              decimal.Decimal
	Side                  Side
	Timeout               time.Duration
	RateLimit             float64
	MaxPendingOrders      int
	PriceImprovementTicks int
	MatchTopOfBook        bool
	InsideLiquidity       bool

	MinOrderSize        decimal.Decimal
	CancelMaxRetries    int
	CancelBackoff       time.Duration
	MaxSlippage         decimal.Decimal
	MonitorInterval     time.Duration
	QuiescenceGrace     time.Duration
	LargeOrderThreshold decimal.Decimal
	// TakerOrderTTL is how long a taker order may stay unfilled before it
	// is cancelled on the next market update
	TakerOrderTTL time.Duration
}

// DefaultStrategyConfig returns the baseline parameters. TokenID, limit
// price, quantities and tick size still have to be supplied by the caller.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Side:                  SideBuy,
		Timeout:               time.Hour,
		RateLimit:             5.0,
		MaxPendingOrders:      3,
		PriceImprovementTicks: 1,
		MinOrderSize:          DefaultMinOrderSize,
		CancelMaxRetries:      3,
		CancelBackoff:         time.Second,
		MaxSlippage:           decimal.NewFromFloat(0.01),
		MonitorInterval:       time.Second,
		QuiescenceGrace:       5 * time.Second,
		TakerOrderTTL:         2 * time.Second,
	}
}

// OrderState is a child order as tracked after the venue accepted it
type OrderState struct {
	OrderID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Side       Side
	Status     OrderStatus
	FilledSize decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MarketData is an immutable top-of-book snapshot
type MarketData struct {
	TokenID   string
	TopBid    decimal.Decimal
	TopAsk    decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// IsZero reports whether no snapshot has been observed yet
func (m MarketData) IsZero() bool {
	return m.TokenID == "" && m.TopBid.IsZero() && m.TopAsk.IsZero()
}

// Spread is the distance between the touch prices
func (m MarketData) Spread() decimal.Decimal {
	return m.TopAsk.Sub(m.TopBid)
}

// Touch returns the price and displayed size a taker on side would hit
func (m MarketData) Touch(side Side) (decimal.Decimal, decimal.Decimal) {
	if side == SideBuy {
		return m.TopAsk, m.AskSize
	}
	return m.TopBid, m.BidSize
}

// SameSide returns the price and size at the top of side's own book
func (m MarketData) SameSide(side Side) (decimal.Decimal, decimal.Decimal) {
	if side == SideBuy {
		return m.TopBid, m.BidSize
	}
	return m.TopAsk, m.AskSize
}

// Fill is one applied execution
type Fill struct {
	OrderID   string
	Size      decimal.Decimal
	Price     decimal.Decimal
	Requested decimal.Decimal
	Timestamp time.Time
}

// PositionState is the derived view of a tracker
type PositionState struct {
	TokenID           string          `json:"token_id"`
	TargetQuantity    decimal.Decimal `json:"target_quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	PendingQuantity   decimal.Decimal `json:"pending_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	AveragePrice      decimal.Decimal `json:"average_price"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	FillCount         int             `json:"fill_count"`
}

// OrderEventType classifies user feed messages
type OrderEventType string

const (
	OrderEventPlacement    OrderEventType = "PLACEMENT"
	OrderEventUpdate       OrderEventType = "UPDATE"
	OrderEventCancellation OrderEventType = "CANCELLATION"
	OrderEventTrade        OrderEventType = "TRADE"
)

// MakerMatch is one resting order matched inside a trade
type MakerMatch struct {
	OrderID       string
	MatchedAmount decimal.Decimal
	Price         decimal.Decimal
}

// OrderEvent is a normalized user feed message
type OrderEvent struct {
	Type         OrderEventType
	TokenID      string
	OrderID      string
	TakerOrderID string
	Makers       []MakerMatch
	Side         Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	SizeMatched  decimal.Decimal
	TradeStatus  string
	Timestamp    time.Time
}

// OrderRequest is what the executor sends to a venue
type OrderRequest struct {
	TokenID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Side    Side
}

// SubmitResponse is the raw venue reply to an order submission
type SubmitResponse struct {
	Success  bool
	OrderID  string
	Status   string
	ErrorMsg string
}

// CancelResponse is the per-id outcome of a cancel request
type CancelResponse struct {
	Canceled    []string
	NotCanceled map[string]string
}

// OpenOrder is an order the venue still reports as resting
type OpenOrder struct {
	OrderID      string
	TokenID      string
	Side         Side
	Price        decimal.Decimal
	OriginalSize decimal.Decimal
	SizeMatched  decimal.Decimal
}

// PriceLevel is one aggregated book level
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSnapshot is a full book as returned by a REST lookup
type BookSnapshot struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	TickSize  decimal.Decimal
	Timestamp time.Time
}

// BestBid returns the highest bid regardless of the order the venue used
func (b *BookSnapshot) BestBid() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, l := range b.Bids {
		if !l.Size.IsPositive() {
			continue
		}
		if !found || l.Price.GreaterThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// BestAsk returns the lowest ask regardless of the order the venue used
func (b *BookSnapshot) BestAsk() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, l := range b.Asks {
		if !l.Size.IsPositive() {
			continue
		}
		if !found || l.Price.LessThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// PlaceOutcome tags a PlaceResult
type PlaceOutcome int

const (
	PlaceAccepted PlaceOutcome = iota
	PlaceRejected
	PlaceFatal
	PlaceInvalid
	PlaceRateLimited
)

func (o PlaceOutcome) String() string {
	switch o {
	case PlaceAccepted:
		return "accepted"
	case PlaceRejected:
		return "rejected"
	case PlaceFatal:
		return "fatal_account_error"
	case PlaceInvalid:
		return "invalid"
	case PlaceRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// PlaceResult is the normalized outcome of a placement attempt
type PlaceResult struct {
	Outcome PlaceOutcome
	OrderID string
	Reason  string
}

// Accepted reports whether the venue took the order
func (r PlaceResult) Accepted() bool {
	return r.Outcome == PlaceAccepted && r.OrderID != ""
}

// Failed reports whether the attempt counts as a placement failure.
// Rate limit denials are not failures.
func (r PlaceResult) Failed() bool {
	return r.Outcome == PlaceRejected || r.Outcome == PlaceInvalid || r.Outcome == PlaceFatal
}

// MarketMessageKind distinguishes the market feed payloads the book
// maintainer understands
type MarketMessageKind string

const (
	MarketMessageBook           MarketMessageKind = "book"
	MarketMessagePriceChange    MarketMessageKind = "price_change"
	MarketMessageTickSizeChange MarketMessageKind = "tick_size_change"
)

// LevelChange is one incremental update to a price level
type LevelChange struct {
	TokenID string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// MarketMessage is a decoded market feed payload. Book messages carry
// Bids and Asks, price changes carry Changes, tick size changes carry
// TickSize.
type MarketMessage struct {
	Kind      MarketMessageKind
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Changes   []LevelChange
	TickSize  decimal.Decimal
	Timestamp time.Time
}
