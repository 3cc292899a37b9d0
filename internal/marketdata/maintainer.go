package marketdata

import (
	"context"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Maintainer applies market feed messages to the books of the subscribed
// instruments and emits core.MarketData whenever a two-sided book changes
type Maintainer struct {
	logger core.ILogger
	now    func() time.Time

	mu         sync.Mutex
	books      map[string]*Book
	onUpdate   func(core.MarketData)
	onTickSize func(tokenID string, tick decimal.Decimal)
}

// NewMaintainer creates a maintainer for tokenIDs. Messages for any other
// instrument are dropped.
func NewMaintainer(tokenIDs []string, logger core.ILogger) *Maintainer {
	books := make(map[string]*Book, len(tokenIDs))
	for _, id := range tokenIDs {
		books[id] = NewBook(id)
	}
	return &Maintainer{
		logger: logger.WithField("component", "book_maintainer"),
		now:    time.Now,
		books:  books,
	}
}

// OnUpdate registers the top-of-book callback
func (m *Maintainer) OnUpdate(fn func(core.MarketData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// OnTickSizeChange registers the tick size callback
func (m *Maintainer) OnTickSizeChange(fn func(tokenID string, tick decimal.Decimal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTickSize = fn
}

// Handle applies one message. It is the handler passed to the market feed.
func (m *Maintainer) Handle(msg core.MarketMessage) {
	switch msg.Kind {
	case core.MarketMessageBook:
		m.handleBook(msg)
	case core.MarketMessagePriceChange:
		m.handlePriceChange(msg)
	case core.MarketMessageTickSizeChange:
		m.handleTickSize(msg)
	default:
		m.logger.Debug("Ignoring market message", "kind", msg.Kind)
	}
}

func (m *Maintainer) handleBook(msg core.MarketMessage) {
	m.mu.Lock()
	book, ok := m.books[msg.TokenID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("Dropping book for unknown instrument", "token_id", msg.TokenID)
		return
	}
	book.Replace(msg.Bids, msg.Asks)
	md, emit := m.snapshotLocked(book, msg.Timestamp)
	fn := m.onUpdate
	m.mu.Unlock()

	telemetry.GetGlobalMetrics().RecordBookUpdate(context.Background(), msg.TokenID, string(msg.Kind))
	if emit && fn != nil {
		fn(md)
	}
}

func (m *Maintainer) handlePriceChange(msg core.MarketMessage) {
	m.mu.Lock()
	touched := make([]string, 0, 1)
	seen := make(map[string]bool)
	for _, c := range msg.Changes {
		tokenID := c.TokenID
		if tokenID == "" {
			tokenID = msg.TokenID
		}
		book, ok := m.books[tokenID]
		if !ok {
			m.logger.Debug("Dropping price change for unknown instrument", "token_id", tokenID)
			continue
		}
		book.Apply(c.Side, c.Price, c.Size)
		if !seen[tokenID] {
			seen[tokenID] = true
			touched = append(touched, tokenID)
		}
	}

	updates := make([]core.MarketData, 0, len(touched))
	for _, tokenID := range touched {
		if md, ok := m.snapshotLocked(m.books[tokenID], msg.Timestamp); ok {
			updates = append(updates, md)
		}
	}
	fn := m.onUpdate
	m.mu.Unlock()

	metrics := telemetry.GetGlobalMetrics()
	for _, tokenID := range touched {
		metrics.RecordBookUpdate(context.Background(), tokenID, string(msg.Kind))
	}
	if fn == nil {
		return
	}
	for _, md := range updates {
		fn(md)
	}
}

func (m *Maintainer) handleTickSize(msg core.MarketMessage) {
	m.mu.Lock()
	_, ok := m.books[msg.TokenID]
	fn := m.onTickSize
	m.mu.Unlock()

	if !ok || !msg.TickSize.IsPositive() {
		return
	}
	m.logger.Info("Tick size change", "token_id", msg.TokenID, "tick_size", msg.TickSize)
	if fn != nil {
		fn(msg.TokenID, msg.TickSize)
	}
}

// snapshotLocked builds the top of book, or reports false for a
// one-sided book
func (m *Maintainer) snapshotLocked(book *Book, ts time.Time) (core.MarketData, bool) {
	if !book.TwoSided() {
		return core.MarketData{}, false
	}
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	if ts.IsZero() {
		ts = m.now()
	}
	return core.MarketData{
		TokenID:   book.TokenID,
		TopBid:    bid.Price,
		TopAsk:    ask.Price,
		BidSize:   bid.Size,
		AskSize:   ask.Size,
		Timestamp: ts,
	}, true
}

// Top returns the current top of book for tokenID
func (m *Maintainer) Top(tokenID string) (core.MarketData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[tokenID]
	if !ok {
		return core.MarketData{}, false
	}
	return m.snapshotLocked(book, time.Time{})
}

// Levels returns copies of both sides of tokenID, worst to best
func (m *Maintainer) Levels(tokenID string) ([]core.PriceLevel, []core.PriceLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[tokenID]
	if !ok {
		return nil, nil, false
	}
	return book.Bids(), book.Asks(), true
}
