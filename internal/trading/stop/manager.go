// Package stop evaluates the conditions that end a run
package stop

import (
	"sync"
	"time"

	"order_orchestrator/internal/core"

	"github.com/shopspring/decimal"
)

// Callback receives the reason of a newly detected stop condition
type Callback func(reason string)

// Manager evaluates manual stop, timeout and market impact conditions.
// The callback fires at most once per reason.
type Manager struct {
	logger core.ILogger
	now    func() time.Time

	mu                  sync.Mutex
	start               time.Time
	timeout             time.Duration
	stopRequested       bool
	impactDetected      bool
	largeOrderThreshold decimal.Decimal
	fired               map[string]bool
	callback            Callback
}

// NewManager creates a manager whose timeout budget starts now
func NewManager(timeout time.Duration, largeOrderThreshold decimal.Decimal, logger core.ILogger) *Manager {
	return NewManagerWithClock(timeout, largeOrderThreshold, logger, time.Now)
}

// NewManagerWithClock is NewManager with an injected clock
func NewManagerWithClock(timeout time.Duration, largeOrderThreshold decimal.Decimal, logger core.ILogger, now func() time.Time) *Manager {
	return &Manager{
		logger:              logger.WithField("component", "stop_manager"),
		now:                 now,
		start:               now(),
		timeout:             timeout,
		largeOrderThreshold: largeOrderThreshold,
		fired:               make(map[string]bool),
	}
}

// SetCallback installs the stop callback
func (m *Manager) SetCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

// RequestStop sets the one-shot manual stop flag
func (m *Manager) RequestStop() {
	m.mu.Lock()
	m.stopRequested = true
	cb := m.markFiredLocked(core.StopReasonManual)
	m.mu.Unlock()

	m.logger.Info("Manual stop requested")
	if cb != nil {
		cb(core.StopReasonManual)
	}
}

// ShouldStop reports whether any stop condition holds
func (m *Manager) ShouldStop() bool {
	_, stop := m.Evaluate()
	return stop
}

// Evaluate reports whether a stop condition holds and which one, firing
// the callback on first detection
func (m *Manager) Evaluate() (string, bool) {
	m.mu.Lock()
	var reason string
	switch {
	case m.stopRequested:
		reason = core.StopReasonManual
	case m.impactDetected:
		reason = core.StopReasonMarketImpact
	case m.timeout > 0 && m.now().Sub(m.start) >= m.timeout:
		reason = core.StopReasonTimeout
	}
	if reason == "" {
		m.mu.Unlock()
		return "", false
	}
	cb := m.markFiredLocked(reason)
	m.mu.Unlock()

	if cb != nil {
		m.logger.Info("Stop condition detected", "reason", reason)
		cb(reason)
	}
	return reason, true
}

// markFiredLocked records reason and returns the callback if this is the
// first time it fired
func (m *Manager) markFiredLocked(reason string) Callback {
	if m.fired[reason] {
		return nil
	}
	m.fired[reason] = true
	return m.callback
}

// ExtendTimeout adds d to the timeout budget
func (m *Manager) ExtendTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout += d
	total := m.timeout
	m.mu.Unlock()

	m.logger.Info("Timeout extended", "extension", d.String(), "timeout", total.String())
}

// RemainingTime returns the time left before the timeout, never negative
func (m *Manager) RemainingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.timeout - m.now().Sub(m.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Timeout returns the current budget
func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// ResetTimer restarts the timeout budget from now
func (m *Manager) ResetTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = m.now()
}

// CheckMarketImpact compares consecutive snapshots and flags a market
// impact stop when a touch level of at least the large order threshold
// was swept. ownBid and ownAsk are our own resting sizes at the previous
// touch prices; they are excluded so our cancels and fills never count.
// Disabled while the threshold is zero.
func (m *Manager) CheckMarketImpact(prev, cur core.MarketData, ownBid, ownAsk decimal.Decimal) bool {
	m.mu.Lock()
	threshold := m.largeOrderThreshold
	m.mu.Unlock()

	if !threshold.IsPositive() || prev.IsZero() || cur.IsZero() {
		return false
	}

	swept := levelSwept(prev.TopBid, prev.BidSize, cur.TopBid, cur.BidSize, ownBid, threshold, true) ||
		levelSwept(prev.TopAsk, prev.AskSize, cur.TopAsk, cur.AskSize, ownAsk, threshold, false)
	if !swept {
		return false
	}

	m.mu.Lock()
	m.impactDetected = true
	m.mu.Unlock()

	m.logger.Warn("Large order impact detected",
		"prev_bid", prev.TopBid, "prev_bid_size", prev.BidSize,
		"bid", cur.TopBid, "bid_size", cur.BidSize,
		"prev_ask", prev.TopAsk, "prev_ask_size", prev.AskSize,
		"ask", cur.TopAsk, "ask_size", cur.AskSize,
	)
	return true
}

// levelSwept reports whether at least threshold of foreign size was taken
// from the previous touch level, either by shrinking it in place or by
// consuming it so the touch moved away from the other side
func levelSwept(prevPrice, prevSize, curPrice, curSize, own, threshold decimal.Decimal, bid bool) bool {
	foreign := decimal.Max(prevSize.Sub(own), decimal.Zero)
	if curPrice.Equal(prevPrice) {
		return foreign.Sub(curSize).GreaterThanOrEqual(threshold)
	}
	movedAway := curPrice.LessThan(prevPrice)
	if !bid {
		movedAway = curPrice.GreaterThan(prevPrice)
	}
	return movedAway && foreign.GreaterThanOrEqual(threshold)
}
