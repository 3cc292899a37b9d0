// Package orchestrator runs one execution strategy against a venue: it
// owns the feeds, the event loop and the stop lifecycle
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/marketdata"
	"order_orchestrator/internal/trading/order"
	"order_orchestrator/internal/trading/position"
	"order_orchestrator/internal/trading/ratelimit"
	"order_orchestrator/internal/trading/stop"
	"order_orchestrator/internal/trading/strategy"
	"order_orchestrator/pkg/concurrency"
	apperrors "order_orchestrator/pkg/errors"
	"order_orchestrator/pkg/telemetry"
	"order_orchestrator/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 30 * time.Second
	defaultCallTime = 10 * time.Second
)

// Deps are the collaborators of a Manager. Metadata, Positions, Journal
// and Pool are optional.
type Deps struct {
	Venue      core.IVenue
	Metadata   core.IMetadataProvider
	MarketFeed core.IMarketFeed
	UserFeed   core.IUserFeed
	Positions  core.IPositionCache
	Journal    core.IRunJournal
	Pool       *concurrency.WorkerPool
	Now        func() time.Time
}

type tickChange struct {
	tokenID string
	tick    decimal.Decimal
}

// Manager is the order orchestrator for one run. Every strategy and
// tracker mutation happens on its event loop goroutine; feeds, the
// monitor ticker and external commands only enqueue work for it.
type Manager struct {
	cfg    core.StrategyConfig
	deps   Deps
	logger core.ILogger
	tracer trace.Tracer
	now    func() time.Time
	runID  string

	limiter  *ratelimit.RateLimiter
	executor *order.MarketExecutor
	tracker  *position.Tracker
	stops    *stop.Manager
	books    *marketdata.Maintainer
	ownsPool bool

	marketCh chan core.MarketData
	orderCh  chan core.OrderEvent
	tickCh   chan tickChange
	cmdCh    chan func()
	quit     chan struct{}
	done     chan struct{}

	// loop-owned
	idleSince    time.Time
	hadActivity  bool
	lastMarketAt time.Time

	mu           sync.RWMutex
	state        string
	strategy     core.IStrategy
	stopReason   string
	cancelErrors []string
	lastMarket   core.MarketData
	startedAt    time.Time
	stoppedAt    time.Time
	cancelRun    context.CancelFunc
}

// NewManager validates cfg and builds the components of a run. Nothing
// touches the venue until Start.
func NewManager(cfg core.StrategyConfig, deps Deps, logger core.ILogger) (*Manager, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if deps.Venue == nil || deps.MarketFeed == nil || deps.UserFeed == nil {
		return nil, errors.New("venue, market feed and user feed are required")
	}
	if cfg.MinOrderSize.IsZero() {
		cfg.MinOrderSize = core.DefaultMinOrderSize
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	runID := uuid.NewString()
	logger = logger.WithFields(map[string]interface{}{
		"component": "order_manager",
		"run_id":    runID,
		"token_id":  cfg.TokenID,
	})

	limiter, err := ratelimit.NewRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	ownsPool := false
	if deps.Pool == nil {
		deps.Pool = concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "cancel-" + runID[:8]}, logger)
		ownsPool = true
	}

	exec := order.NewExecutor(deps.Venue, limiter, deps.Pool, order.Config{
		MinOrderSize:     cfg.MinOrderSize,
		CancelMaxRetries: cfg.CancelMaxRetries,
		CancelBackoff:    cfg.CancelBackoff,
		CallTimeout:      defaultCallTime,
	}, logger)

	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		tracer:   telemetry.GetTracer("order-manager"),
		now:      deps.Now,
		runID:    runID,
		limiter:  limiter,
		executor: order.NewMarketExecutor(exec, cfg.TickSize),
		tracker:  position.NewTrackerWithClock(cfg.TokenID, cfg.Side, cfg.TotalQuantity, logger, deps.Now),
		stops:    stop.NewManagerWithClock(cfg.Timeout, cfg.LargeOrderThreshold, logger, deps.Now),
		books:    marketdata.NewMaintainer([]string{cfg.TokenID}, logger),
		ownsPool: ownsPool,
		marketCh: make(chan core.MarketData, eventBuffer),
		orderCh:  make(chan core.OrderEvent, eventBuffer),
		tickCh:   make(chan tickChange, 8),
		cmdCh:    make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	m.stops.SetCallback(func(reason string) {
		m.logger.Debug("Stop condition reached", "reason", reason, "remaining", m.tracker.RemainingQuantity())
	})
	m.books.OnUpdate(m.enqueueMarket)
	m.books.OnTickSizeChange(func(tokenID string, tick decimal.Decimal) {
		select {
		case m.tickCh <- tickChange{tokenID: tokenID, tick: tick}:
		case <-m.quit:
		}
	})
	return m, nil
}

func validateConfig(cfg core.StrategyConfig) error {
	switch {
	case cfg.TokenID == "":
		return fmt.Errorf("%w: token id is required", apperrors.ErrInvalidOrderParameter)
	case !cfg.Side.Valid():
		return fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, cfg.Side)
	case !tradingutils.ValidPrice(cfg.LimitPrice):
		return fmt.Errorf("%w: limit price %s outside (0, 1]", apperrors.ErrInvalidOrderParameter, cfg.LimitPrice)
	case !cfg.TotalQuantity.IsPositive():
		return fmt.Errorf("%w: total quantity must be positive", apperrors.ErrInvalidOrderParameter)
	case !cfg.ChildOrderSize.IsPositive():
		return fmt.Errorf("%w: child order size must be positive", apperrors.ErrInvalidOrderParameter)
	case cfg.TickSize.IsNegative():
		return fmt.Errorf("%w: tick size %s", apperrors.ErrInvalidOrderParameter, cfg.TickSize)
	case cfg.RateLimit <= 0:
		return fmt.Errorf("%w: rate limit must be positive", apperrors.ErrInvalidOrderParameter)
	}
	return nil
}

// RunID identifies this run in logs and the journal
func (m *Manager) RunID() string { return m.runID }

// Done is closed once the run has stopped
func (m *Manager) Done() <-chan struct{} { return m.done }

// Tracker exposes the position ledger for read-only reporting
func (m *Manager) Tracker() *position.Tracker { return m.tracker }

// Start opens the feeds and begins trading. The run ends when ctx is
// canceled, a stop condition fires or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateRunning, StateStopping:
		m.mu.Unlock()
		return apperrors.ErrAlreadyRunning
	case StateStopped:
		m.mu.Unlock()
		return apperrors.ErrAlreadyStopped
	}
	m.state = StateRunning
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "OrderManager.Start", trace.WithAttributes(
		attribute.String("run_id", m.runID),
		attribute.String("token_id", m.cfg.TokenID),
	))
	defer span.End()

	if err := m.setup(ctx); err != nil {
		span.RecordError(err)
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) setup(ctx context.Context) error {
	if !m.cfg.TickSize.IsPositive() {
		if m.deps.Metadata == nil {
			return fmt.Errorf("%w: tick size unknown and no metadata provider", apperrors.ErrInvalidOrderParameter)
		}
		tick, err := m.deps.Metadata.GetTickSize(ctx, m.cfg.TokenID)
		if err != nil {
			return fmt.Errorf("failed to resolve tick size: %w", err)
		}
		m.mu.Lock()
		m.cfg.TickSize = tick
		m.mu.Unlock()
		m.executor.SetTickSize(tick)
	}

	var strat core.IStrategy
	if m.cfg.InsideLiquidity {
		strat = strategy.NewInsideLiquidityTaker(m.cfg, m.executor, m.tracker, m.logger)
	} else {
		strat = strategy.NewTopOfBookMaker(m.cfg, m.executor, m.tracker, m.logger)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tokens := []string{m.cfg.TokenID}

	// User events first so no fill of an early order is missed.
	if err := m.deps.UserFeed.Start(runCtx, tokens, m.enqueueOrder); err != nil {
		cancel()
		return fmt.Errorf("failed to start user feed: %w", err)
	}
	if err := m.deps.MarketFeed.Start(runCtx, tokens, m.books.Handle); err != nil {
		cancel()
		_ = m.deps.UserFeed.Stop()
		return fmt.Errorf("failed to start market feed: %w", err)
	}

	m.stops.ResetTimer()
	m.mu.Lock()
	m.strategy = strat
	m.startedAt = m.now()
	m.cancelRun = cancel
	m.mu.Unlock()

	telemetry.GetGlobalMetrics().SetRunning(m.cfg.TokenID, true)
	m.logger.Info("Strategy started",
		"strategy", strat.Name(),
		"side", m.cfg.Side,
		"limit_price", m.cfg.LimitPrice,
		"total_quantity", m.cfg.TotalQuantity,
		"child_order_size", m.cfg.ChildOrderSize,
		"tick_size", m.cfg.TickSize,
		"timeout", m.cfg.Timeout.String(),
	)

	go m.loop(ctx, runCtx, strat)
	return nil
}

func (m *Manager) enqueueMarket(md core.MarketData) {
	select {
	case m.marketCh <- md:
	case <-m.quit:
	}
}

func (m *Manager) enqueueOrder(ev core.OrderEvent) {
	select {
	case m.orderCh <- ev:
	case <-m.quit:
	}
}

// loop is the single goroutine that drives the strategy. parent is the
// caller's context; its cancellation stops the run.
func (m *Manager) loop(parent, ctx context.Context, strat core.IStrategy) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-parent.Done():
			m.logger.Info("Context canceled, stopping")
			m.stops.RequestStop()
			m.shutdown(core.StopReasonManual)
		case md := <-m.marketCh:
			m.handleMarket(ctx, strat, md)
		case ev := <-m.orderCh:
			m.handleOrder(ctx, strat, ev)
		case tc := <-m.tickCh:
			if tc.tokenID == m.cfg.TokenID && tc.tick.IsPositive() {
				strat.SetTickSize(tc.tick)
				m.executor.SetTickSize(tc.tick)
				m.mu.Lock()
				m.cfg.TickSize = tc.tick
				m.mu.Unlock()
			}
		case fn := <-m.cmdCh:
			fn()
		case <-ticker.C:
			m.monitor()
		}
	}
}

func (m *Manager) handleMarket(ctx context.Context, strat core.IStrategy, md core.MarketData) {
	m.mu.Lock()
	prev := m.lastMarket
	m.lastMarket = md
	m.mu.Unlock()

	// our size resting at the previous touch, including orders removed since
	since := m.lastMarketAt
	m.lastMarketAt = m.tracker.Now()
	var ownBid, ownAsk decimal.Decimal
	if m.cfg.Side == core.SideBuy {
		ownBid = m.tracker.RestingSizeAt(prev.TopBid, since)
	} else {
		ownAsk = m.tracker.RestingSizeAt(prev.TopAsk, since)
	}

	if m.stops.CheckMarketImpact(prev, md, ownBid, ownAsk) {
		m.monitor()
		if m.stopped() {
			return
		}
	}
	if err := strat.ProcessMarketUpdate(ctx, md); err != nil {
		m.logger.Error("Market update failed", "error", err)
		m.monitor()
		return
	}
	m.noteActivity()
}

func (m *Manager) handleOrder(ctx context.Context, strat core.IStrategy, ev core.OrderEvent) {
	before := m.tracker.PositionSummary().FillCount
	err := strat.ProcessOrderUpdate(ctx, ev)
	m.journalFills(ctx, before)
	if err != nil {
		m.logger.Error("Order update failed", "error", err)
		m.monitor()
		return
	}
	m.noteActivity()
}

func (m *Manager) noteActivity() {
	if m.tracker.PendingCount() > 0 || m.tracker.PositionSummary().FillCount > 0 {
		m.hadActivity = true
	}
}

// journalFills records the fills applied since the tracker held before
func (m *Manager) journalFills(ctx context.Context, before int) {
	if m.deps.Journal == nil {
		return
	}
	fills := m.tracker.Fills()
	if len(fills) <= before {
		return
	}
	for _, f := range fills[before:] {
		if err := m.deps.Journal.RecordFill(ctx, m.runID, f); err != nil {
			m.logger.Error("Failed to journal fill", "order_id", f.OrderID, "error", err)
		}
	}
}

// monitor evaluates the stop conditions in priority order and shuts the
// run down on the first that holds
func (m *Manager) monitor() {
	if m.stopped() {
		return
	}

	strat := m.currentStrategy()
	switch {
	case strat != nil && strat.HasCriticalError():
		m.logger.Error("Critical error, stopping", "error", strat.CriticalErrorMessage())
		m.shutdown(core.StopReasonCritical)
		return
	case m.tracker.IsTargetReached():
		m.logger.Info("Target quantity reached")
		m.shutdown(core.StopReasonTargetReached)
		return
	}

	if reason, stop := m.stops.Evaluate(); stop {
		m.shutdown(reason)
		return
	}

	pending := m.tracker.PendingCount()
	if !m.tracker.RemainingQuantity().IsPositive() && pending == 0 {
		m.shutdown(core.StopReasonExhausted)
		return
	}

	m.checkQuiescence(pending)
}

// checkQuiescence stops a run that has had no live orders for the grace
// period after it started trading
func (m *Manager) checkQuiescence(pending int) {
	if m.cfg.QuiescenceGrace <= 0 || !m.hadActivity {
		return
	}
	if pending > 0 {
		m.idleSince = time.Time{}
		return
	}
	now := m.now()
	if m.idleSince.IsZero() {
		m.idleSince = now
		return
	}
	if now.Sub(m.idleSince) >= m.cfg.QuiescenceGrace {
		m.logger.Info("No pending orders for the grace period, stopping", "grace", m.cfg.QuiescenceGrace.String())
		m.shutdown(core.StopReasonQuiescent)
	}
}

// shutdown runs on the event loop. It cancels every open order, closes the
// feeds and marks the run stopped. Only the first call has any effect.
func (m *Manager) shutdown(reason string) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	m.stopReason = reason
	cancelRun := m.cancelRun
	m.mu.Unlock()

	m.logger.Info("Stopping strategy", "reason", reason)
	close(m.quit)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var tracked []string
	for _, o := range m.tracker.PendingOrders() {
		tracked = append(tracked, o.OrderID)
	}
	canceled, err := m.executor.CancelAllOrders(ctx, m.cfg.TokenID, tracked)
	for _, id := range canceled {
		m.tracker.RemovePendingOrder(id)
	}
	var cancelErrors []string
	if err != nil {
		cancelErrors = flattenErrors(err)
		m.logger.Error("Orders may still be live after stop", "errors", cancelErrors)
	}

	if err := m.deps.MarketFeed.Stop(); err != nil {
		m.logger.Warn("Failed to stop market feed", "error", err)
	}
	if err := m.deps.UserFeed.Stop(); err != nil {
		m.logger.Warn("Failed to stop user feed", "error", err)
	}
	if cancelRun != nil {
		cancelRun()
	}
	if m.ownsPool {
		m.deps.Pool.Stop()
	}

	if m.deps.Positions != nil {
		if err := m.deps.Positions.ForceRefresh(ctx); err != nil {
			m.logger.Warn("Failed to refresh positions after stop", "error", err)
		}
	}

	m.mu.Lock()
	m.state = StateStopped
	m.cancelErrors = cancelErrors
	m.stoppedAt = m.now()
	m.mu.Unlock()

	telemetry.GetGlobalMetrics().SetRunning(m.cfg.TokenID, false)
	m.saveStatus(ctx)

	summary := m.tracker.PositionSummary()
	m.logger.Info("Strategy stopped",
		"reason", reason,
		"filled", summary.FilledQuantity,
		"target", summary.TargetQuantity,
		"average_price", summary.AveragePrice,
		"canceled_orders", len(canceled),
	)
	close(m.done)
}

func flattenErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, flattenErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func (m *Manager) saveStatus(ctx context.Context) {
	if m.deps.Journal == nil {
		return
	}
	data, err := json.Marshal(m.Status())
	if err != nil {
		m.logger.Error("Failed to encode final status", "error", err)
		return
	}
	if err := m.deps.Journal.SaveStatus(ctx, m.runID, data); err != nil {
		m.logger.Error("Failed to journal final status", "error", err)
	}
}

// Stop ends the run, cancelling its open orders. It is safe to call more
// than once and from any goroutine; later calls wait for the first.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.state = StateStopped
		m.stopReason = core.StopReasonManual
		m.stoppedAt = m.now()
		m.mu.Unlock()
		close(m.done)
		return nil
	case StateStopped:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.stops.RequestStop()
	err := m.exec(ctx, func() { m.shutdown(core.StopReasonManual) })
	if err != nil && !errors.Is(err, apperrors.ErrNotRunning) {
		return err
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateParameters changes the limit price and/or target quantity of the
// running strategy. Resting orders follow on the next market update.
func (m *Manager) UpdateParameters(ctx context.Context, p Params) error {
	if p.LimitPrice != nil && !tradingutils.ValidPrice(*p.LimitPrice) {
		return fmt.Errorf("%w: limit price %s outside (0, 1]", apperrors.ErrInvalidOrderParameter, *p.LimitPrice)
	}
	if p.TotalQuantity != nil && !p.TotalQuantity.IsPositive() {
		return fmt.Errorf("%w: total quantity must be positive", apperrors.ErrInvalidOrderParameter)
	}
	if !m.running() {
		return apperrors.ErrNotRunning
	}

	result := make(chan struct{})
	err := m.exec(ctx, func() {
		defer close(result)
		strat := m.currentStrategy()
		if p.LimitPrice != nil {
			strat.SetLimitPrice(*p.LimitPrice)
			m.mu.Lock()
			m.cfg.LimitPrice = *p.LimitPrice
			m.mu.Unlock()
			m.logger.Info("Limit price updated", "limit_price", *p.LimitPrice)
		}
		if p.TotalQuantity != nil {
			target := m.tracker.SetTargetQuantity(*p.TotalQuantity)
			m.logger.Info("Target quantity updated", "requested", *p.TotalQuantity, "target", target)
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtendTimeout adds d to the run's timeout budget
func (m *Manager) ExtendTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: extension must be positive", apperrors.ErrInvalidOrderParameter)
	}
	if !m.running() {
		return apperrors.ErrNotRunning
	}
	m.stops.ExtendTimeout(d)
	return nil
}

// Status returns a snapshot of the run without touching the event loop
func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{
		RunID:        m.runID,
		TokenID:      m.cfg.TokenID,
		Side:         m.cfg.Side,
		Running:      m.state == StateRunning,
		State:        m.state,
		LimitPrice:   m.cfg.LimitPrice,
		TickSize:     m.cfg.TickSize,
		StopReason:   m.stopReason,
		CancelErrors: append([]string(nil), m.cancelErrors...),
		StartedAt:    m.startedAt,
		StoppedAt:    m.stoppedAt,
	}
	strat := m.strategy
	if !m.lastMarket.IsZero() {
		md := m.lastMarket
		st.LastMarket = &md
	}
	m.mu.RUnlock()

	if strat != nil {
		st.Strategy = strat.Name()
		st.StrategyState = strat.State()
		st.CriticalError = strat.CriticalErrorMessage()
	}
	st.Position = m.tracker.PositionSummary()
	st.Fills = st.Position.FillCount
	st.PendingOrders = m.tracker.PendingOrders()
	if st.Running {
		st.RemainingSeconds = m.stops.RemainingTime().Seconds()
	}
	return st
}

// exec runs fn on the event loop
func (m *Manager) exec(ctx context.Context, fn func()) error {
	select {
	case m.cmdCh <- fn:
		return nil
	case <-m.quit:
		return apperrors.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRunning
}

func (m *Manager) stopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateStopping || m.state == StateStopped
}

func (m *Manager) currentStrategy() core.IStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy
}
