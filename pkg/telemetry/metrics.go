package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal    = "orchestrator_orders_placed_total"
	MetricOrdersCanceledTotal  = "orchestrator_orders_canceled_total"
	MetricCancelFailuresTotal  = "orchestrator_cancel_failures_total"
	MetricRateLimitDenialTotal = "orchestrator_rate_limit_denials_total"
	MetricFillsTotal           = "orchestrator_fills_total"
	MetricFillVolumeTotal      = "orchestrator_fill_volume_total"
	MetricOverfillClampTotal   = "orchestrator_overfill_clamps_total"
	MetricBookUpdatesTotal     = "orchestrator_book_updates_total"
	MetricVenueLatency         = "orchestrator_venue_latency_ms"
	MetricPendingOrders        = "orchestrator_pending_orders"
	MetricFilledQuantity       = "orchestrator_filled_quantity"
	MetricCriticalError        = "orchestrator_critical_error"
	MetricRunning              = "orchestrator_running"
)

// MetricsHolder holds the application instruments. Recording helpers are
// safe to call before InitMetrics; they are no-ops until then.
type MetricsHolder struct {
	OrdersPlacedTotal    metric.Int64Counter
	OrdersCanceledTotal  metric.Int64Counter
	CancelFailuresTotal  metric.Int64Counter
	RateLimitDenialTotal metric.Int64Counter
	FillsTotal           metric.Int64Counter
	FillVolumeTotal      metric.Float64Counter
	OverfillClampTotal   metric.Int64Counter
	BookUpdatesTotal     metric.Int64Counter
	VenueLatency         metric.Float64Histogram
	PendingOrders        metric.Int64ObservableGauge
	FilledQuantity       metric.Float64ObservableGauge
	CriticalError        metric.Int64ObservableGauge
	Running              metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	initialized      bool
	pendingOrdersMap map[string]int64
	filledQtyMap     map[string]float64
	criticalMap      map[string]int64
	runningMap       map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pendingOrdersMap: make(map[string]int64),
			filledQtyMap:     make(map[string]float64),
			criticalMap:      make(map[string]int64),
			runningMap:       make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Order placement attempts by outcome"))
	if err != nil {
		return err
	}

	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Orders confirmed canceled"))
	if err != nil {
		return err
	}

	m.CancelFailuresTotal, err = meter.Int64Counter(MetricCancelFailuresTotal, metric.WithDescription("Cancels that exhausted their retries"))
	if err != nil {
		return err
	}

	m.RateLimitDenialTotal, err = meter.Int64Counter(MetricRateLimitDenialTotal, metric.WithDescription("Order actions denied by the rate limiter"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Fills applied to the position tracker"))
	if err != nil {
		return err
	}

	m.FillVolumeTotal, err = meter.Float64Counter(MetricFillVolumeTotal, metric.WithDescription("Filled quantity applied to the position tracker"))
	if err != nil {
		return err
	}

	m.OverfillClampTotal, err = meter.Int64Counter(MetricOverfillClampTotal, metric.WithDescription("Fills clamped to the remaining target"))
	if err != nil {
		return err
	}

	m.BookUpdatesTotal, err = meter.Int64Counter(MetricBookUpdatesTotal, metric.WithDescription("Order book messages applied"))
	if err != nil {
		return err
	}

	m.VenueLatency, err = meter.Float64Histogram(MetricVenueLatency, metric.WithDescription("Venue call latency in milliseconds"))
	if err != nil {
		return err
	}

	m.PendingOrders, err = meter.Int64ObservableGauge(MetricPendingOrders, metric.WithDescription("Live child orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for token, val := range m.pendingOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("token_id", token)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.FilledQuantity, err = meter.Float64ObservableGauge(MetricFilledQuantity, metric.WithDescription("Filled quantity toward target"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for token, val := range m.filledQtyMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("token_id", token)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CriticalError, err = meter.Int64ObservableGauge(MetricCriticalError, metric.WithDescription("Strategy critical error flag (1=set)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for token, val := range m.criticalMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("token_id", token)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Running, err = meter.Int64ObservableGauge(MetricRunning, metric.WithDescription("Orchestrator running flag (1=running)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for token, val := range m.runningMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("token_id", token)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.initialized = true
	return nil
}

func (m *MetricsHolder) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// RecordPlacement counts a placement attempt by outcome
func (m *MetricsHolder) RecordPlacement(ctx context.Context, token, side, outcome string) {
	if !m.ready() {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_id", token),
		attribute.String("side", side),
		attribute.String("outcome", outcome),
	))
}

// RecordCancel counts a confirmed cancel or an exhausted one
func (m *MetricsHolder) RecordCancel(ctx context.Context, ok bool) {
	if !m.ready() {
		return
	}
	if ok {
		m.OrdersCanceledTotal.Add(ctx, 1)
		return
	}
	m.CancelFailuresTotal.Add(ctx, 1)
}

// RecordRateLimitDenial counts a denied token acquisition
func (m *MetricsHolder) RecordRateLimitDenial(ctx context.Context, op string) {
	if !m.ready() {
		return
	}
	m.RateLimitDenialTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordFill counts an applied fill and its size
func (m *MetricsHolder) RecordFill(ctx context.Context, token string, size float64) {
	if !m.ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("token_id", token))
	m.FillsTotal.Add(ctx, 1, attrs)
	m.FillVolumeTotal.Add(ctx, size, attrs)
}

// RecordOverfillClamp counts a fill that was clamped to the remaining target
func (m *MetricsHolder) RecordOverfillClamp(ctx context.Context, token string) {
	if !m.ready() {
		return
	}
	m.OverfillClampTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("token_id", token)))
}

// RecordBookUpdate counts an applied book message
func (m *MetricsHolder) RecordBookUpdate(ctx context.Context, token, kind string) {
	if !m.ready() {
		return
	}
	m.BookUpdatesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_id", token),
		attribute.String("kind", kind),
	))
}

// RecordVenueLatency records a venue call duration in milliseconds
func (m *MetricsHolder) RecordVenueLatency(ctx context.Context, op string, ms float64) {
	if !m.ready() {
		return
	}
	m.VenueLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("op", op)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetPendingOrders(token string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingOrdersMap[token] = count
}

func (m *MetricsHolder) SetFilledQuantity(token string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filledQtyMap[token] = qty
}

func (m *MetricsHolder) SetCriticalError(token string, critical bool) {
	val := int64(0)
	if critical {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criticalMap[token] = val
}

func (m *MetricsHolder) SetRunning(token string, running bool) {
	val := int64(0)
	if running {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningMap[token] = val
}

// GetPendingOrders returns a copy of the pending order gauge state
func (m *MetricsHolder) GetPendingOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.pendingOrdersMap))
	for k, v := range m.pendingOrdersMap {
		res[k] = v
	}
	return res
}

// GetFilledQuantity returns a copy of the filled quantity gauge state
func (m *MetricsHolder) GetFilledQuantity() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.filledQtyMap))
	for k, v := range m.filledQtyMap {
		res[k] = v
	}
	return res
}
