// Package websocket provides a reconnecting WebSocket client with
// keepalive and resubscribe-on-connect hooks
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/pkg/logging"
	"order_orchestrator/pkg/telemetry"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles one received frame
type MessageHandler func(message []byte)

// Client is a resilient WebSocket client
type Client struct {
	url     string
	handler MessageHandler
	dialer  *websocket.Dialer

	conn *websocket.Conn
	mu   sync.Mutex
	wmu  sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	onConnected func() error

	reconnect *backoff.Backoff

	// Keepalive: a text frame when keepalivePayload is set, otherwise a
	// protocol ping
	pingInterval     time.Duration
	pingWait         time.Duration
	pongWait         time.Duration
	keepalivePayload string

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new WebSocket client. A nil logger falls back to the
// process-wide logger.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Latency of processing WebSocket messages in seconds"))

	return &Client{
		url:     url,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		reconnect: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		pingInterval: 30 * time.Second,
		pingWait:     10 * time.Second,
		pongWait:     60 * time.Second,
		logger:       logger.WithField("component", "ws_client").WithField("url", url),
		tracer:       tracer,
		msgCounter:   msgCounter,
		connCounter:  connCounter,
		latencyHist:  latencyHist,
	}
}

// SetPingConfig sets the keepalive interval, write deadline and read
// deadline extension
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetKeepalivePayload sends payload as a text frame instead of a protocol
// ping. Any received frame extends the read deadline.
func (c *Client) SetKeepalivePayload(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepalivePayload = payload
}

// SetReconnectBackoff overrides the reconnect delay bounds
func (c *Client) SetReconnectBackoff(min, max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
}

// SetOnConnected sets the callback run after every (re)connect, typically
// to send subscriptions. An error drops the connection and reconnects.
func (c *Client) SetOnConnected(cb func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes a JSON message
func (c *Client) Send(message interface{}) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(message)
}

// SendText writes a text frame
func (c *Client) SendText(text string) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

// Start connects and begins listening until ctx is done or Stop is called
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and waits for the loops to exit
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.connect(); err != nil {
			c.logger.Error("WebSocket connect failed", "error", err)
			if !c.sleep(c.nextDelay()) {
				return
			}
			continue
		}

		c.mu.Lock()
		onConnected := c.onConnected
		pingInterval := c.pingInterval
		c.mu.Unlock()

		if onConnected != nil {
			if err := onConnected(); err != nil {
				c.logger.Error("WebSocket subscribe failed", "error", err)
				c.closeConn()
				if !c.sleep(c.nextDelay()) {
					return
				}
				continue
			}
		}
		c.resetDelay()
		c.logger.Info("WebSocket connected")

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		if pingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)
		}

		c.readLoop()
		heartbeatCancel()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("WebSocket connection lost, reconnecting")
		if !c.sleep(c.nextDelay()) {
			return
		}
	}
}

func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect.Duration()
}

func (c *Client) resetDelay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect.Reset()
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	payload := c.keepalivePayload
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				return
			}

			var err error
			c.wmu.Lock()
			if payload != "" {
				_ = conn.SetWriteDeadline(time.Now().Add(wait))
				err = conn.WriteMessage(websocket.TextMessage, []byte(payload))
				_ = conn.SetWriteDeadline(time.Time{})
			} else {
				err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait))
			}
			c.wmu.Unlock()

			if err != nil {
				// Closing the connection makes readLoop return and reconnect.
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pongWait := c.pongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	conn := c.currentConn()
	if conn == nil {
		return
	}

	c.mu.Lock()
	pongWait := c.pongWait
	c.mu.Unlock()

	for {
		if c.ctx.Err() != nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		start := time.Now()
		c.msgCounter.Add(c.ctx, 1)

		if c.handler != nil {
			c.handler(message)
		}

		c.latencyHist.Record(c.ctx, time.Since(start).Seconds())
	}
}
