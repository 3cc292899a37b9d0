package polymarket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/pkg/websocket"
)

const (
	defaultWSBase     = "wss://ws-subscriptions-clob.polymarket.com/ws"
	keepalivePayload  = "PING"
	keepaliveWriteTTL = 5 * time.Second
)

type marketSubscription struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

type userSubscription struct {
	Auth    Credentials `json:"auth"`
	Markets []string    `json:"markets"`
	Type    string      `json:"type"`
}

// stream owns one reconnecting websocket and the subscription it resends
// on every connect
type stream struct {
	url          string
	pingInterval time.Duration
	logger       core.ILogger

	mu     sync.Mutex
	client *websocket.Client
}

func (s *stream) start(ctx context.Context, handler websocket.MessageHandler, subscription interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return fmt.Errorf("feed %s already started", s.url)
	}

	client := websocket.NewClient(s.url, handler, s.logger)
	client.SetKeepalivePayload(keepalivePayload)
	client.SetPingConfig(s.pingInterval, keepaliveWriteTTL, 3*s.pingInterval)
	client.SetOnConnected(func() error {
		return client.Send(subscription)
	})
	client.Start(ctx)
	s.client = client
	return nil
}

func (s *stream) stop() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	return nil
}

func (s *stream) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.Connected()
}

func channelURL(base, channel string) string {
	if base == "" {
		base = defaultWSBase
	}
	return strings.TrimRight(base, "/") + "/" + channel
}

// MarketFeed streams book snapshots and level changes from the market
// channel
type MarketFeed struct {
	stream
}

// NewMarketFeed creates a market channel feed. base is the websocket root,
// e.g. wss://ws-subscriptions-clob.polymarket.com/ws.
func NewMarketFeed(base string, pingInterval time.Duration, logger core.ILogger) *MarketFeed {
	url := channelURL(base, "market")
	return &MarketFeed{stream{
		url:          url,
		pingInterval: pingInterval,
		logger:       logger.WithField("component", "market_feed"),
	}}
}

// Start connects and subscribes to tokenIDs
func (f *MarketFeed) Start(ctx context.Context, tokenIDs []string, handler func(core.MarketMessage)) error {
	sub := marketSubscription{AssetsIDs: tokenIDs, Type: "market"}
	return f.start(ctx, func(raw []byte) {
		msgs, err := DecodeMarketFrame(raw)
		if err != nil {
			f.logger.Warn("Failed to decode market frame", "error", err)
		}
		for _, msg := range msgs {
			handler(msg)
		}
	}, sub)
}

// Stop closes the connection
func (f *MarketFeed) Stop() error { return f.stop() }

// Connected reports whether the socket is open
func (f *MarketFeed) Connected() bool { return f.connected() }

// UserFeed streams order and trade events of the authenticated account
type UserFeed struct {
	stream
	creds Credentials
}

// NewUserFeed creates a user channel feed authenticated with creds
func NewUserFeed(base string, creds Credentials, pingInterval time.Duration, logger core.ILogger) *UserFeed {
	return &UserFeed{
		stream: stream{
			url:          channelURL(base, "user"),
			pingInterval: pingInterval,
			logger:       logger.WithField("component", "user_feed"),
		},
		creds: creds,
	}
}

// Start connects, authenticates and forwards events touching tokenIDs
func (f *UserFeed) Start(ctx context.Context, tokenIDs []string, handler func(core.OrderEvent)) error {
	tokens := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		tokens[id] = struct{}{}
	}

	sub := userSubscription{Auth: f.creds, Markets: []string{}, Type: "user"}
	return f.start(ctx, func(raw []byte) {
		events, err := DecodeUserFrame(raw, tokens)
		if err != nil {
			f.logger.Warn("Failed to decode user frame", "error", err)
		}
		for _, ev := range events {
			handler(ev)
		}
	}, sub)
}

// Stop closes the connection
func (f *UserFeed) Stop() error { return f.stop() }

// Connected reports whether the socket is open
func (f *UserFeed) Connected() bool { return f.connected() }

var (
	_ core.IMarketFeed = (*MarketFeed)(nil)
	_ core.IUserFeed   = (*UserFeed)(nil)
)
