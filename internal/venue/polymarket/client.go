// Package polymarket is the Polymarket CLOB venue adapter: authenticated
// REST trading, EIP-712 order signing and the market and user websocket
// channels
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"order_orchestrator/internal/config"
	"order_orchestrator/internal/core"
	apperrors "order_orchestrator/pkg/errors"
	phttp "order_orchestrator/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://clob.polymarket.com"
	orderTypeGTC   = "GTC"
	cursorEnd      = "LTE="
)

type orderPayload struct {
	Order     *SignedOrder `json:"order"`
	Owner     string       `json:"owner"`
	OrderType string       `json:"orderType"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	AltID    string `json:"orderId"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type wireOpenOrder struct {
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        num    `json:"price"`
	OriginalSize num    `json:"original_size"`
	SizeMatched  num    `json:"size_matched"`
}

type openOrdersPage struct {
	Data       []wireOpenOrder `json:"data"`
	NextCursor string          `json:"next_cursor"`
}

type bookResponse struct {
	AssetID   string      `json:"asset_id"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	TickSize  num         `json:"tick_size"`
	Timestamp string      `json:"timestamp"`
}

// Client implements core.IVenue and core.IMetadataProvider against the
// CLOB REST API
type Client struct {
	http   *phttp.Client
	signer *OrderSigner
	creds  Credentials
	logger core.ILogger

	mu       sync.RWMutex
	ticks    map[string]decimal.Decimal
	feeRates map[string]int
}

// NewClient builds an authenticated client. When cfg carries no API
// credentials they are derived from the private key.
func NewClient(ctx context.Context, cfg *config.VenueConfig, logger core.ILogger) (*Client, error) {
	signer, err := NewOrderSigner(cfg.PrivateKey.Reveal(), cfg.FunderAddress, cfg.ChainID, cfg.ExchangeAddress, cfg.SignatureType)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger = logger.WithField("component", "polymarket_client")

	creds := Credentials{
		APIKey:     cfg.APIKey.Reveal(),
		Secret:     cfg.APISecret.Reveal(),
		Passphrase: cfg.Passphrase.Reveal(),
	}
	if !creds.Complete() {
		logger.Info("No API credentials configured, deriving from private key", "address", signer.Address())
		creds, err = DeriveCredentials(ctx, baseURL, signer, cfg.RequestTimeout())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
		}
	}

	return newClient(phttp.NewClient(baseURL, cfg.RequestTimeout(), NewL2Auth(signer.Address(), creds)), signer, creds, logger), nil
}

// NewPublicClient builds an unauthenticated client for the public book and
// tick size endpoints. Trading calls fail with ErrAuthenticationFailed.
func NewPublicClient(cfg *config.VenueConfig, logger core.ILogger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return newClient(phttp.NewClient(baseURL, cfg.RequestTimeout(), nil), nil, Credentials{},
		logger.WithField("component", "polymarket_public_client"))
}

func newClient(httpClient *phttp.Client, signer *OrderSigner, creds Credentials, logger core.ILogger) *Client {
	return &Client{
		http:     httpClient,
		signer:   signer,
		creds:    creds,
		logger:   logger,
		ticks:    make(map[string]decimal.Decimal),
		feeRates: make(map[string]int),
	}
}

// Credentials returns the L2 credentials, used to authenticate the user
// channel
func (c *Client) Credentials() Credentials {
	return c.creds
}

// SubmitOrder signs and posts a GTC limit order. Venue rejections come back
// as an unsuccessful response, not an error.
func (c *Client) SubmitOrder(ctx context.Context, req core.OrderRequest) (*core.SubmitResponse, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%w: client has no signing key", apperrors.ErrAuthenticationFailed)
	}
	signed, err := c.signer.SignOrder(req, c.feeRate(ctx, req.TokenID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	}

	payload := orderPayload{Order: signed, Owner: c.creds.APIKey, OrderType: orderTypeGTC}
	raw, err := c.http.Post(ctx, "/order", payload)
	if err != nil {
		var apiErr *phttp.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			var resp orderResponse
			if json.Unmarshal(apiErr.Body, &resp) == nil && resp.message() != "" {
				return &core.SubmitResponse{Success: false, ErrorMsg: resp.message()}, nil
			}
		}
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return &core.SubmitResponse{
		Success:  resp.Success,
		OrderID:  resp.id(),
		Status:   resp.Status,
		ErrorMsg: resp.message(),
	}, nil
}

func (r orderResponse) id() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.AltID
}

func (r orderResponse) message() string {
	if r.ErrorMsg != "" {
		return r.ErrorMsg
	}
	return r.Error
}

// CancelOrders cancels ids in one request
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*core.CancelResponse, error) {
	raw, err := c.http.Delete(ctx, "/orders", nil, orderIDs)
	if err != nil {
		return nil, err
	}

	var resp cancelResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cancel response: %w", err)
	}
	return &core.CancelResponse{Canceled: resp.Canceled, NotCanceled: resp.NotCanceled}, nil
}

// ListOpenOrders returns the account's resting orders on tokenID,
// following pagination cursors
func (c *Client) ListOpenOrders(ctx context.Context, tokenID string) ([]core.OpenOrder, error) {
	var out []core.OpenOrder
	cursor := ""
	for {
		params := map[string]string{"asset_id": tokenID}
		if cursor != "" {
			params["next_cursor"] = cursor
		}

		raw, err := c.http.Get(ctx, "/data/orders", params)
		if err != nil {
			return nil, err
		}
		page, err := decodeOpenOrders(raw)
		if err != nil {
			return nil, err
		}

		for _, o := range page.Data {
			if tokenID != "" && o.AssetID != "" && o.AssetID != tokenID {
				continue
			}
			out = append(out, core.OpenOrder{
				OrderID:      o.ID,
				TokenID:      o.AssetID,
				Side:         core.Side(o.Side),
				Price:        o.Price.D(),
				OriginalSize: o.OriginalSize.D(),
				SizeMatched:  o.SizeMatched.D(),
			})
		}

		if page.NextCursor == "" || page.NextCursor == cursorEnd || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// decodeOpenOrders accepts both the bare array and the paginated envelope
func decodeOpenOrders(raw []byte) (openOrdersPage, error) {
	var page openOrdersPage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &page.Data); err != nil {
			return page, fmt.Errorf("failed to decode open orders: %w", err)
		}
		return page, nil
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return page, fmt.Errorf("failed to decode open orders: %w", err)
	}
	return page, nil
}

// GetOrderBook fetches the full book for tokenID
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*core.BookSnapshot, error) {
	var resp bookResponse
	if err := c.http.GetJSON(ctx, "/book", map[string]string{"token_id": tokenID}, &resp); err != nil {
		var apiErr *phttp.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownInstrument, tokenID)
		}
		return nil, err
	}

	snap := &core.BookSnapshot{
		TokenID:   tokenID,
		Bids:      toLevels(resp.Bids),
		Asks:      toLevels(resp.Asks),
		TickSize:  resp.TickSize.D(),
		Timestamp: parseMillis(resp.Timestamp),
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	return snap, nil
}

// GetTickSize returns the instrument's minimum price increment. Results are
// cached until SetTickSize replaces them.
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	c.mu.RLock()
	tick, ok := c.ticks[tokenID]
	c.mu.RUnlock()
	if ok {
		return tick, nil
	}

	var resp struct {
		MinimumTickSize num `json:"minimum_tick_size"`
	}
	if err := c.http.GetJSON(ctx, "/tick-size", map[string]string{"token_id": tokenID}, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch tick size for %s: %w", tokenID, err)
	}
	tick = resp.MinimumTickSize.D()
	if !tick.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no tick size for %s", apperrors.ErrUnknownInstrument, tokenID)
	}

	c.SetTickSize(tokenID, tick)
	return tick, nil
}

// SetTickSize records a tick size pushed by the market channel
func (c *Client) SetTickSize(tokenID string, tick decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks[tokenID] = tick
}

// feeRate looks up the instrument's base fee once. Lookup failures fall
// back to zero, which the venue rejects explicitly if it is wrong.
func (c *Client) feeRate(ctx context.Context, tokenID string) int {
	c.mu.RLock()
	bps, ok := c.feeRates[tokenID]
	c.mu.RUnlock()
	if ok {
		return bps
	}

	var resp struct {
		BaseFee json.Number `json:"base_fee"`
	}
	if err := c.http.GetJSON(ctx, "/fee-rate", map[string]string{"token_id": tokenID}, &resp); err != nil {
		c.logger.Warn("Fee rate lookup failed, using 0", "token_id", tokenID, "error", err)
		return 0
	}
	bps, err := strconv.Atoi(resp.BaseFee.String())
	if err != nil {
		bps = 0
	}

	c.mu.Lock()
	c.feeRates[tokenID] = bps
	c.mu.Unlock()
	return bps
}

var (
	_ core.IVenue            = (*Client)(nil)
	_ core.IMetadataProvider = (*Client)(nil)
)
