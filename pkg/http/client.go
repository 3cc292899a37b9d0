// Package http provides the REST client used by venue adapters, with
// retries for idempotent calls, a circuit breaker and OTel instrumentation
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"order_orchestrator/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer authenticates a request. body is the exact payload that will be
// sent, nil for requests without one.
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// Options tunes the resilience policies
type Options struct {
	Timeout         time.Duration
	MaxRetries      int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

// DefaultOptions returns the production policy settings
func DefaultOptions() Options {
	return Options{
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		BackoffMin:      100 * time.Millisecond,
		BackoffMax:      2 * time.Second,
		BreakerFailures: 5,
		BreakerWindow:   10,
		BreakerDelay:    10 * time.Second,
	}
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client  *http.Client
	baseURL string
	signer  Signer

	// Only GET and DELETE are retried; a retried POST could duplicate an order.
	idempotent failsafe.Executor[*http.Response]
	single     failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client with the default policies
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	opts := DefaultOptions()
	opts.Timeout = timeout
	return NewClientWithOptions(baseURL, signer, opts)
}

// NewClientWithOptions creates a client with explicit policy settings
func NewClientWithOptions(baseURL string, signer Signer, opts Options) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(opts.BackoffMin, opts.BackoffMax).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(opts.BreakerFailures, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: opts.Timeout},
		baseURL:     baseURL,
		signer:      signer,
		idempotent:  failsafe.With[*http.Response](retryPolicy, breaker),
		single:      failsafe.With[*http.Response](breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, params, nil)
}

// Post sends a POST request with a JSON body
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Delete sends a DELETE request, optionally with a JSON body
func (c *Client) Delete(ctx context.Context, path string, params map[string]string, body interface{}) ([]byte, error) {
	return c.Do(ctx, http.MethodDelete, path, params, body)
}

// GetJSON sends a GET request and decodes the response into out
func (c *Client) GetJSON(ctx context.Context, path string, params map[string]string, out interface{}) error {
	raw, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Do sends a request. body is JSON-encoded when not nil.
func (c *Client) Do(ctx context.Context, method, path string, params map[string]string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = encodeJSON(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	pipeline := c.single
	if method == http.MethodGet || method == http.MethodDelete {
		pipeline = c.idempotent
	}

	// The request is rebuilt per attempt so the body and signature are fresh.
	resp, err := pipeline.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := c.newRequest(ctx, method, path, query, payload)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	})

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("error", "pipeline_failed"),
		))
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", resp.StatusCode),
		))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: raw}
	}

	return raw, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload []byte) (*http.Request, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := c.signer.SignRequest(req, payload); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}
	return req, nil
}

// encodeJSON marshals without HTML escaping so the signed bytes match
// what the server hashes
func encodeJSON(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}
