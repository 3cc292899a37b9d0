package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.BackoffMin = time.Millisecond
	opts.BackoffMax = 5 * time.Millisecond
	return opts
}

type headerSigner struct {
	bodies [][]byte
}

func (s *headerSigner) SignRequest(req *http.Request, body []byte) error {
	s.bodies = append(s.bodies, body)
	req.Header.Set("X-Signed", "yes")
	return nil
}

func TestClientRetriesIdempotentRequests(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	body, err := client.Get(context.Background(), "/", nil)

	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClientDoesNotRetryPost(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	_, err := client.Post(context.Background(), "/order", map[string]string{"a": "b"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClientSignsExactBody(t *testing.T) {
	var received []byte
	var signed string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		signed = r.Header.Get("X-Signed")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	signer := &headerSigner{}
	client := NewClientWithOptions(server.URL, signer, fastOptions())
	_, err := client.Post(context.Background(), "/order", map[string]string{"url": "a&b"})

	require.NoError(t, err)
	assert.Equal(t, "yes", signed)
	require.Len(t, signer.bodies, 1)
	assert.Equal(t, string(signer.bodies[0]), string(received))
	assert.Equal(t, `{"url":"a&b"}`, string(received))
}

func TestClientQueryParamsAndJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "123", r.URL.Query().Get("token_id"))
		_, _ = w.Write([]byte(`{"asset_id":"123"}`))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	var out struct {
		AssetID string `json:"asset_id"`
	}
	require.NoError(t, client.GetJSON(context.Background(), "/book", map[string]string{"token_id": "123"}, &out))
	assert.Equal(t, "123", out.AssetID)
}

func TestClientCircuitBreakerOpens(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())

	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	before := atomic.LoadInt32(&attempts)
	_, err := client.Get(context.Background(), "/", nil)
	assert.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&attempts), "open breaker short-circuits")
}
