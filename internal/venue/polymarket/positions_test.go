package polymarket

import (
	"context"
	"net/http"
	"testing"
	"time"

	"order_orchestrator/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCacheRefreshesAfterTTL(t *testing.T) {
	f, srv := newFakeCLOB(t)
	f.handle("GET /positions", reply(200, `[
		{"asset":"yes","size":12.5,"avgPrice":0.41,"currentValue":6.1,"title":"Will it rain?","outcome":"Yes"},
		{"asset":"no","size":0,"avgPrice":0.6,"currentValue":0}]`))

	cache := NewPositionCache(srv.URL, "0xfunder", time.Minute, logging.NewNopLogger())
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	size, err := cache.Get(ctx, "yes")
	require.NoError(t, err)
	assert.True(t, size.Equal(dec("12.5")))

	size, err = cache.Get(ctx, "no")
	require.NoError(t, err)
	assert.True(t, size.IsZero(), "empty positions are dropped")
	assert.Len(t, cache.Positions(), 1)
	assert.Len(t, f.calls("GET /positions"), 1)

	now = now.Add(2 * time.Minute)
	_, err = cache.Get(ctx, "yes")
	require.NoError(t, err)
	assert.Len(t, f.calls("GET /positions"), 2)

	q := f.calls("GET /positions")[0].query
	assert.Contains(t, q, "user=0xfunder")
	assert.Contains(t, q, "offset=0")
}

func TestPositionCacheForceRefreshError(t *testing.T) {
	f, srv := newFakeCLOB(t)
	f.handle("GET /positions", reply(http.StatusBadRequest, `{"error":"bad user"}`))

	cache := NewPositionCache(srv.URL, "0xfunder", time.Minute, logging.NewNopLogger())
	_, err := cache.Get(context.Background(), "yes")
	assert.Error(t, err)
}
